// README: In-memory trip store for tests and single-node development.
package trip

import (
	"context"
	"sync"
	"time"

	"hail/internal/types"
)

// MemStore mirrors the PGStore contract in process memory. The mutex is held
// only for the duration of each check-and-write, so UpdateState is the same
// compare-and-swap callers get from the conditional SQL update.
type MemStore struct {
	mu     sync.Mutex
	trips  map[types.ID]*Trip
	events map[types.ID][]Event
	nextID int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		trips:  make(map[types.ID]*Trip),
		events: make(map[types.ID][]Event),
	}
}

func (s *MemStore) Create(_ context.Context, t *Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.trips[t.ID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id types.ID) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) ActiveByRider(_ context.Context, riderID types.ID) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.trips {
		if t.RiderID == riderID && !t.State.Terminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) ActiveByDriver(_ context.Context, driverID types.ID) (*Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.trips {
		if t.DriverID != nil && *t.DriverID == driverID && !t.State.Terminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) UpdateState(_ context.Context, id types.ID, from, to State, version int, driverID *types.ID, reason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok || t.State != from || t.Version != version {
		return false, nil
	}
	t.State = to
	t.Version++
	if driverID != nil {
		d := *driverID
		t.DriverID = &d
	}
	if reason != nil {
		r := *reason
		t.CancelReason = &r
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *e
	cp.ID = s.nextID
	s.events[e.TripID] = append(s.events[e.TripID], cp)
	return nil
}

func (s *MemStore) Events(_ context.Context, id types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[id]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}
