// README: Trip service; enforces the state machine over the store's CAS.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hail/internal/types"
)

var (
	ErrNotFound          = errors.New("trip not found")
	ErrRiderActive       = errors.New("rider already has an active trip")
	ErrDriverActive      = errors.New("driver already has an active trip")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrStaleTransition   = errors.New("trip state changed underneath the caller")
	ErrBadRequest        = errors.New("bad request")
	// ErrUnavailable surfaces an infrastructure failure after retries
	// exhausted; the mutation was not silently dropped, the caller must
	// retry.
	ErrUnavailable = errors.New("store unavailable")
)

// Actor types recorded on transition events.
const (
	ActorRider  = "rider"
	ActorDriver = "driver"
	ActorSystem = "system"
)

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

type CreateCommand struct {
	RiderID types.ID
	Pickup  types.Point
	Dropoff types.Point
}

// TransitionCommand is one compare-and-swap attempt against the trip's
// current state. Expected is what the caller last read; when the stored
// state moved on, the attempt fails with ErrStaleTransition and the caller
// re-reads or abandons.
type TransitionCommand struct {
	TripID    types.ID
	Expected  State
	Next      State
	DriverID  *types.ID
	ActorType string
	ActorID   *types.ID
	Reason    *string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Trip, error) {
	if cmd.RiderID == "" || !cmd.Pickup.Valid() || !cmd.Dropoff.Valid() {
		return nil, ErrBadRequest
	}

	var active *Trip
	err := s.withRetry(ctx, func() error {
		var err error
		active, err = s.store.ActiveByRider(ctx, cmd.RiderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrRiderActive
	}

	now := time.Now()
	t := &Trip{
		ID:        types.ID(uuid.NewString()),
		RiderID:   cmd.RiderID,
		State:     StateRequested,
		Version:   0,
		Pickup:    cmd.Pickup,
		Dropoff:   cmd.Dropoff,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.withRetry(ctx, func() error { return s.store.Create(ctx, t) }); err != nil {
		return nil, err
	}
	_ = s.store.AppendEvent(ctx, &Event{
		TripID:    t.ID,
		From:      StateNone,
		To:        StateRequested,
		ActorType: ActorRider,
		ActorID:   &cmd.RiderID,
		CreatedAt: now,
	})
	return t, nil
}

// Transition applies one legal edge of the state machine. Exactly one of any
// set of concurrent conflicting transitions succeeds; the rest observe
// ErrStaleTransition.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Trip, error) {
	if !CanTransition(cmd.Expected, cmd.Next) {
		return nil, ErrIllegalTransition
	}

	t, err := s.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if t.State != cmd.Expected {
		return nil, ErrStaleTransition
	}

	var ok bool
	err = s.withRetry(ctx, func() error {
		var err error
		ok, err = s.store.UpdateState(ctx, t.ID, cmd.Expected, cmd.Next, t.Version, cmd.DriverID, cmd.Reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStaleTransition
	}

	_ = s.store.AppendEvent(ctx, &Event{
		TripID:    t.ID,
		From:      cmd.Expected,
		To:        cmd.Next,
		ActorType: cmd.ActorType,
		ActorID:   cmd.ActorID,
		CreatedAt: time.Now(),
	})

	return s.Get(ctx, cmd.TripID)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	var t *Trip
	err := s.withRetry(ctx, func() error {
		var err error
		t, err = s.store.Get(ctx, id)
		return err
	})
	return t, err
}

func (s *Service) ActiveByRider(ctx context.Context, riderID types.ID) (*Trip, error) {
	var t *Trip
	err := s.withRetry(ctx, func() error {
		var err error
		t, err = s.store.ActiveByRider(ctx, riderID)
		return err
	})
	return t, err
}

func (s *Service) ActiveByDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	var t *Trip
	err := s.withRetry(ctx, func() error {
		var err error
		t, err = s.store.ActiveByDriver(ctx, driverID)
		return err
	})
	return t, err
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.store.Events(ctx, id)
}

const (
	retryAttempts = 3
	retryBaseWait = 50 * time.Millisecond
)

// withRetry re-runs op on infrastructure errors with doubling backoff.
// Recoverable-by-caller errors pass through untouched; exhaustion surfaces
// ErrUnavailable.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	wait := retryBaseWait
	var last error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err := op()
		if err == nil || recoverable(err) {
			return err
		}
		last = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, last)
}

func recoverable(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRiderActive) ||
		errors.Is(err, ErrDriverActive) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrStaleTransition) ||
		errors.Is(err, ErrBadRequest)
}
