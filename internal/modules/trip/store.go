// README: Durable-store boundary for trip records; conditional writes only.
package trip

import (
	"context"

	"hail/internal/types"
)

// Store is the durable key-value boundary for trips. Implementations must
// make UpdateState a compare-and-swap: the write succeeds only when both the
// stored state and version match, which is what serialises concurrent
// transitions for a single trip.
type Store interface {
	Create(ctx context.Context, t *Trip) error
	// Get returns ErrNotFound for an unknown trip.
	Get(ctx context.Context, id types.ID) (*Trip, error)
	// ActiveByRider returns the rider's non-terminal trip, or (nil, nil)
	// when there is none.
	ActiveByRider(ctx context.Context, riderID types.ID) (*Trip, error)
	// ActiveByDriver returns the driver's non-terminal trip, or (nil, nil)
	// when there is none.
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Trip, error)
	// UpdateState persists from→to for the trip iff the stored state equals
	// from and the stored version equals version. Returns false (no error)
	// when the precondition fails.
	UpdateState(ctx context.Context, id types.ID, from, to State, version int, driverID *types.ID, reason *string) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, id types.ID) ([]Event, error)
}
