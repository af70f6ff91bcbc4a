// README: Trip aggregate and state definitions.
package trip

import (
	"time"

	"hail/internal/types"
)

type State string

const (
	StateNone       State = "none"
	StateRequested  State = "requested"
	StateAccepted   State = "accepted"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

// Cancel reasons recorded on the trip.
const (
	ReasonRiderCancel   = "rider_cancel"
	ReasonDriverCancel  = "driver_cancel"
	ReasonNoDriverFound = "no_driver_found"
)

type Trip struct {
	ID           types.ID
	RiderID      types.ID
	DriverID     *types.ID
	State        State
	Version      int
	Pickup       types.Point
	Dropoff      types.Point
	CancelReason *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is one row of the transition history kept for audit.
type Event struct {
	ID        int64
	TripID    types.ID
	From      State
	To        State
	ActorType string
	ActorID   *types.ID
	CreatedAt time.Time
}

// AllowedTransitions represents the trip state flow as code. Transitions not
// listed here never persist; in particular no state may be skipped and
// terminal states have no outgoing edges.
var AllowedTransitions = map[State][]State{
	StateRequested:  {StateAccepted, StateCancelled},
	StateAccepted:   {StateInProgress, StateCancelled},
	StateInProgress: {StateCompleted},
}

func CanTransition(from, to State) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}
