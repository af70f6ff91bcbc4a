// README: Notification router; fans trip events out to live subscriptions.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hail/internal/types"
)

type Kind string

const (
	KindTripRequested  Kind = "trip_requested"
	KindTripOffer      Kind = "trip_offer"
	KindOfferClosed    Kind = "offer_closed"
	KindTripAccepted   Kind = "trip_accepted"
	KindTripInProgress Kind = "trip_in_progress"
	KindTripCompleted  Kind = "trip_completed"
	KindTripCancelled  Kind = "trip_cancelled"
)

// Event is one state-change or offer notification. Delivery is best-effort;
// a client that missed events re-reads the trip snapshot instead of relying
// on buffered history.
type Event struct {
	TripID   types.ID     `json:"trip_id"`
	Kind     Kind         `json:"kind"`
	State    string       `json:"state,omitempty"`
	DriverID *types.ID    `json:"driver_id,omitempty"`
	Pickup   *types.Point `json:"pickup,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`
}

// Subscription is one party's live attachment to a trip stream (TripID set)
// or to their own offer stream (TripID empty). It is ephemeral: destroyed on
// disconnect or when the trip reaches a terminal state.
type Subscription struct {
	ID      types.ID
	PartyID types.ID
	TripID  types.ID
	ch      chan Event
}

// Events is the receive side of the subscription. The channel closes when
// the subscription is torn down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

const subscriptionBuffer = 16

// Router owns no durable state; it can be rebuilt from the trip store and
// geo index after a restart. Sends happen under the read lock and are
// non-blocking, so no subscriber can stall a publish; channel close happens
// only under the write lock, which makes send-vs-close safe.
type Router struct {
	mu      sync.RWMutex
	byTrip  map[types.ID]map[types.ID]*Subscription // tripID -> subID -> sub
	byParty map[types.ID]map[types.ID]*Subscription // partyID -> subID -> sub
}

func NewRouter() *Router {
	return &Router{
		byTrip:  make(map[types.ID]map[types.ID]*Subscription),
		byParty: make(map[types.ID]map[types.ID]*Subscription),
	}
}

// Subscribe attaches partyID to tripID's event stream.
func (r *Router) Subscribe(partyID, tripID types.ID) *Subscription {
	sub := &Subscription{
		ID:      types.ID(uuid.NewString()),
		PartyID: partyID,
		TripID:  tripID,
		ch:      make(chan Event, subscriptionBuffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byTrip[tripID] == nil {
		r.byTrip[tripID] = make(map[types.ID]*Subscription)
	}
	r.byTrip[tripID][sub.ID] = sub
	return sub
}

// SubscribeParty attaches partyID to its own stream; drivers receive trip
// offers here before any trip references them.
func (r *Router) SubscribeParty(partyID types.ID) *Subscription {
	sub := &Subscription{
		ID:      types.ID(uuid.NewString()),
		PartyID: partyID,
		ch:      make(chan Event, subscriptionBuffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byParty[partyID] == nil {
		r.byParty[partyID] = make(map[types.ID]*Subscription)
	}
	r.byParty[partyID][sub.ID] = sub
	return sub
}

// Publish delivers ev to every current subscriber of the trip.
func (r *Router) Publish(tripID types.ID, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.byTrip[tripID] {
		deliver(sub, ev)
	}
}

// PublishToParty delivers ev to every stream the party has open.
func (r *Router) PublishToParty(partyID types.ID, ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.byParty[partyID] {
		deliver(sub, ev)
	}
}

// Unsubscribe tears one subscription down; safe to call twice.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.TripID != "" {
		if subs := r.byTrip[sub.TripID]; subs != nil {
			if _, ok := subs[sub.ID]; ok {
				delete(subs, sub.ID)
				close(sub.ch)
			}
			if len(subs) == 0 {
				delete(r.byTrip, sub.TripID)
			}
		}
		return
	}
	if subs := r.byParty[sub.PartyID]; subs != nil {
		if _, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(r.byParty, sub.PartyID)
		}
	}
}

// CloseTrip delivers the final event to the trip's subscribers and tears the
// trip's subscriptions down. Called when a trip reaches a terminal state.
func (r *Router) CloseTrip(tripID types.ID, final Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.byTrip[tripID] {
		deliver(sub, final)
		close(sub.ch)
	}
	delete(r.byTrip, tripID)
}

// deliver is a non-blocking send; when the subscriber's buffer is full the
// event is dropped and the client recovers by re-reading the trip.
func deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
	default:
	}
}
