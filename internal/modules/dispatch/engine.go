// README: Dispatch engine; trip lifecycle orchestration and driver matching.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"hail/internal/config"
	"hail/internal/modules/geo"
	"hail/internal/modules/notify"
	"hail/internal/modules/trip"
	"hail/internal/types"
)

// ErrNotParty rejects a call from a caller who is neither the trip's rider
// nor its assigned driver.
var ErrNotParty = errors.New("caller is not a party to this trip")

// Engine orchestrates the trip lifecycle: it matches requested trips against
// the geo index, drives the state machine through the trip service's
// compare-and-swap, and emits exactly one notification per successful
// transition. It holds no locks of its own; ordering comes from the CAS chain.
type Engine struct {
	trips  *trip.Service
	index  geo.Index
	router *notify.Router
	offers OfferLog
	cfg    config.DispatchConfig

	// timerMu guards timerCtx: Start may run concurrently with requests
	// already spawning offer timers.
	timerMu  sync.Mutex
	timerCtx context.Context
}

func NewEngine(trips *trip.Service, index geo.Index, router *notify.Router, offers OfferLog, cfg config.DispatchConfig) *Engine {
	return &Engine{
		trips:    trips,
		index:    index,
		router:   router,
		offers:   offers,
		cfg:      cfg,
		timerCtx: context.Background(),
	}
}

// Start binds the engine's background offer timers to ctx. When ctx is
// cancelled, in-flight broadcasts are abandoned with no side effects.
func (e *Engine) Start(ctx context.Context) {
	e.timerMu.Lock()
	e.timerCtx = ctx
	e.timerMu.Unlock()
}

func (e *Engine) baseCtx() context.Context {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return e.timerCtx
}

type RequestCommand struct {
	RiderID types.ID
	Pickup  types.Point
	Dropoff types.Point
}

type AcceptCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	TripID  types.ID
	PartyID types.ID
}

// AdvanceEvent names a driver-progress event on an assigned trip.
type AdvanceEvent string

const (
	EventPickupConfirmed  AdvanceEvent = "pickup_confirmed"
	EventDropoffConfirmed AdvanceEvent = "dropoff_confirmed"
)

type AdvanceCommand struct {
	TripID   types.ID
	DriverID types.ID
	Event    AdvanceEvent
}

// Request creates the trip and broadcasts an offer to nearby drivers. An
// empty candidate set is not an error: the widened pass may still find a
// driver who comes online, and the final timeout auto-cancels otherwise.
func (e *Engine) Request(ctx context.Context, cmd RequestCommand) (*trip.Trip, error) {
	t, err := e.trips.Create(ctx, trip.CreateCommand{
		RiderID: cmd.RiderID,
		Pickup:  cmd.Pickup,
		Dropoff: cmd.Dropoff,
	})
	if err != nil {
		return nil, err
	}

	e.broadcast(ctx, t, e.cfg.InitialRadiusMeters)
	go e.offerTimer(t.ID)
	return t, nil
}

// Accept is a driver's attempt to take a requested trip. The first CAS wins;
// every later attempt observes ErrStaleTransition, which the API maps to
// "ride no longer available".
func (e *Engine) Accept(ctx context.Context, cmd AcceptCommand) (*trip.Trip, error) {
	if cmd.DriverID == "" {
		return nil, trip.ErrBadRequest
	}

	active, err := e.trips.ActiveByDriver(ctx, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	if active != nil && active.ID != cmd.TripID {
		return nil, trip.ErrDriverActive
	}

	driverID := cmd.DriverID
	t, err := e.trips.Transition(ctx, trip.TransitionCommand{
		TripID:    cmd.TripID,
		Expected:  trip.StateRequested,
		Next:      trip.StateAccepted,
		DriverID:  &driverID,
		ActorType: trip.ActorDriver,
		ActorID:   &driverID,
	})
	if err != nil {
		return nil, err
	}

	// The assigned driver stops matching until they report again after the
	// trip ends. Index failure here is not worth failing the accept over.
	if rerr := e.index.Remove(ctx, driverID); rerr != nil {
		log.Printf("dispatch: remove accepted driver %s from index: %v", driverID, rerr)
	}

	ev := notify.Event{
		TripID:   t.ID,
		Kind:     notify.KindTripAccepted,
		State:    string(t.State),
		DriverID: t.DriverID,
		At:       time.Now(),
	}
	e.router.Publish(t.ID, ev)
	e.router.PublishToParty(t.RiderID, ev)
	e.closeOffers(ctx, t.ID, &driverID)
	return t, nil
}

// Cancel applies the cancellation policy: riders may cancel while requested
// or accepted, drivers only while accepted. Cancel of a trip that already
// ended, cancelled or completed, is an idempotent no-op success.
func (e *Engine) Cancel(ctx context.Context, cmd CancelCommand) (*trip.Trip, error) {
	t, err := e.trips.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}

	var actorType, reason string
	switch {
	case t.RiderID == cmd.PartyID:
		actorType, reason = trip.ActorRider, trip.ReasonRiderCancel
	case t.DriverID != nil && *t.DriverID == cmd.PartyID:
		actorType, reason = trip.ActorDriver, trip.ReasonDriverCancel
	default:
		return nil, ErrNotParty
	}

	if t.State.Terminal() {
		return t, nil
	}
	if actorType == trip.ActorDriver && t.State != trip.StateAccepted {
		// In particular a driver may not abandon an in-progress ride.
		return nil, trip.ErrIllegalTransition
	}

	partyID := cmd.PartyID
	updated, err := e.trips.Transition(ctx, trip.TransitionCommand{
		TripID:    t.ID,
		Expected:  t.State,
		Next:      trip.StateCancelled,
		ActorType: actorType,
		ActorID:   &partyID,
		Reason:    &reason,
	})
	if err != nil {
		return nil, err
	}

	final := notify.Event{
		TripID: updated.ID,
		Kind:   notify.KindTripCancelled,
		State:  string(updated.State),
		Reason: reason,
		At:     time.Now(),
	}
	// Tell the other party directly; the subscribers on the trip stream get
	// the final event through CloseTrip.
	if actorType == trip.ActorRider && updated.DriverID != nil {
		e.router.PublishToParty(*updated.DriverID, final)
	}
	if actorType == trip.ActorDriver {
		e.router.PublishToParty(updated.RiderID, final)
	}
	e.closeOffers(ctx, updated.ID, nil)
	e.router.CloseTrip(updated.ID, final)
	return updated, nil
}

// Advance moves an assigned trip forward on the driver's confirmation.
func (e *Engine) Advance(ctx context.Context, cmd AdvanceCommand) (*trip.Trip, error) {
	var expected, next trip.State
	var kind notify.Kind
	switch cmd.Event {
	case EventPickupConfirmed:
		expected, next, kind = trip.StateAccepted, trip.StateInProgress, notify.KindTripInProgress
	case EventDropoffConfirmed:
		expected, next, kind = trip.StateInProgress, trip.StateCompleted, notify.KindTripCompleted
	default:
		return nil, trip.ErrBadRequest
	}

	t, err := e.trips.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID == nil || *t.DriverID != cmd.DriverID {
		return nil, ErrNotParty
	}

	driverID := cmd.DriverID
	updated, err := e.trips.Transition(ctx, trip.TransitionCommand{
		TripID:    t.ID,
		Expected:  expected,
		Next:      next,
		ActorType: trip.ActorDriver,
		ActorID:   &driverID,
	})
	if err != nil {
		return nil, err
	}

	ev := notify.Event{
		TripID:   updated.ID,
		Kind:     kind,
		State:    string(updated.State),
		DriverID: updated.DriverID,
		At:       time.Now(),
	}
	e.router.PublishToParty(updated.RiderID, ev)
	if updated.State.Terminal() {
		// Completion releases the driver for matching; they rejoin the geo
		// index with their next location report.
		e.router.CloseTrip(updated.ID, ev)
	} else {
		e.router.Publish(updated.ID, ev)
	}
	return updated, nil
}

// broadcast offers the trip to drivers near the pickup who have not been
// offered it yet, and records them in the offer log.
func (e *Engine) broadcast(ctx context.Context, t *trip.Trip, radiusMeters float64) {
	candidates, err := e.nearby(ctx, t.Pickup, radiusMeters)
	if err != nil {
		log.Printf("dispatch: candidate query for trip %s: %v", t.ID, err)
		return
	}

	already := make(map[types.ID]struct{})
	if offered, err := e.offers.Offered(ctx, t.ID); err == nil {
		for _, d := range offered {
			already[d] = struct{}{}
		}
	}

	var notified []types.ID
	for _, c := range candidates {
		if _, dup := already[c.DriverID]; dup {
			continue
		}
		pickup := t.Pickup
		e.router.PublishToParty(c.DriverID, notify.Event{
			TripID: t.ID,
			Kind:   notify.KindTripOffer,
			State:  string(trip.StateRequested),
			Pickup: &pickup,
			At:     time.Now(),
		})
		notified = append(notified, c.DriverID)
	}
	if err := e.offers.Record(ctx, t.ID, notified); err != nil {
		log.Printf("dispatch: record offers for trip %s: %v", t.ID, err)
	}
}

// offerTimer bounds the broadcast-then-wait flow: one initial window, one
// widened re-broadcast, then auto-cancel. It aborts silently once the trip
// leaves requested or the engine shuts down.
func (e *Engine) offerTimer(tripID types.ID) {
	ctx := e.baseCtx()

	if !e.sleep(ctx) {
		return
	}
	t, err := e.trips.Get(ctx, tripID)
	if err != nil || t.State != trip.StateRequested {
		return
	}
	e.broadcast(ctx, t, e.cfg.WidenedRadiusMeters)

	if !e.sleep(ctx) {
		return
	}
	t, err = e.trips.Get(ctx, tripID)
	if err != nil || t.State != trip.StateRequested {
		return
	}

	reason := trip.ReasonNoDriverFound
	updated, err := e.trips.Transition(ctx, trip.TransitionCommand{
		TripID:    tripID,
		Expected:  trip.StateRequested,
		Next:      trip.StateCancelled,
		ActorType: trip.ActorSystem,
		Reason:    &reason,
	})
	if err != nil {
		// A driver accepted or the rider cancelled between the read and the
		// CAS; either way the timer has nothing left to do.
		return
	}

	final := notify.Event{
		TripID: updated.ID,
		Kind:   notify.KindTripCancelled,
		State:  string(updated.State),
		Reason: reason,
		At:     time.Now(),
	}
	e.router.PublishToParty(updated.RiderID, final)
	e.closeOffers(ctx, updated.ID, nil)
	e.router.CloseTrip(updated.ID, final)
}

func (e *Engine) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.cfg.OfferTimeout):
		return true
	}
}

// closeOffers tells every offered driver except the winner that the trip is
// gone, then clears the offer log.
func (e *Engine) closeOffers(ctx context.Context, tripID types.ID, winner *types.ID) {
	offered, err := e.offers.Offered(ctx, tripID)
	if err != nil {
		log.Printf("dispatch: read offers for trip %s: %v", tripID, err)
		return
	}
	for _, d := range offered {
		if winner != nil && d == *winner {
			continue
		}
		e.router.PublishToParty(d, notify.Event{
			TripID: tripID,
			Kind:   notify.KindOfferClosed,
			At:     time.Now(),
		})
	}
	if err := e.offers.Clear(ctx, tripID); err != nil {
		log.Printf("dispatch: clear offers for trip %s: %v", tripID, err)
	}
}

// nearby retries transient index failures with doubling backoff before
// giving up; matching can tolerate a short outage better than a lost query.
func (e *Engine) nearby(ctx context.Context, p types.Point, radiusMeters float64) ([]geo.NearbyDriver, error) {
	wait := 50 * time.Millisecond
	var last error
	for attempt := 0; attempt < 3; attempt++ {
		candidates, err := e.index.Nearby(ctx, p, radiusMeters, e.cfg.MaxCandidates)
		if err == nil {
			return candidates, nil
		}
		last = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, last
}
