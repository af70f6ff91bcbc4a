// README: Trip handlers for request/accept/cancel/advance and snapshot reads.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hail/internal/http/middleware"
	"hail/internal/modules/dispatch"
	"hail/internal/modules/trip"
	"hail/internal/types"
)

type TripHandler struct {
	engine *dispatch.Engine
	trips  *trip.Service
}

func NewTripHandler(engine *dispatch.Engine, trips *trip.Service) *TripHandler {
	return &TripHandler{engine: engine, trips: trips}
}

type tripView struct {
	TripID   types.ID    `json:"trip_id"`
	RiderID  types.ID    `json:"rider_id"`
	DriverID *types.ID   `json:"driver_id,omitempty"`
	State    trip.State  `json:"state"`
	Pickup   types.Point `json:"pickup"`
	Dropoff  types.Point `json:"dropoff"`
	Created  time.Time   `json:"created_at"`
	Updated  time.Time   `json:"updated_at"`
}

func viewOf(t *trip.Trip) tripView {
	return tripView{
		TripID:   t.ID,
		RiderID:  t.RiderID,
		DriverID: t.DriverID,
		State:    t.State,
		Pickup:   t.Pickup,
		Dropoff:  t.Dropoff,
		Created:  t.CreatedAt,
		Updated:  t.UpdatedAt,
	}
}

type createTripReq struct {
	RiderID string      `json:"rider_id"`
	Pickup  types.Point `json:"pickup"`
	Dropoff types.Point `json:"dropoff"`
}

func (h *TripHandler) Create(c *gin.Context) {
	var req createTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RiderID == "" {
		writeError(c, http.StatusBadRequest, "missing rider_id")
		return
	}
	// Riders may only request rides as themselves.
	if middleware.CallerUID(c) != req.RiderID {
		writeError(c, http.StatusForbidden, "forbidden: rider_id does not match authenticated user")
		return
	}

	t, err := h.engine.Request(c.Request.Context(), dispatch.RequestCommand{
		RiderID: types.ID(req.RiderID),
		Pickup:  req.Pickup,
		Dropoff: req.Dropoff,
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"trip_id": t.ID, "state": t.State})
}

func (h *TripHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	t, err := h.trips.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, viewOf(t))
}

type acceptReq struct {
	DriverID string `json:"driver_id"`
}

func (h *TripHandler) Accept(c *gin.Context) {
	id := c.Param("id")
	var req acceptReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DriverID == "" {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return
	}
	if middleware.CallerUID(c) != req.DriverID {
		writeError(c, http.StatusForbidden, "forbidden: driver_id does not match authenticated user")
		return
	}

	t, err := h.engine.Accept(c.Request.Context(), dispatch.AcceptCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(req.DriverID),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": t.ID, "state": t.State, "driver_id": t.DriverID})
}

type cancelReq struct {
	PartyID string `json:"party_id"`
}

func (h *TripHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	var req cancelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PartyID == "" {
		writeError(c, http.StatusBadRequest, "missing party_id")
		return
	}
	if middleware.CallerUID(c) != req.PartyID {
		writeError(c, http.StatusForbidden, "forbidden: party_id does not match authenticated user")
		return
	}

	t, err := h.engine.Cancel(c.Request.Context(), dispatch.CancelCommand{
		TripID:  types.ID(id),
		PartyID: types.ID(req.PartyID),
	})
	if err != nil {
		// Policy violations (driver cancelling mid-ride, stranger to the
		// trip) are forbidden rather than a state conflict.
		if errors.Is(err, trip.ErrIllegalTransition) || errors.Is(err, dispatch.ErrNotParty) {
			writeError(c, http.StatusForbidden, err.Error())
			return
		}
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": t.ID, "state": t.State})
}

type advanceReq struct {
	DriverID string `json:"driver_id"`
	Event    string `json:"event"`
}

func (h *TripHandler) Advance(c *gin.Context) {
	id := c.Param("id")
	var req advanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DriverID == "" || req.Event == "" {
		writeError(c, http.StatusBadRequest, "missing driver_id or event")
		return
	}
	if middleware.CallerUID(c) != req.DriverID {
		writeError(c, http.StatusForbidden, "forbidden: driver_id does not match authenticated user")
		return
	}

	t, err := h.engine.Advance(c.Request.Context(), dispatch.AdvanceCommand{
		TripID:   types.ID(id),
		DriverID: types.ID(req.DriverID),
		Event:    dispatch.AdvanceEvent(req.Event),
	})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip_id": t.ID, "state": t.State})
}
