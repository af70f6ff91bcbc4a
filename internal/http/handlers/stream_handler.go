// README: WebSocket streams; per-trip events and per-driver offer feeds.
package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hail/internal/http/middleware"
	"hail/internal/modules/notify"
	"hail/internal/modules/trip"
	"hail/internal/types"
)

type StreamHandler struct {
	router *notify.Router
	trips  *trip.Service
}

func NewStreamHandler(router *notify.Router, trips *trip.Service) *StreamHandler {
	return &StreamHandler{router: router, trips: trips}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Identity is enforced by the auth middleware, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// TripEvents streams state-change events for one trip to the rider or the
// assigned driver. The stream carries no history: a client that reconnects
// re-reads the trip snapshot first.
func (h *StreamHandler) TripEvents(c *gin.Context) {
	id := types.ID(c.Param("id"))
	caller := types.ID(middleware.CallerUID(c))

	t, err := h.trips.Get(c.Request.Context(), id)
	if err != nil {
		writeTripError(c, err)
		return
	}
	isRider := t.RiderID == caller
	isDriver := t.DriverID != nil && *t.DriverID == caller
	if !isRider && !isDriver {
		writeError(c, http.StatusForbidden, "forbidden: not a party to this trip")
		return
	}
	if t.State.Terminal() {
		writeError(c, http.StatusConflict, "trip already ended")
		return
	}

	sub := h.router.Subscribe(caller, id)
	h.serve(c, sub)
}

// DriverOffers streams trip offers to an online driver.
func (h *StreamHandler) DriverOffers(c *gin.Context) {
	id := c.Param("id")
	if middleware.CallerRole(c) != "driver" {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return
	}

	sub := h.router.SubscribeParty(types.ID(id))
	h.serve(c, sub)
}

// serve pumps subscription events over the socket until the subscription
// closes (trip ended, unsubscribe) or the peer goes away.
func (h *StreamHandler) serve(c *gin.Context, sub *notify.Subscription) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.router.Unsubscribe(sub)
		return
	}
	defer conn.Close()
	defer h.router.Unsubscribe(sub)

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				deadline := time.Now().Add(writeWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "trip ended"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("stream: write to %s: %v", sub.PartyID, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-peerGone:
			return
		}
	}
}
