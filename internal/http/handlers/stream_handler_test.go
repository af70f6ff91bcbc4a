// README: WebSocket stream tests for trip events and driver offers.
package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hail/internal/modules/notify"
)

func dialStream(t *testing.T, server *httptest.Server, path, token string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil && err != websocket.ErrBadHandshake {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn, resp
}

func readEvent(t *testing.T, conn *websocket.Conn) notify.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestTripEventsStream(t *testing.T) {
	env := buildTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	env.placeDriver(t, "d1", 0.001, 0)
	id := env.createTrip(t, "r1")

	// a stranger cannot attach to the stream
	conn, resp := dialStream(t, server, "/api/trips/"+id+"/events", "x1/rider")
	if conn != nil {
		t.Fatal("stranger got a stream")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger dial: expected 403 handshake rejection")
	}

	conn, _ = dialStream(t, server, "/api/trips/"+id+"/events", "r1/rider")
	if conn == nil {
		t.Fatal("rider handshake rejected")
	}
	defer conn.Close()

	w := env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d1/driver", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d", w.Code)
	}

	ev := readEvent(t, conn)
	if ev.Kind != notify.KindTripAccepted {
		t.Fatalf("event kind = %s, want %s", ev.Kind, notify.KindTripAccepted)
	}
	if ev.DriverID == nil || *ev.DriverID != "d1" {
		t.Fatalf("event driver = %v, want d1", ev.DriverID)
	}
}

func TestTripEventsStreamRejectsEndedTrip(t *testing.T) {
	env := buildTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	id := env.createTrip(t, "r1")
	w := env.do(http.MethodPost, "/api/trips/"+id+"/cancel", "r1/rider", map[string]any{"party_id": "r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", w.Code)
	}

	conn, resp := dialStream(t, server, "/api/trips/"+id+"/events", "r1/rider")
	if conn != nil {
		t.Fatal("got a stream for an ended trip")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatal("expected 409 handshake rejection")
	}
}

func TestDriverOffersStream(t *testing.T) {
	env := buildTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	// role and identity checks reject the handshake
	if conn, resp := dialStream(t, server, "/api/drivers/d1/offers", "d1/rider"); conn != nil {
		t.Fatal("rider got an offer stream")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatal("expected 403 handshake rejection")
	}
	if conn, _ := dialStream(t, server, "/api/drivers/d1/offers", "d2/driver"); conn != nil {
		t.Fatal("driver attached to another driver's offers")
	}

	conn, _ := dialStream(t, server, "/api/drivers/d1/offers", "d1/driver")
	if conn == nil {
		t.Fatal("driver handshake rejected")
	}
	defer conn.Close()

	env.placeDriver(t, "d1", 0.001, 0)
	id := env.createTrip(t, "r1")

	ev := readEvent(t, conn)
	if ev.Kind != notify.KindTripOffer {
		t.Fatalf("event kind = %s, want %s", ev.Kind, notify.KindTripOffer)
	}
	if ev.TripID == "" || string(ev.TripID) != id {
		t.Fatalf("offer trip id = %s, want %s", ev.TripID, id)
	}
	if ev.Pickup == nil {
		t.Fatal("offer event missing pickup")
	}
}

// TestStreamClosesOnTerminalState checks the server closes the socket after
// the final event.
func TestStreamClosesOnTerminalState(t *testing.T) {
	env := buildTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	id := env.createTrip(t, "r1")

	conn, _ := dialStream(t, server, "/api/trips/"+id+"/events", "r1/rider")
	if conn == nil {
		t.Fatal("rider handshake rejected")
	}
	defer conn.Close()

	w := env.do(http.MethodPost, "/api/trips/"+id+"/cancel", "r1/rider", map[string]any{"party_id": "r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", w.Code)
	}

	ev := readEvent(t, conn)
	if ev.Kind != notify.KindTripCancelled {
		t.Fatalf("final event kind = %s", ev.Kind)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the stream")
	} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}
}
