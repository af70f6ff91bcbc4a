// README: HTTP-level tests for trip endpoints; full stack with in-memory deps.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"hail/internal/config"
	hailhttp "hail/internal/http"
	"hail/internal/infra"
	"hail/internal/modules/dispatch"
	"hail/internal/modules/geo"
	"hail/internal/modules/location"
	"hail/internal/modules/notify"
	"hail/internal/modules/trip"
	"hail/internal/types"
)

// stubTokenVerifier decodes "uid/role" bearer tokens so one router can serve
// several identities in a test.
type stubTokenVerifier struct{}

func (stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*infra.IdentityToken, error) {
	uid, role, _ := strings.Cut(idToken, "/")
	if uid == "" {
		return nil, errors.New("invalid token")
	}
	claims := map[string]interface{}{}
	if role != "" {
		claims["role"] = role
	}
	return &infra.IdentityToken{UID: uid, Claims: claims}, nil
}

type testEnv struct {
	handler http.Handler
	index   *geo.MemoryIndex
}

func buildTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	index := geo.NewMemoryIndex(6)
	router := notify.NewRouter()
	trips := trip.NewService(trip.NewMemStore())
	engine := dispatch.NewEngine(trips, index, router, dispatch.NewMemOfferLog(), config.DispatchConfig{
		InitialRadiusMeters: 2000,
		WidenedRadiusMeters: 6000,
		OfferTimeout:        time.Hour,
		MaxCandidates:       8,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)

	handler := hailhttp.NewRouter(hailhttp.RouterDeps{
		Engine:   engine,
		Trips:    trips,
		Ingest:   location.NewService(index, 200),
		Index:    index,
		Router:   router,
		Verifier: stubTokenVerifier{},
	})
	return &testEnv{handler: handler, index: index}
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func (e *testEnv) placeDriver(t *testing.T, id types.ID, lat, lng float64) {
	t.Helper()
	if err := e.index.Upsert(context.Background(), geo.DriverLocation{
		DriverID:   id,
		Position:   types.Point{Lat: lat, Lng: lng},
		RecordedAt: time.Now(),
	}); err != nil {
		t.Fatalf("place driver: %v", err)
	}
}

func (e *testEnv) createTrip(t *testing.T, riderID string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/api/trips", riderID+"/rider", map[string]any{
		"rider_id": riderID,
		"pickup":   map[string]float64{"lat": 0, "lng": 0},
		"dropoff":  map[string]float64{"lat": 0.1, "lng": 0.1},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create trip: status %d body %s", w.Code, w.Body.String())
	}
	id, _ := decodeBody(t, w)["trip_id"].(string)
	if id == "" {
		t.Fatal("create trip: no trip_id in response")
	}
	return id
}

func TestCreate_Unauthenticated(t *testing.T) {
	env := buildTestEnv(t)
	w := env.do(http.MethodPost, "/api/trips", "", map[string]any{"rider_id": "r1"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestCreate_WrongRiderID(t *testing.T) {
	env := buildTestEnv(t)
	w := env.do(http.MethodPost, "/api/trips", "realUID/rider", map[string]any{
		"rider_id": "otherUID",
		"pickup":   map[string]float64{"lat": 0, "lng": 0},
		"dropoff":  map[string]float64{"lat": 0.1, "lng": 0.1},
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestCreate_InvalidCoordinates(t *testing.T) {
	env := buildTestEnv(t)
	w := env.do(http.MethodPost, "/api/trips", "r1/rider", map[string]any{
		"rider_id": "r1",
		"pickup":   map[string]float64{"lat": 91, "lng": 0},
		"dropoff":  map[string]float64{"lat": 0.1, "lng": 0.1},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreate_SecondActiveTripConflicts(t *testing.T) {
	env := buildTestEnv(t)
	env.createTrip(t, "r1")

	w := env.do(http.MethodPost, "/api/trips", "r1/rider", map[string]any{
		"rider_id": "r1",
		"pickup":   map[string]float64{"lat": 0, "lng": 0},
		"dropoff":  map[string]float64{"lat": 0.1, "lng": 0.1},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d body %s", w.Code, w.Body.String())
	}
}

func TestGetTrip(t *testing.T) {
	env := buildTestEnv(t)
	id := env.createTrip(t, "r1")

	w := env.do(http.MethodGet, "/api/trips/"+id, "r1/rider", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["state"] != "requested" || body["rider_id"] != "r1" {
		t.Fatalf("unexpected trip view: %v", body)
	}

	w = env.do(http.MethodGet, "/api/trips/nonexistent", "r1/rider", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAcceptFlow(t *testing.T) {
	env := buildTestEnv(t)
	env.placeDriver(t, "d1", 0.001, 0)
	env.placeDriver(t, "d2", 0.002, 0)
	id := env.createTrip(t, "r1")

	// a driver may not accept under another driver's ID
	w := env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d1/driver", map[string]any{"driver_id": "d2"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("impersonated accept: expected 403, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d2/driver", map[string]any{"driver_id": "d2"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["driver_id"] != "d2" || body["state"] != "accepted" {
		t.Fatalf("unexpected accept response: %v", body)
	}

	// the ride is gone for everyone else
	w = env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d1/driver", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("late accept: expected 409, got %d", w.Code)
	}
}

func TestAdvanceAndComplete(t *testing.T) {
	env := buildTestEnv(t)
	env.placeDriver(t, "d1", 0.001, 0)
	id := env.createTrip(t, "r1")

	w := env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d1/driver", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d", w.Code)
	}

	for i, step := range []struct {
		event, wantState string
	}{
		{"pickup_confirmed", "in_progress"},
		{"dropoff_confirmed", "completed"},
	} {
		w = env.do(http.MethodPost, "/api/trips/"+id+"/advance", "d1/driver", map[string]any{
			"driver_id": "d1", "event": step.event,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("advance step %d: status %d body %s", i, w.Code, w.Body.String())
		}
		if body := decodeBody(t, w); body["state"] != step.wantState {
			t.Fatalf("advance step %d: state %v, want %s", i, body["state"], step.wantState)
		}
	}

	// rider is free to request again
	env.createTrip(t, "r1")
}

func TestCancelPoliciesOverHTTP(t *testing.T) {
	env := buildTestEnv(t)
	env.placeDriver(t, "d1", 0.001, 0)
	id := env.createTrip(t, "r1")

	// stranger
	w := env.do(http.MethodPost, "/api/trips/"+id+"/cancel", "x1/rider", map[string]any{"party_id": "x1"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("stranger cancel: expected 403, got %d", w.Code)
	}

	w = env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d1/driver", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d", w.Code)
	}
	w = env.do(http.MethodPost, "/api/trips/"+id+"/advance", "d1/driver", map[string]any{
		"driver_id": "d1", "event": "pickup_confirmed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("advance: status %d", w.Code)
	}

	// a driver may not abandon an in-progress ride
	w = env.do(http.MethodPost, "/api/trips/"+id+"/cancel", "d1/driver", map[string]any{"party_id": "d1"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("driver abandon: expected 403, got %d body %s", w.Code, w.Body.String())
	}
}

func TestCancelIdempotentOverHTTP(t *testing.T) {
	env := buildTestEnv(t)
	id := env.createTrip(t, "r1")

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/api/trips/"+id+"/cancel", "r1/rider", map[string]any{"party_id": "r1"})
		if w.Code != http.StatusOK {
			t.Fatalf("cancel attempt %d: status %d body %s", i, w.Code, w.Body.String())
		}
		if body := decodeBody(t, w); body["state"] != "cancelled" {
			t.Fatalf("cancel attempt %d: state %v", i, body["state"])
		}
	}
}

func TestCancelCompletedTripOverHTTP(t *testing.T) {
	env := buildTestEnv(t)
	env.placeDriver(t, "d1", 0.001, 0)
	id := env.createTrip(t, "r1")

	w := env.do(http.MethodPost, "/api/trips/"+id+"/accept", "d1/driver", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d", w.Code)
	}
	for _, event := range []string{"pickup_confirmed", "dropoff_confirmed"} {
		w = env.do(http.MethodPost, "/api/trips/"+id+"/advance", "d1/driver", map[string]any{
			"driver_id": "d1", "event": event,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("advance %s: status %d", event, w.Code)
		}
	}

	// cancelling the finished trip is a no-op success, not a policy error
	w = env.do(http.MethodPost, "/api/trips/"+id+"/cancel", "r1/rider", map[string]any{"party_id": "r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel after completion: status %d body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["state"] != "completed" {
		t.Fatalf("state = %v, want completed", body["state"])
	}
}

func TestHealthNoAuth(t *testing.T) {
	env := buildTestEnv(t)
	w := env.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestBadJSONBody(t *testing.T) {
	env := buildTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/trips", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer r1/rider")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestNearbyDriversQuery(t *testing.T) {
	env := buildTestEnv(t)
	for i := 0; i < 5; i++ {
		env.placeDriver(t, types.ID(fmt.Sprintf("d%d", i)), 0.001*float64(i+1), 0)
	}

	w := env.do(http.MethodGet, "/api/nearby-drivers?lat=0&lng=0&radius_m=300&limit=10", "r1/rider", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("nearby: status %d", w.Code)
	}
	body := decodeBody(t, w)
	drivers, _ := body["drivers"].([]any)
	if len(drivers) != 2 {
		t.Fatalf("got %d drivers within 300m, want 2", len(drivers))
	}

	w = env.do(http.MethodGet, "/api/nearby-drivers?radius_m=300", "r1/rider", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing coordinates: expected 400, got %d", w.Code)
	}
}
