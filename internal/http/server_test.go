package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alien2112/smartline-dispatch/internal/assignment"
	"github.com/alien2112/smartline-dispatch/internal/bridge"
	"github.com/alien2112/smartline-dispatch/internal/dispatch"
	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	"github.com/alien2112/smartline-dispatch/internal/matcher"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/notify"
	"github.com/alien2112/smartline-dispatch/internal/settings"
	"github.com/alien2112/smartline-dispatch/internal/storage"
)

const testAPIKey = "secret-key"

type staticSource struct{}

func (staticSource) Version(context.Context) (int64, error)          { return 1, nil }
func (staticSource) Load(context.Context) (map[string]string, error) { return nil, nil }

type testEnv struct {
	srv   *Server
	geo   *geo.Memory
	trips *storage.MemoryStore
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := settings.NewStore(staticSource{}, logger)
	require.NoError(t, st.Refresh(context.Background()))

	g := geo.NewMemory(5*time.Minute, 30*time.Second, 0)
	grid := honeycomb.NewMemoryGrid()
	trips := storage.NewMemoryStore()
	locks := assignment.NewMemoryLocks()
	registry := notify.NewRegistry(logger)

	m := matcher.New(g, grid, st, logger)
	a := assignment.New(locks, trips, time.Minute, logger)
	orch := dispatch.NewOrchestrator(m, a, g, grid, trips, dispatch.NewMemoryRecords(),
		registry, bridge.NewMemoryBus(), locks, st, logger)

	srv := NewServer(Options{
		Orchestrator:   orch,
		Geo:            g,
		Grid:           grid,
		Registry:       registry,
		Settings:       st,
		Zone:           "cairo",
		JWTSecret:      "test-secret",
		InternalAPIKey: testAPIKey,
		Logger:         logger,
	})
	return &testEnv{srv: srv, geo: g, trips: trips}
}

func (e *testEnv) post(t *testing.T, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func seedTrip(t *testing.T, trips *storage.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, trips.CreateTrip(context.Background(), &models.Trip{
		ID:         id,
		CustomerID: "cust",
		Status:     models.StatusPending,
		Tier:       models.TierPro,
	}))
}

func TestAssignEndpoint(t *testing.T) {
	env := newTestServer(t)
	seedTrip(t, env.trips, "t1")

	rec := env.post(t, "/api/internal/ride/assign", testAPIKey,
		map[string]string{"trip_id": "t1", "driver_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp assignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Trip)
	assert.Equal(t, "d1", resp.Trip.DriverID)

	// A second driver gets a conflict, not an error.
	rec = env.post(t, "/api/internal/ride/assign", testAPIKey,
		map[string]string{"trip_id": "t1", "driver_id": "d2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, storage.ReasonTaken, resp.Message)
}

func TestAssignEndpointRequiresAPIKey(t *testing.T) {
	env := newTestServer(t)
	seedTrip(t, env.trips, "t1")

	rec := env.post(t, "/api/internal/ride/assign", "",
		map[string]string{"trip_id": "t1", "driver_id": "d1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.post(t, "/api/internal/ride/assign", "wrong",
		map[string]string{"trip_id": "t1", "driver_id": "d1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAssignEndpointValidation(t *testing.T) {
	env := newTestServer(t)

	rec := env.post(t, "/api/internal/ride/assign", testAPIKey, map[string]string{"trip_id": "t1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.post(t, "/api/internal/ride/assign", testAPIKey,
		map[string]string{"trip_id": "missing", "driver_id": "d1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReleaseEndpoint(t *testing.T) {
	env := newTestServer(t)
	seedTrip(t, env.trips, "t1")

	rec := env.post(t, "/api/internal/ride/assign", testAPIKey,
		map[string]string{"trip_id": "t1", "driver_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.post(t, "/api/internal/ride/release", testAPIKey,
		map[string]string{"trip_id": "t1", "driver_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	trip, err := env.trips.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, trip.Status)
	assert.Empty(t, trip.DriverID)

	// Releasing a trip the driver does not hold is a 404.
	rec = env.post(t, "/api/internal/ride/release", testAPIKey,
		map[string]string{"trip_id": "t1", "driver_id": "d1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDriverLocationEndpointFallsBackToGeo(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, env.geo.SetOnline(ctx, models.Presence{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 30.0, Lon: 31.0},
		Tier:     models.TierPro,
		Zone:     "cairo",
	}))

	rec := env.post(t, "/internal/driver/locations", "", models.LocationPing{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 30.05, Lon: 31.05},
		Tier:     models.TierPro,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	p, err := env.geo.Get(ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 30.05, p.Loc.Lat, 1e-9)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
