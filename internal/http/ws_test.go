package httpapi

import (
	"context"
	"io"
	"log/slog"
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

// countingGrid counts cell writes on top of the memory grid.
type countingGrid struct {
	honeycomb.Grid
	cellWrites int
}

func (g *countingGrid) UpdateDriverCell(ctx context.Context, driverID string, lat, lon float64, zone string, tier, res int) error {
	g.cellWrites++
	return g.Grid.UpdateDriverCell(ctx, driverID, lat, lon, zone, tier, res)
}

func TestApplyPingThrottledSkipsGrid(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := settings.NewStore(staticSource{}, logger)
	require.NoError(t, st.Refresh(context.Background()))

	g := geo.NewMemory(5*time.Minute, 30*time.Second, time.Second)
	now := time.Now()
	g.SetClock(func() time.Time { return now })
	grid := &countingGrid{Grid: honeycomb.NewMemoryGrid()}
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

	ctx := context.Background()
	require.NoError(t, g.SetOnline(ctx, models.Presence{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 30.0, Lon: 31.0},
		Tier:     models.TierPro,
		Zone:     "cairo",
	}))

	ping := models.LocationPing{
		DriverID: "d1",
		Loc:      models.Coord{Lat: 30.01, Lon: 31.0},
		Zone:     "cairo",
		Tier:     models.TierPro,
	}
	srv.applyPing(ctx, ping)
	assert.Equal(t, 1, grid.cellWrites)

	// A burst inside the throttle interval leaves the grid untouched.
	srv.applyPing(ctx, ping)
	srv.applyPing(ctx, ping)
	assert.Equal(t, 1, grid.cellWrites)

	now = now.Add(2 * time.Second)
	srv.applyPing(ctx, ping)
	assert.Equal(t, 2, grid.cellWrites)
}
