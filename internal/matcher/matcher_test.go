package matcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/settings"
)

type staticSource struct {
	values map[string]string
}

func (s staticSource) Version(context.Context) (int64, error)          { return 1, nil }
func (s staticSource) Load(context.Context) (map[string]string, error) { return s.values, nil }

func newService(t *testing.T, values map[string]string) (*Service, *geo.Memory, *honeycomb.MemoryGrid) {
	t.Helper()
	st := settings.NewStore(staticSource{values: values}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, st.Refresh(context.Background()))
	g := geo.NewMemory(5*time.Minute, 30*time.Second, 0)
	grid := honeycomb.NewMemoryGrid()
	return New(g, grid, st, slog.New(slog.NewTextHandler(io.Discard, nil))), g, grid
}

func putDriver(t *testing.T, g *geo.Memory, grid *honeycomb.MemoryGrid, id string, lat, lon float64, tier int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.SetOnline(ctx, models.Presence{
		DriverID:     id,
		Loc:          models.Coord{Lat: lat, Lon: lon},
		Status:       models.DriverOnline,
		Availability: models.Available,
		Tier:         tier,
		Zone:         "cairo",
	}))
	if grid != nil {
		require.NoError(t, grid.UpdateDriverCell(ctx, id, lat, lon, "cairo", tier, honeycomb.DefaultResolution))
	}
}

func standardTrip(tier int) *models.Trip {
	return &models.Trip{
		ID:     "t1",
		Tier:   tier,
		Mode:   models.ModeStandard,
		Zone:   "cairo",
		Pickup: models.Coord{Lat: 30.0444, Lon: 31.2357},
	}
}

func TestFindCandidatesGridPath(t *testing.T) {
	svc, g, grid := newService(t, nil)
	putDriver(t, g, grid, "near", 30.0445, 31.2358, models.TierPro)
	putDriver(t, g, grid, "far", 31.5, 32.5, models.TierPro)

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "near", cands[0].DriverID)
}

func TestFindCandidatesSameTierRankedFirst(t *testing.T) {
	svc, g, grid := newService(t, nil)
	// VIP is closer but the request is for pro tier.
	putDriver(t, g, grid, "vip-close", 30.0444, 31.2357, models.TierVIP)
	putDriver(t, g, grid, "pro-far", 30.0450, 31.2360, models.TierPro)

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "pro-far", cands[0].DriverID)
	assert.Equal(t, "vip-close", cands[1].DriverID)
}

func TestFindCandidatesExcludesLowerTier(t *testing.T) {
	svc, g, grid := newService(t, nil)
	putDriver(t, g, grid, "budget", 30.0445, 31.2358, models.TierBudget)

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestFindCandidatesRadiusFallbackWhenGridDisabled(t *testing.T) {
	svc, g, _ := newService(t, map[string]string{"dispatch.grid_enabled": "false"})
	// No grid membership; only presence in the geo index.
	putDriver(t, g, nil, "d1", 30.0450, 31.2360, models.TierPro)

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "d1", cands[0].DriverID)
}

func TestFindCandidatesRadiusFallbackWhenGridEmpty(t *testing.T) {
	svc, g, _ := newService(t, nil)
	putDriver(t, g, nil, "d1", 30.0450, 31.2360, models.TierPro)

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "d1", cands[0].DriverID)
}

func TestFindCandidatesWidensRadiusOnce(t *testing.T) {
	svc, g, _ := newService(t, map[string]string{
		"dispatch.grid_enabled":         "false",
		"dispatch.search_radius_km":     "1",
		"dispatch.max_search_radius_km": "20",
	})
	// Roughly 9 km north of the pickup, outside 1 km but inside 20 km.
	putDriver(t, g, nil, "d1", 30.1250, 31.2357, models.TierPro)

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "d1", cands[0].DriverID)
}

func TestFindCandidatesTravelModeVIPOnly(t *testing.T) {
	svc, g, grid := newService(t, nil)
	putDriver(t, g, grid, "pro", 30.0445, 31.2358, models.TierPro)
	putDriver(t, g, grid, "vip", 30.0500, 31.2400, models.TierVIP)

	trip := standardTrip(models.TierBudget)
	trip.Mode = models.ModeTravel

	cands, err := svc.FindCandidates(context.Background(), trip)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "vip", cands[0].DriverID)
}

func TestFindCandidatesSkipsBusyDrivers(t *testing.T) {
	svc, g, grid := newService(t, nil)
	putDriver(t, g, grid, "busy", 30.0445, 31.2358, models.TierPro)
	require.NoError(t, g.AssignTrip(context.Background(), "busy", "trip-x", "cust-x"))

	cands, err := svc.FindCandidates(context.Background(), standardTrip(models.TierPro))
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestFindCandidatesZoneIsolation(t *testing.T) {
	svc, g, grid := newService(t, nil)
	ctx := context.Background()
	require.NoError(t, g.SetOnline(ctx, models.Presence{
		DriverID:     "alex",
		Loc:          models.Coord{Lat: 30.0445, Lon: 31.2358},
		Status:       models.DriverOnline,
		Availability: models.Available,
		Tier:         models.TierPro,
		Zone:         "alexandria",
	}))
	require.NoError(t, grid.UpdateDriverCell(ctx, "alex", 30.0445, 31.2358, "alexandria", models.TierPro, honeycomb.DefaultResolution))

	cands, err := svc.FindCandidates(ctx, standardTrip(models.TierPro))
	require.NoError(t, err)
	assert.Empty(t, cands)
}
