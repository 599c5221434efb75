package honeycomb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverBelongsToOneCellPerZone(t *testing.T) {
	g := NewMemoryGrid()
	ctx := context.Background()

	// Walk a driver through a series of positions, some inside the same
	// cell, some crossing cell borders.
	positions := [][2]float64{
		{30.0444, 31.2357},
		{30.0450, 31.2360}, // same cell
		{30.0644, 31.2357}, // ~2km north, new cell
		{30.1044, 31.3357},
		{30.0444, 31.2357}, // back to the start
	}
	for _, p := range positions {
		require.NoError(t, g.UpdateDriverCell(ctx, "d1", p[0], p[1], "cairo", 2, 8))
		assert.Equal(t, 1, g.MembershipCount("d1", "cairo"))
	}

	cell, ok := g.CellOf("d1", "cairo")
	require.True(t, ok)
	assert.Equal(t, CellAt(30.0444, 31.2357, 8), cell)
}

func TestCellMoveAdjustsSupplyCounters(t *testing.T) {
	g := NewMemoryGrid()
	ctx := context.Background()

	oldLat, oldLon := 30.0444, 31.2357
	newLat, newLon := 30.0644, 31.2357 // different cell, ~2km away
	require.NotEqual(t, CellAt(oldLat, oldLon, 8), CellAt(newLat, newLon, 8))

	require.NoError(t, g.UpdateDriverCell(ctx, "d1", oldLat, oldLon, "cairo", 1, 8))
	require.NoError(t, g.UpdateDriverCell(ctx, "d2", oldLat, oldLon, "cairo", 1, 8))
	assert.EqualValues(t, 2, g.SupplyTotal(oldLat, oldLon, "cairo", 8))

	// d1 goes offline and comes back 2km away: old cell loses one member,
	// the new cell gains one, total driver count is unchanged.
	require.NoError(t, g.RemoveDriver(ctx, "d1", "cairo", 1))
	require.NoError(t, g.UpdateDriverCell(ctx, "d1", newLat, newLon, "cairo", 1, 8))

	assert.EqualValues(t, 1, g.SupplyTotal(oldLat, oldLon, "cairo", 8))
	assert.EqualValues(t, 1, g.SupplyTotal(newLat, newLon, "cairo", 8))
	assert.Equal(t, 1, g.MembershipCount("d1", "cairo"))
	assert.Equal(t, 1, g.MembershipCount("d2", "cairo"))
}

func TestCandidateDriversRingSearch(t *testing.T) {
	g := NewMemoryGrid()
	ctx := context.Background()

	// One driver in the origin cell, one in a ring-1 neighbor, one far away.
	require.NoError(t, g.UpdateDriverCell(ctx, "near", 30.0444, 31.2357, "cairo", 1, 8))
	require.NoError(t, g.UpdateDriverCell(ctx, "ring1", 30.0590, 31.2357, "cairo", 1, 8))
	require.NoError(t, g.UpdateDriverCell(ctx, "far", 31.5000, 32.5000, "cairo", 1, 8))

	ids, err := g.CandidateDrivers(ctx, 30.0444, 31.2357, "cairo", 8, 1)
	require.NoError(t, err)
	assert.Contains(t, ids, "near")
	assert.Contains(t, ids, "ring1")
	assert.NotContains(t, ids, "far")

	// Depth 0 restricts to the origin cell only.
	ids, err = g.CandidateDrivers(ctx, 30.0444, 31.2357, "cairo", 8, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"near"}, ids)
}

func TestCandidatesRespectZones(t *testing.T) {
	g := NewMemoryGrid()
	ctx := context.Background()

	require.NoError(t, g.UpdateDriverCell(ctx, "d1", 30.0444, 31.2357, "cairo", 1, 8))

	ids, err := g.CandidateDrivers(ctx, 30.0444, 31.2357, "alex", 8, 1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSurgeMultiplier(t *testing.T) {
	g := NewMemoryGrid()
	ctx := context.Background()
	p := SurgeParams{Enabled: true, Threshold: 1.5, Cap: 2.0, Step: 0.1}

	// One driver, four requests in the window: imbalance 4.0.
	require.NoError(t, g.UpdateDriverCell(ctx, "d1", 30.0444, 31.2357, "cairo", 1, 8))
	for i := 0; i < 4; i++ {
		require.NoError(t, g.RecordDemand(ctx, 30.0444, 31.2357, "cairo", 1, 8))
	}

	m, err := g.SurgeMultiplier(ctx, 30.0444, 31.2357, "cairo", 8, p)
	require.NoError(t, err)
	assert.Greater(t, m, 1.0)
	assert.LessOrEqual(t, m, p.Cap)

	m, err = g.SurgeMultiplier(ctx, 30.0444, 31.2357, "cairo", 8, SurgeParams{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, 1.0, m)
}
