package honeycomb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellAtDeterministic(t *testing.T) {
	a := CellAt(30.0444, 31.2357, 8)
	b := CellAt(30.0444, 31.2357, 8)
	require.Equal(t, a, b)
	assert.Equal(t, 8, a.Resolution())
}

func TestCellAtSnapsNearbyPoints(t *testing.T) {
	// Two points inside the same ~1.5km bucket share a cell.
	a := CellAt(30.0444, 31.2357, 8)
	b := CellAt(30.0450, 31.2360, 8)
	assert.Equal(t, a, b)

	// A point ~2km away lands in a different cell.
	far := CellAt(30.0644, 31.2357, 8)
	assert.NotEqual(t, a, far)
}

func TestCellCenterRoundTrip(t *testing.T) {
	for _, res := range []int{7, 8, 9} {
		c := CellAt(30.0444, 31.2357, res)
		lat, lon := c.Center()
		// The center must re-snap to the same cell.
		assert.Equal(t, c, CellAt(lat, lon, res), "res %d", res)
		assert.InDelta(t, 30.0444, lat, gridSize(res))
		assert.InDelta(t, 31.2357, lon, gridSize(res))
	}
}

func TestRingContainsOriginFirst(t *testing.T) {
	origin := CellAt(30.0444, 31.2357, 8)
	cells := Ring(origin, 2)
	require.NotEmpty(t, cells)
	assert.Equal(t, origin, cells[0])

	// Deduplicated and bounded by the probe count: 1 + 6 + 12.
	seen := map[Cell]struct{}{}
	for _, c := range cells {
		_, dup := seen[c]
		assert.False(t, dup, "duplicate cell %s", c)
		seen[c] = struct{}{}
	}
	assert.LessOrEqual(t, len(cells), 19)
}

func TestRingZeroIsJustOrigin(t *testing.T) {
	origin := CellAt(0, 0, 8)
	assert.Equal(t, []Cell{origin}, Ring(origin, 0))
}

func TestUnknownResolutionFallsBack(t *testing.T) {
	c := CellAt(10, 10, 42)
	lat, lon := c.Center()
	assert.Equal(t, CellAt(lat, lon, 42), c)
}
