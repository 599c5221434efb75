package honeycomb

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cell is a coarse spatial bucket key of the form r{res}_{lathex}_{lnghex},
// derived deterministically from a coordinate. Every process that indexes
// drivers must produce identical keys for identical inputs, so the snapping
// arithmetic below is the wire format and must not change.
type Cell string

const DefaultResolution = 8

// Degrees of lat/lng per cell at each supported resolution.
var gridSizes = map[int]float64{
	7: 0.05,  // ~5km
	8: 0.015, // ~1.5km
	9: 0.005, // ~500m
}

// Approximate cell edge length used to step outward during ring search.
var edgeLengthKm = map[int]float64{
	7: 2.6,
	8: 0.98,
	9: 0.37,
}

func gridSize(res int) float64 {
	if s, ok := gridSizes[res]; ok {
		return s
	}
	return gridSizes[DefaultResolution]
}

func edgeKm(res int) float64 {
	if e, ok := edgeLengthKm[res]; ok {
		return e
	}
	return edgeLengthKm[DefaultResolution]
}

// CellAt snaps a coordinate to its cell at the given resolution.
func CellAt(lat, lon float64, res int) Cell {
	size := gridSize(res)
	gridLat := math.Round(lat/size) * size
	gridLon := math.Round(lon/size) * size

	latInt := int64(math.Floor((gridLat + 90) * 10000))
	lonInt := int64(math.Floor((gridLon + 180) * 10000))

	return Cell(fmt.Sprintf("r%d_%06x_%06x", res, latInt, lonInt))
}

// Center returns the coordinate encoded in the cell key. Unparseable
// keys decode to the origin, matching a missing cell.
func (c Cell) Center() (lat, lon float64) {
	parts := strings.Split(string(c), "_")
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "r") {
		return 0, 0
	}
	latInt, err1 := strconv.ParseInt(parts[1], 16, 64)
	lonInt, err2 := strconv.ParseInt(parts[2], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return float64(latInt)/10000 - 90, float64(lonInt)/10000 - 180
}

func (c Cell) Resolution() int {
	parts := strings.Split(string(c), "_")
	if len(parts) != 3 || len(parts[0]) < 2 {
		return DefaultResolution
	}
	res, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return DefaultResolution
	}
	return res
}

// Ring returns the origin cell followed by the cells of rings 1..k,
// deduplicated. Ring k is sampled with 6*k probe bearings at graph
// distance k, so the result is at most 1 + sum(6k) cells and usually
// fewer near the poles where probes collapse together.
func Ring(origin Cell, k int) []Cell {
	res := origin.Resolution()
	centerLat, centerLon := origin.Center()
	edge := edgeKm(res)

	cells := []Cell{origin}
	seen := map[Cell]struct{}{origin: {}}

	for ring := 1; ring <= k; ring++ {
		offsetKm := edge * float64(ring) * 1.5
		probes := 6 * ring
		for dir := 0; dir < probes; dir++ {
			angle := float64(dir) * (360.0 / float64(probes)) * math.Pi / 180
			offLat := (offsetKm / 111.0) * math.Cos(angle)
			offLon := (offsetKm / (111.0 * math.Cos(centerLat*math.Pi/180))) * math.Sin(angle)

			neighbor := CellAt(centerLat+offLat, centerLon+offLon, res)
			if _, ok := seen[neighbor]; ok {
				continue
			}
			seen[neighbor] = struct{}{}
			cells = append(cells, neighbor)
		}
	}
	return cells
}
