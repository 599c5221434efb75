package honeycomb

import (
	"context"
	"sync"
	"time"
)

// MemoryGrid holds the same membership semantics as RedisGrid in process
// memory. Used by tests and by single-instance deployments without Redis.
type MemoryGrid struct {
	mu      sync.Mutex
	cells   map[string]map[string]struct{} // cellDriversKey -> driver set
	pointer map[string]Cell                // driverCellKey -> cell
	supply  map[string]map[string]int64    // cellSupplyKey -> field -> count
	demand  map[string]map[string]int64
}

func NewMemoryGrid() *MemoryGrid {
	return &MemoryGrid{
		cells:   make(map[string]map[string]struct{}),
		pointer: make(map[string]Cell),
		supply:  make(map[string]map[string]int64),
		demand:  make(map[string]map[string]int64),
	}
}

func (g *MemoryGrid) incr(m map[string]map[string]int64, key, field string, delta int64) {
	if m[key] == nil {
		m[key] = make(map[string]int64)
	}
	m[key][field] += delta
}

func (g *MemoryGrid) UpdateDriverCell(_ context.Context, driverID string, lat, lon float64, zone string, tier, res int) error {
	newCell := CellAt(lat, lon, res)
	pointerKey := driverCellKey(zone, driverID)

	g.mu.Lock()
	defer g.mu.Unlock()

	current, hasCurrent := g.pointer[pointerKey]
	if hasCurrent && current == newCell {
		return nil
	}

	if hasCurrent {
		oldKey := cellDriversKey(zone, current)
		delete(g.cells[oldKey], driverID)
		g.incr(g.supply, cellSupplyKey(zone, current), "total", -1)
		g.incr(g.supply, cellSupplyKey(zone, current), tierField(tier), -1)
	}

	newKey := cellDriversKey(zone, newCell)
	if g.cells[newKey] == nil {
		g.cells[newKey] = make(map[string]struct{})
	}
	g.cells[newKey][driverID] = struct{}{}
	g.incr(g.supply, cellSupplyKey(zone, newCell), "total", 1)
	g.incr(g.supply, cellSupplyKey(zone, newCell), tierField(tier), 1)
	g.pointer[pointerKey] = newCell
	return nil
}

func (g *MemoryGrid) RemoveDriver(_ context.Context, driverID, zone string, tier int) error {
	pointerKey := driverCellKey(zone, driverID)

	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.pointer[pointerKey]
	if !ok {
		return nil
	}
	delete(g.cells[cellDriversKey(zone, current)], driverID)
	g.incr(g.supply, cellSupplyKey(zone, current), "total", -1)
	g.incr(g.supply, cellSupplyKey(zone, current), tierField(tier), -1)
	delete(g.pointer, pointerKey)
	return nil
}

func (g *MemoryGrid) CandidateDrivers(_ context.Context, lat, lon float64, zone string, res, depth int) ([]string, error) {
	cells := Ring(CellAt(lat, lon, res), depth)

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, c := range cells {
		for id := range g.cells[cellDriversKey(zone, c)] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out, nil
}

func (g *MemoryGrid) RecordDemand(_ context.Context, lat, lon float64, zone string, tier, res int) error {
	cell := CellAt(lat, lon, res)
	key := cellDemandKey(zone, cell, demandWindow(time.Now()))

	g.mu.Lock()
	defer g.mu.Unlock()
	g.incr(g.demand, key, "total", 1)
	g.incr(g.demand, key, tierField(tier), 1)
	return nil
}

func (g *MemoryGrid) SurgeMultiplier(_ context.Context, lat, lon float64, zone string, res int, p SurgeParams) (float64, error) {
	if !p.Enabled {
		return 1.0, nil
	}
	cell := CellAt(lat, lon, res)

	g.mu.Lock()
	supply := g.supply[cellSupplyKey(zone, cell)]["total"]
	demand := g.demand[cellDemandKey(zone, cell, demandWindow(time.Now()))]["total"]
	g.mu.Unlock()

	if supply < 1 {
		supply = 1
	}
	return p.multiplier(float64(demand) / float64(supply)), nil
}

// CellOf reports the driver's current cell, for tests and diagnostics.
func (g *MemoryGrid) CellOf(driverID, zone string) (Cell, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.pointer[driverCellKey(zone, driverID)]
	return c, ok
}

// MembershipCount reports how many cells in the zone currently contain
// the driver. The invariant is that this never exceeds one.
func (g *MemoryGrid) MembershipCount(driverID, zone string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := cellDriversKey(zone, "")
	n := 0
	for key, set := range g.cells {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if _, ok := set[driverID]; ok {
			n++
		}
	}
	return n
}

// SupplyTotal reports the total supply counter of the cell containing the
// given coordinate.
func (g *MemoryGrid) SupplyTotal(lat, lon float64, zone string, res int) int64 {
	cell := CellAt(lat, lon, res)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.supply[cellSupplyKey(zone, cell)]["total"]
}
