package honeycomb

import (
	"context"
	"strconv"
	"time"
)

// Grid maintains cell membership and rolling supply/demand counters for
// the hexagonal dispatch index. A driver belongs to at most one cell per
// zone; moving between cells is a remove-then-add pair executed together
// so a crash leaves the driver in exactly the old or the new cell until
// the advisory TTLs heal whatever was left behind.
type Grid interface {
	// UpdateDriverCell recomputes the driver's cell from its position and,
	// if it changed, moves membership and supply counters over.
	UpdateDriverCell(ctx context.Context, driverID string, lat, lon float64, zone string, tier, res int) error

	// RemoveDriver drops the driver's membership and supply contribution,
	// used on go-offline.
	RemoveDriver(ctx context.Context, driverID, zone string, tier int) error

	// CandidateDrivers returns the deduplicated driver IDs found in the
	// origin cell and its rings out to depth. An empty result with a nil
	// error means the grid holds no data for that area.
	CandidateDrivers(ctx context.Context, lat, lon float64, zone string, res, depth int) ([]string, error)

	// RecordDemand bumps the demand counter of the pickup cell for the
	// current rolling window.
	RecordDemand(ctx context.Context, lat, lon float64, zone string, tier, res int) error

	// SurgeMultiplier derives a multiplier from the cell's supply/demand
	// imbalance. Read-only; fare math itself happens elsewhere.
	SurgeMultiplier(ctx context.Context, lat, lon float64, zone string, res int, p SurgeParams) (float64, error)
}

// SurgeParams are live-settings inputs to the imbalance calculation.
type SurgeParams struct {
	Enabled   bool
	Threshold float64
	Cap       float64
	Step      float64
}

func (p SurgeParams) multiplier(imbalance float64) float64 {
	if !p.Enabled {
		return 1.0
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 1.5
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 2.0
	}
	step := p.Step
	if step <= 0 {
		step = 0.1
	}
	if imbalance < threshold {
		return 1.0
	}
	steps := float64(int((imbalance - threshold) / 0.5))
	surge := 1.0 + steps*step
	if surge > cap {
		return cap
	}
	return surge
}

// Advisory TTLs. Membership and counters expire on their own so that a
// writer that dies mid-move cannot strand a driver in a cell forever.
const (
	cellSetTTL  = 10 * time.Minute
	pointerTTL  = 5 * time.Minute
	counterTTL  = 10 * time.Minute
	demandSlice = 5 * time.Minute
)

// demandWindow buckets time into fixed slices for rolling demand counters.
func demandWindow(now time.Time) string {
	bucket := now.Unix() / int64(demandSlice.Seconds()) * int64(demandSlice.Seconds())
	return strconv.FormatInt(bucket, 10)
}

func cellDriversKey(zone string, c Cell) string  { return "hc:drivers:" + zone + ":" + string(c) }
func cellSupplyKey(zone string, c Cell) string   { return "hc:supply:" + zone + ":" + string(c) }
func driverCellKey(zone, driverID string) string { return "hc:driver:cell:" + zone + ":" + driverID }
func cellDemandKey(zone string, c Cell, window string) string {
	return "hc:demand:" + zone + ":" + string(c) + ":" + window
}
