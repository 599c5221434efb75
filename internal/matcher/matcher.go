// Package matcher turns a trip request into an ordered list of
// candidate drivers. It prefers the honeycomb grid (cheap set reads
// around the pickup cell) and falls back to a geo radius query when
// the grid is disabled or comes back empty.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/observability"
	"github.com/alien2112/smartline-dispatch/internal/settings"
)

// maxCandidates bounds the pool before the notify cap is applied, so a
// dense cell cannot turn one request into hundreds of presence reads.
const maxCandidates = 50

type Service struct {
	geo      geo.Store
	grid     honeycomb.Grid
	settings *settings.Store
	logger   *slog.Logger
}

func New(g geo.Store, grid honeycomb.Grid, st *settings.Store, logger *slog.Logger) *Service {
	return &Service{geo: g, grid: grid, settings: st, logger: logger}
}

// FindCandidates returns drivers eligible for the trip, best first.
// Standard trips accept the requested tier or above, with same-tier
// drivers ranked ahead of higher tiers and distance breaking ties.
// Travel trips are VIP-only and search a much larger radius.
func (s *Service) FindCandidates(ctx context.Context, trip *models.Trip) ([]models.Candidate, error) {
	if trip.Mode == models.ModeTravel {
		return s.travelCandidates(ctx, trip)
	}

	if s.settings.GridEnabled() {
		cands, err := s.gridCandidates(ctx, trip)
		if err != nil {
			s.logger.Warn("grid candidate search failed, falling back to radius",
				"trip_id", trip.ID, "error", err)
		} else if len(cands) > 0 {
			return cands, nil
		}
	}

	radiusM := s.settings.SearchRadiusKm() * 1000
	cands, err := s.radiusCandidates(ctx, trip, radiusM)
	if err != nil {
		return nil, err
	}
	return cands, nil
}

func (s *Service) gridCandidates(ctx context.Context, trip *models.Trip) ([]models.Candidate, error) {
	start := time.Now()
	ids, err := s.grid.CandidateDrivers(ctx, trip.Pickup.Lat, trip.Pickup.Lon,
		trip.Zone, s.settings.GridResolution(), s.settings.RingDepth())
	if err != nil {
		return nil, err
	}

	cands := make([]models.Candidate, 0, len(ids))
	for _, id := range ids {
		if len(cands) >= maxCandidates {
			break
		}
		p, err := s.geo.Get(ctx, id)
		if err != nil || p == nil {
			// Grid membership outlives presence; skip ghosts and let
			// the cell TTL clean them up.
			continue
		}
		if !s.eligible(p, trip) {
			continue
		}
		cands = append(cands, models.Candidate{
			DriverID: id,
			Distance: geo.Haversine(trip.Pickup.Lat, trip.Pickup.Lon, p.Loc.Lat, p.Loc.Lon),
			Tier:     p.Tier,
			Loc:      p.Loc,
		})
	}
	s.rank(cands, trip.Tier)
	observability.CandidateLatency.WithLabelValues("grid").Observe(time.Since(start).Seconds())
	return cands, nil
}

func (s *Service) radiusCandidates(ctx context.Context, trip *models.Trip, radiusM float64) ([]models.Candidate, error) {
	start := time.Now()
	found, err := s.geo.Nearby(ctx, trip.Pickup.Lat, trip.Pickup.Lon, radiusM, maxCandidates)
	if err != nil {
		return nil, err
	}

	cands := found[:0]
	for _, c := range found {
		if c.Tier < trip.Tier {
			continue
		}
		if c.Zone != "" && trip.Zone != "" && c.Zone != trip.Zone {
			continue
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 && s.settings.CategoryFallbackEnabled() {
		// Widen once to the max radius before giving up on the area.
		maxM := s.settings.MaxSearchRadiusKm() * 1000
		if maxM > radiusM {
			observability.CandidateLatency.WithLabelValues("radius").Observe(time.Since(start).Seconds())
			return s.radiusCandidates(ctx, trip, maxM)
		}
	}
	s.rank(cands, trip.Tier)
	observability.CandidateLatency.WithLabelValues("radius").Observe(time.Since(start).Seconds())
	return cands, nil
}

func (s *Service) travelCandidates(ctx context.Context, trip *models.Trip) ([]models.Candidate, error) {
	start := time.Now()
	radiusM := s.settings.TravelSearchRadiusKm() * 1000
	found, err := s.geo.Nearby(ctx, trip.Pickup.Lat, trip.Pickup.Lon, radiusM, maxCandidates)
	if err != nil {
		return nil, err
	}
	cands := found[:0]
	for _, c := range found {
		if c.Tier != models.TierVIP {
			continue
		}
		if c.Zone != "" && trip.Zone != "" && c.Zone != trip.Zone {
			continue
		}
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Distance < cands[j].Distance })
	observability.CandidateLatency.WithLabelValues("travel").Observe(time.Since(start).Seconds())
	return cands, nil
}

func (s *Service) eligible(p *models.Presence, trip *models.Trip) bool {
	if p.Status != models.DriverOnline || p.Availability != models.Available {
		return false
	}
	if p.Zone != "" && trip.Zone != "" && p.Zone != trip.Zone {
		return false
	}
	return p.Tier >= trip.Tier
}

// rank orders same-tier drivers ahead of higher tiers, then by
// distance. Keeping exact-tier matches first stops VIP drivers from
// absorbing budget demand whenever they happen to be closest.
func (s *Service) rank(cands []models.Candidate, requestedTier int) {
	sort.SliceStable(cands, func(i, j int) bool {
		iExact := cands[i].Tier == requestedTier
		jExact := cands[j].Tier == requestedTier
		if iExact != jExact {
			return iExact
		}
		return cands[i].Distance < cands[j].Distance
	})
}
