package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

// Store is the live driver/trip context consulted by the matcher and
// mutated by the realtime layer. It owns driver presence (position,
// status, availability, tier) and the active-trip mappings that connect
// drivers and customers to an ongoing ride.
type Store interface {
	SetOnline(ctx context.Context, p models.Presence) error
	SetOffline(ctx context.Context, driverID string) error
	// SetDisconnected starts the reconnect grace window; if no refresh
	// arrives before it lapses the presence record expires to offline.
	SetDisconnected(ctx context.Context, driverID string) error

	// UpdateLocation applies a throttled position refresh and reports the
	// driver's active trip ID, if any, so callers can relay the position
	// to the trip's observers. applied is false when the ping is dropped
	// (throttled or unknown driver); callers skip derived writes then.
	UpdateLocation(ctx context.Context, ping models.LocationPing) (activeTripID string, applied bool, err error)

	// Nearby returns online, available drivers within radiusM meters of
	// the point, nearest first, at most limit. Stale index members are
	// evicted opportunistically during the scan instead of returned.
	Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Candidate, error)

	Get(ctx context.Context, driverID string) (*models.Presence, error)

	// AssignTrip marks the driver busy and records the driver<->trip and
	// trip->customer mappings.
	AssignTrip(ctx context.Context, driverID, tripID, customerID string) error
	// ReleaseTrip frees the driver bound to the trip and clears mappings.
	ReleaseTrip(ctx context.Context, tripID string) error

	// SetTripCustomer records the trip->customer mapping ahead of
	// assignment so customers can be authorized to watch their own ride.
	SetTripCustomer(ctx context.Context, tripID, customerID string) error
	TripCustomer(ctx context.Context, tripID string) (string, error)
	TripDriver(ctx context.Context, tripID string) (string, error)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// throttle tracks the last accepted ping per driver so high-frequency
// location streams cannot overload the backing store. Per-instance state
// is fine here: a driver's pings all land on the instance holding its
// connection.
type throttle struct {
	mu   sync.Mutex
	min  time.Duration
	last map[string]time.Time
}

func newThrottle(min time.Duration) *throttle {
	return &throttle{min: min, last: make(map[string]time.Time)}
}

func (t *throttle) allow(driverID string, now time.Time) bool {
	if t.min <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[driverID]; ok && now.Sub(last) < t.min {
		return false
	}
	t.last[driverID] = now
	return true
}

func (t *throttle) forget(driverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, driverID)
}

// Memory is an in-process Store with the same semantics as the Redis
// implementation, for tests and redis-less development.
type Memory struct {
	mu       sync.RWMutex
	drivers  map[string]*models.Presence
	byTrip   map[string]string // tripID -> driverID
	customer map[string]string // tripID -> customerID

	ttl   time.Duration
	grace time.Duration
	thr   *throttle
	now   func() time.Time
}

func NewMemory(ttl, grace, minPingInterval time.Duration) *Memory {
	return &Memory{
		drivers:  make(map[string]*models.Presence),
		byTrip:   make(map[string]string),
		customer: make(map[string]string),
		ttl:      ttl,
		grace:    grace,
		thr:      newThrottle(minPingInterval),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) expired(p *models.Presence, now time.Time) bool {
	horizon := m.ttl
	if p.Status == models.DriverDisconnected {
		horizon = m.grace
	}
	return horizon > 0 && now.Sub(p.LastSeen) > horizon
}

func (m *Memory) SetOnline(_ context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Status = models.DriverOnline
	if p.Availability == "" {
		p.Availability = models.Available
	}
	p.LastSeen = m.now()
	m.drivers[p.DriverID] = &p
	return nil
}

func (m *Memory) SetOffline(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, driverID)
	m.thr.forget(driverID)
	return nil
}

func (m *Memory) SetDisconnected(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.drivers[driverID]; ok {
		p.Status = models.DriverDisconnected
		p.LastSeen = m.now()
	}
	m.thr.forget(driverID)
	return nil
}

func (m *Memory) UpdateLocation(_ context.Context, ping models.LocationPing) (string, bool, error) {
	now := m.now()
	if !m.thr.allow(ping.DriverID, now) {
		return "", false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[ping.DriverID]
	if !ok {
		return "", false, nil
	}
	p.Loc = ping.Loc
	p.Speed = ping.Speed
	p.Heading = ping.Heading
	p.Status = models.DriverOnline
	p.LastSeen = now
	return p.ActiveTripID, true, nil
}

func (m *Memory) Nearby(_ context.Context, lat, lon, radiusM float64, limit int) ([]models.Candidate, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Candidate
	for id, p := range m.drivers {
		if m.expired(p, now) {
			delete(m.drivers, id) // opportunistic eviction
			continue
		}
		if p.Status != models.DriverOnline || p.Availability != models.Available {
			continue
		}
		d := Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if d > radiusM {
			continue
		}
		out = append(out, models.Candidate{DriverID: id, Distance: d, Tier: p.Tier, Zone: p.Zone, Loc: p.Loc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context, driverID string) (*models.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok || m.expired(p, m.now()) {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) AssignTrip(_ context.Context, driverID, tripID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.drivers[driverID]; ok {
		p.Availability = models.Busy
		p.ActiveTripID = tripID
	}
	m.byTrip[tripID] = driverID
	if customerID != "" {
		m.customer[tripID] = customerID
	}
	return nil
}

func (m *Memory) ReleaseTrip(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if driverID, ok := m.byTrip[tripID]; ok {
		if p, ok := m.drivers[driverID]; ok {
			p.Availability = models.Available
			p.ActiveTripID = ""
		}
	}
	delete(m.byTrip, tripID)
	delete(m.customer, tripID)
	return nil
}

func (m *Memory) TripCustomer(_ context.Context, tripID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.customer[tripID], nil
}

func (m *Memory) TripDriver(_ context.Context, tripID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTrip[tripID], nil
}

func (m *Memory) SetTripCustomer(_ context.Context, tripID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customer[tripID] = customerID
	return nil
}
