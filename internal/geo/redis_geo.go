package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/observability"
)

const (
	statusKeyPrefix     = "driver:status:"
	activeRideKeyPrefix = "driver:active_ride:"
	rideDriverPrefix    = "ride:driver:"
	rideCustomerPrefix  = "ride:customer:"

	rideContextTTL = 24 * time.Hour
)

// Redis implements Store on a shared Redis so every instance sees the
// same presence. Positions live in one GEO set, per-driver state in
// status hashes with a sliding TTL: a driver that stops refreshing falls
// out on its own.
type Redis struct {
	client *redis.Client
	geoKey string

	ttl   time.Duration
	grace time.Duration
	thr   *throttle
}

func NewRedis(client *redis.Client, geoKey string, ttl, grace, minPingInterval time.Duration) *Redis {
	return &Redis{client: client, geoKey: geoKey, ttl: ttl, grace: grace, thr: newThrottle(minPingInterval)}
}

func statusKey(driverID string) string { return statusKeyPrefix + driverID }

func (r *Redis) SetOnline(ctx context.Context, p models.Presence) error {
	availability := p.Availability
	if availability == "" {
		availability = models.Available
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(p.DriverID), map[string]interface{}{
			"status":       string(models.DriverOnline),
			"availability": string(availability),
			"tier":         p.Tier,
			"zone":         p.Zone,
			"last_seen":    time.Now().UnixMilli(),
			"last_lat":     p.Loc.Lat,
			"last_lon":     p.Loc.Lon,
		})
		pipe.Expire(ctx, statusKey(p.DriverID), r.ttl)
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	observability.DriversOnline.Inc()
	return nil
}

func (r *Redis) SetOffline(ctx context.Context, driverID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(driverID), "status", string(models.DriverOffline), "last_seen", time.Now().UnixMilli())
		pipe.Expire(ctx, statusKey(driverID), r.grace)
		pipe.ZRem(ctx, r.geoKey, driverID)
		return nil
	})
	r.thr.forget(driverID)
	if err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	observability.DriversOnline.Dec()
	return nil
}

func (r *Redis) SetDisconnected(ctx context.Context, driverID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(driverID), "status", string(models.DriverDisconnected), "last_seen", time.Now().UnixMilli())
		// Grace window: expiry demotes the record to offline unless the
		// driver reconnects first.
		pipe.Expire(ctx, statusKey(driverID), r.grace)
		return nil
	})
	r.thr.forget(driverID)
	return err
}

func (r *Redis) UpdateLocation(ctx context.Context, ping models.LocationPing) (string, bool, error) {
	now := time.Now()
	if !r.thr.allow(ping.DriverID, now) {
		return "", false, nil
	}
	if ping.Loc.Lat < -90 || ping.Loc.Lat > 90 || ping.Loc.Lon < -180 || ping.Loc.Lon > 180 {
		return "", false, fmt.Errorf("invalid coordinates: %f,%f", ping.Loc.Lat, ping.Loc.Lon)
	}

	var activeRide *redis.StringCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: ping.Loc.Lon, Latitude: ping.Loc.Lat, Name: ping.DriverID})
		pipe.HSet(ctx, statusKey(ping.DriverID), map[string]interface{}{
			"status":    string(models.DriverOnline),
			"last_seen": now.UnixMilli(),
			"last_lat":  ping.Loc.Lat,
			"last_lon":  ping.Loc.Lon,
			"speed":     ping.Speed,
			"heading":   ping.Heading,
			"accuracy":  ping.Accuracy,
		})
		pipe.Expire(ctx, statusKey(ping.DriverID), r.ttl)
		activeRide = pipe.Get(ctx, activeRideKeyPrefix+ping.DriverID)
		return nil
	})
	if err != nil && err != redis.Nil {
		return "", false, fmt.Errorf("update location: %w", err)
	}
	if activeRide == nil || activeRide.Err() == redis.Nil {
		return "", true, nil
	}
	return activeRide.Val(), true, nil
}

func (r *Redis) Nearby(ctx context.Context, lat, lon, radiusM float64, limit int) ([]models.Candidate, error) {
	// Busy and stale members are filtered out after the fetch, so ask
	// for more than a page or a cluster of ineligible drivers near the
	// pickup would starve the result.
	res, err := r.client.GeoRadius(ctx, r.geoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 4, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	statusCmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range res {
			statusCmds[i] = pipe.HGetAll(ctx, statusKey(g.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch statuses: %w", err)
	}

	statuses := make([]map[string]string, len(res))
	for i := range statusCmds {
		statuses[i] = statusCmds[i].Val()
	}
	out, stale := selectEligible(res, statuses, limit)
	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.geoKey, stale).Err(); err == nil {
			observability.StaleEvicted.Add(float64(len(stale)))
		}
	}
	return out, nil
}

// selectEligible walks an over-fetched, distance-sorted GEO page and
// keeps the first limit online, available drivers. Members whose
// presence hash is gone or no longer online are returned as stale for
// eviction.
func selectEligible(res []redis.GeoLocation, statuses []map[string]string, limit int) ([]models.Candidate, []string) {
	var out []models.Candidate
	var stale []string
	for i, g := range res {
		status := statuses[i]
		if len(status) == 0 || status["status"] != string(models.DriverOnline) {
			// Presence expired or driver left: the GEO member is stale.
			stale = append(stale, g.Name)
			continue
		}
		if status["availability"] != string(models.Available) {
			continue
		}
		if len(out) >= limit {
			continue
		}
		tier, _ := strconv.Atoi(status["tier"])
		out = append(out, models.Candidate{
			DriverID: g.Name,
			Distance: g.Dist,
			Tier:     tier,
			Zone:     status["zone"],
			Loc:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out, stale
}

func (r *Redis) Get(ctx context.Context, driverID string) (*models.Presence, error) {
	status, err := r.client.HGetAll(ctx, statusKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(status) == 0 {
		return nil, nil
	}
	tier, _ := strconv.Atoi(status["tier"])
	lastSeenMs, _ := strconv.ParseInt(status["last_seen"], 10, 64)
	lat, _ := strconv.ParseFloat(status["last_lat"], 64)
	lon, _ := strconv.ParseFloat(status["last_lon"], 64)
	speed, _ := strconv.ParseFloat(status["speed"], 64)
	heading, _ := strconv.ParseFloat(status["heading"], 64)
	return &models.Presence{
		DriverID:     driverID,
		Loc:          models.Coord{Lat: lat, Lon: lon},
		Status:       models.DriverStatus(status["status"]),
		Availability: models.Availability(status["availability"]),
		Tier:         tier,
		Zone:         status["zone"],
		Speed:        speed,
		Heading:      heading,
		ActiveTripID: status["active_trip_id"],
		LastSeen:     time.UnixMilli(lastSeenMs),
	}, nil
}

func (r *Redis) AssignTrip(ctx context.Context, driverID, tripID, customerID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(driverID), "availability", string(models.Busy), "active_trip_id", tripID)
		pipe.Set(ctx, activeRideKeyPrefix+driverID, tripID, rideContextTTL)
		pipe.Set(ctx, rideDriverPrefix+tripID, driverID, rideContextTTL)
		if customerID != "" {
			pipe.Set(ctx, rideCustomerPrefix+tripID, customerID, rideContextTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("assign trip: %w", err)
	}
	return nil
}

func (r *Redis) ReleaseTrip(ctx context.Context, tripID string) error {
	driverID, err := r.client.Get(ctx, rideDriverPrefix+tripID).Result()
	if err == redis.Nil {
		// Best-effort cleanup even without the driver mapping.
		return r.client.Del(ctx, rideCustomerPrefix+tripID).Err()
	}
	if err != nil {
		return fmt.Errorf("release trip: %w", err)
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, statusKey(driverID), "availability", string(models.Available), "active_trip_id", "")
		pipe.Del(ctx, activeRideKeyPrefix+driverID)
		pipe.Del(ctx, rideDriverPrefix+tripID)
		pipe.Del(ctx, rideCustomerPrefix+tripID)
		return nil
	})
	return err
}

func (r *Redis) SetTripCustomer(ctx context.Context, tripID, customerID string) error {
	if tripID == "" || customerID == "" {
		return nil
	}
	return r.client.Set(ctx, rideCustomerPrefix+tripID, customerID, rideContextTTL).Err()
}

func (r *Redis) TripCustomer(ctx context.Context, tripID string) (string, error) {
	v, err := r.client.Get(ctx, rideCustomerPrefix+tripID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *Redis) TripDriver(ctx context.Context, tripID string) (string, error) {
	v, err := r.client.Get(ctx, rideDriverPrefix+tripID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
