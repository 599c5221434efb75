// Package settings serves runtime tunables to the dispatch pipeline.
// Values live in Redis so operators can change search radii, timeouts
// and driver caps without redeploying; consumers always read from an
// in-process snapshot that is swapped wholesale on refresh.
package settings

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alien2112/smartline-dispatch/internal/observability"
)

const (
	versionKey        = "app:settings:version"
	valuesKey         = "app:settings:values"
	invalidateChannel = "settings:invalidated"
)

// Defaults applied when a key is absent or unparsable.
const (
	defaultSearchRadiusKm       = 5.0
	defaultMaxSearchRadiusKm    = 15.0
	defaultMaxDriversToNotify   = 10
	defaultMatchTimeout         = 60 * time.Second
	defaultGridResolution       = 8
	defaultRingDepth            = 2
	defaultTravelRadiusKm       = 30.0
	defaultTravelTimeout        = 5 * time.Minute
	defaultSurgeThreshold       = 1.5
	defaultSurgeCap             = 2.0
	defaultSurgeStep            = 0.1
	defaultLocationThrottleSecs = 2
)

// Source loads the raw settings map and its version counter.
type Source interface {
	Version(ctx context.Context) (int64, error)
	Load(ctx context.Context) (map[string]string, error)
}

// RedisSource reads settings written by the admin panel.
type RedisSource struct {
	rdb *redis.Client
}

func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) Version(ctx context.Context) (int64, error) {
	v, err := s.rdb.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (s *RedisSource) Load(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, valuesKey).Result()
}

// snapshot is an immutable view of one settings generation.
type snapshot struct {
	version int64
	values  map[string]string
}

// Store hands out settings values. Reads never block on a refresh:
// they hit whatever snapshot was installed last.
type Store struct {
	source Source
	logger *slog.Logger
	cur    atomic.Pointer[snapshot]
}

func NewStore(source Source, logger *slog.Logger) *Store {
	st := &Store{source: source, logger: logger}
	st.cur.Store(&snapshot{values: map[string]string{}})
	return st
}

// Refresh reloads unconditionally and swaps the snapshot in.
func (s *Store) Refresh(ctx context.Context) error {
	version, err := s.source.Version(ctx)
	if err != nil {
		return err
	}
	values, err := s.source.Load(ctx)
	if err != nil {
		return err
	}
	s.cur.Store(&snapshot{version: version, values: values})
	observability.SettingsReloads.Inc()
	s.logger.Info("settings refreshed", "version", version, "keys", len(values))
	return nil
}

// refreshIfStale reloads only when the published version moved.
func (s *Store) refreshIfStale(ctx context.Context) {
	version, err := s.source.Version(ctx)
	if err != nil {
		s.logger.Warn("settings version check failed", "error", err)
		return
	}
	if version == s.cur.Load().version {
		return
	}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("settings refresh failed", "error", err)
	}
}

// Run polls for version changes until ctx is cancelled. Callers that
// also have a Redis connection should additionally wire Invalidations
// so changes land faster than the poll period.
func (s *Store) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshIfStale(ctx)
		}
	}
}

// Invalidations listens on the invalidation channel and refreshes
// immediately when the admin side announces a change.
func (s *Store) Invalidations(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, invalidateChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.refreshIfStale(ctx)
		}
	}
}

func (s *Store) Version() int64 {
	return s.cur.Load().version
}

func (s *Store) getString(key string) (string, bool) {
	v, ok := s.cur.Load().values[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func (s *Store) getFloat(key string, def float64) float64 {
	raw, ok := s.getString(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Store) getInt(key string, def int) int {
	raw, ok := s.getString(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Store) getBool(key string, def bool) bool {
	raw, ok := s.getString(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// Typed accessors. Key names match what the admin panel writes.

func (s *Store) SearchRadiusKm() float64 {
	return s.getFloat("dispatch.search_radius_km", defaultSearchRadiusKm)
}

func (s *Store) MaxSearchRadiusKm() float64 {
	return s.getFloat("dispatch.max_search_radius_km", defaultMaxSearchRadiusKm)
}

func (s *Store) MaxDriversToNotify() int {
	return s.getInt("dispatch.max_drivers_to_notify", defaultMaxDriversToNotify)
}

func (s *Store) MatchTimeout() time.Duration {
	secs := s.getInt("dispatch.match_timeout_seconds", int(defaultMatchTimeout/time.Second))
	if secs <= 0 {
		return defaultMatchTimeout
	}
	return time.Duration(secs) * time.Second
}

func (s *Store) GridEnabled() bool {
	return s.getBool("dispatch.grid_enabled", true)
}

func (s *Store) GridResolution() int {
	res := s.getInt("dispatch.grid_resolution", defaultGridResolution)
	if res < 7 || res > 9 {
		return defaultGridResolution
	}
	return res
}

func (s *Store) RingDepth() int {
	d := s.getInt("dispatch.ring_depth", defaultRingDepth)
	if d < 0 {
		return defaultRingDepth
	}
	return d
}

func (s *Store) CategoryFallbackEnabled() bool {
	return s.getBool("dispatch.category_fallback_enabled", true)
}

func (s *Store) TravelSearchRadiusKm() float64 {
	return s.getFloat("travel.search_radius_km", defaultTravelRadiusKm)
}

func (s *Store) TravelTimeout() time.Duration {
	mins := s.getInt("travel.timeout_minutes", int(defaultTravelTimeout/time.Minute))
	if mins <= 0 {
		return defaultTravelTimeout
	}
	return time.Duration(mins) * time.Minute
}

func (s *Store) SurgeEnabled() bool {
	return s.getBool("surge.enabled", false)
}

func (s *Store) SurgeThreshold() float64 {
	return s.getFloat("surge.threshold", defaultSurgeThreshold)
}

func (s *Store) SurgeCap() float64 {
	return s.getFloat("surge.cap", defaultSurgeCap)
}

func (s *Store) SurgeStep() float64 {
	return s.getFloat("surge.step", defaultSurgeStep)
}

func (s *Store) LocationThrottle() time.Duration {
	secs := s.getInt("location.throttle_seconds", defaultLocationThrottleSecs)
	if secs < 0 {
		secs = defaultLocationThrottleSecs
	}
	return time.Duration(secs) * time.Second
}
