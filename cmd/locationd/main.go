// locationd consumes driver location pings from the ingest topic and
// feeds them into the geo index and the honeycomb grid. It is the
// write path that keeps candidate search fresh; the dispatch daemon
// only reads.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/alien2112/smartline-dispatch/internal/config"
	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	"github.com/alien2112/smartline-dispatch/internal/logging"
	"github.com/alien2112/smartline-dispatch/internal/models"
	"github.com/alien2112/smartline-dispatch/internal/settings"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locationd_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locationd_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	updatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locationd_updates_applied_total",
		Help: "Total location updates applied to the fast store",
	})
	updateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locationd_update_errors_total",
		Help: "Total location updates that failed after retries",
	})
)

// LocationSink is the subset of the fast-store surface locationd
// writes to, small enough to fake in tests.
type LocationSink interface {
	UpdateLocation(ctx context.Context, ping models.LocationPing) (string, bool, error)
	UpdateDriverCell(ctx context.Context, driverID string, lat, lon float64, zone string, tier, res int) error
}

type fastStore struct {
	geo  geo.Store
	grid honeycomb.Grid
}

func (f *fastStore) UpdateLocation(ctx context.Context, ping models.LocationPing) (string, bool, error) {
	return f.geo.UpdateLocation(ctx, ping)
}

func (f *fastStore) UpdateDriverCell(ctx context.Context, driverID string, lat, lon float64, zone string, tier, res int) error {
	return f.grid.UpdateDriverCell(ctx, driverID, lat, lon, zone, tier, res)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// locationd never throttles: throttling happens at the socket edge,
	// and dropping samples here would starve the grid.
	sink := &fastStore{
		geo:  geo.NewRedis(rc, cfg.RedisGeoKey, cfg.PresenceTTL, cfg.DisconnectGrace, 0),
		grid: honeycomb.NewRedisGrid(rc),
	}

	settingsStore := settings.NewStore(settings.NewRedisSource(rc), logging.Component(logger, "settings"))
	if err := settingsStore.Refresh(ctx); err != nil {
		logger.Warn("initial settings load failed, running on defaults", "error", err)
	}
	go settingsStore.Run(ctx, cfg.SettingsPollPeriod)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("locationd consuming", "topic", cfg.KafkaTopic, "brokers", brokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ping models.LocationPing
		if err := json.Unmarshal(m.Value, &ping); err != nil || ping.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err)
			continue
		}
		if ping.Zone == "" {
			ping.Zone = cfg.Zone
		}

		if err := applyWithRetry(ctx, sink, ping, settingsStore.GridResolution(), 3, 200*time.Millisecond); err != nil {
			updateErrors.Inc()
			logger.Error("location apply failed", "driver_id", ping.DriverID, "error", err)
			continue
		}
		updatesApplied.Inc()
	}
}

// applyWithRetry pushes one ping into the fast store with bounded
// retries and exponential backoff per step.
func applyWithRetry(ctx context.Context, sink LocationSink, ping models.LocationPing, res, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		_, applied, err := sink.UpdateLocation(ctx, ping)
		if err != nil {
			lastErr = err
			continue
		}
		if !applied {
			// Throttled pings do not touch the grid either.
			return nil
		}
		if err := sink.UpdateDriverCell(ctx, ping.DriverID, ping.Loc.Lat, ping.Loc.Lon, ping.Zone, ping.Tier, res); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("location apply exhausted retries")
	}
	return lastErr
}
