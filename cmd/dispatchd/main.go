package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/alien2112/smartline-dispatch/internal/assignment"
	"github.com/alien2112/smartline-dispatch/internal/bridge"
	"github.com/alien2112/smartline-dispatch/internal/config"
	"github.com/alien2112/smartline-dispatch/internal/dispatch"
	"github.com/alien2112/smartline-dispatch/internal/geo"
	"github.com/alien2112/smartline-dispatch/internal/honeycomb"
	httpapi "github.com/alien2112/smartline-dispatch/internal/http"
	"github.com/alien2112/smartline-dispatch/internal/ingest"
	"github.com/alien2112/smartline-dispatch/internal/logging"
	"github.com/alien2112/smartline-dispatch/internal/matcher"
	"github.com/alien2112/smartline-dispatch/internal/notify"
	"github.com/alien2112/smartline-dispatch/internal/reconciler"
	"github.com/alien2112/smartline-dispatch/internal/settings"
	"github.com/alien2112/smartline-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	// Fast-store layer: Redis in production, in-process twins for local
	// runs without one.
	var (
		geoStore geo.Store
		grid     honeycomb.Grid
		locks    assignment.LockStore
		records  dispatch.RecordStore
		source   settings.Source
		bus      bridge.Bus
	)
	if rdb != nil {
		geoStore = geo.NewRedis(rdb, cfg.RedisGeoKey, cfg.PresenceTTL, cfg.DisconnectGrace, cfg.LocationThrottle)
		grid = honeycomb.NewRedisGrid(rdb)
		locks = assignment.NewRedisLocks(rdb)
		records = dispatch.NewRedisRecords(rdb)
		source = settings.NewRedisSource(rdb)
		bus = bridge.NewRedisBus(rdb, logging.Component(logger, "bridge"))
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process state; not suitable for multi-instance runs")
		geoStore = geo.NewMemory(cfg.PresenceTTL, cfg.DisconnectGrace, cfg.LocationThrottle)
		grid = honeycomb.NewMemoryGrid()
		locks = assignment.NewMemoryLocks()
		records = dispatch.NewMemoryRecords()
		source = staticSettings{}
		bus = bridge.NewMemoryBus()
	}

	settingsStore := settings.NewStore(source, logging.Component(logger, "settings"))
	if err := settingsStore.Refresh(ctx); err != nil {
		logger.Warn("initial settings load failed, running on defaults", "error", err)
	}
	go settingsStore.Run(ctx, cfg.SettingsPollPeriod)
	if rdb != nil {
		go settingsStore.Invalidations(ctx, rdb)
	}

	var trips storage.TripStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		trips = ps
	} else {
		logger.Warn("PG_DSN not set, trips held in memory")
		trips = storage.NewMemoryStore()
	}

	registry := notify.NewRegistry(logging.Component(logger, "notify"))
	match := matcher.New(geoStore, grid, settingsStore, logging.Component(logger, "matcher"))
	assigner := assignment.New(locks, trips, cfg.AssignLockTTL, logging.Component(logger, "assignment"))
	orch := dispatch.NewOrchestrator(match, assigner, geoStore, grid, trips, records,
		registry, bus, locks, settingsStore, logging.Component(logger, "dispatch"))
	orch.SetDedupeTTL(cfg.NotifyDedupeTTL)

	go func() {
		err := bus.Subscribe(ctx, orch.HandleBridgeEvent,
			bridge.RideCreated, bridge.RideCancelled, bridge.RideCompleted,
			bridge.RideStarted, bridge.DriverAssigned, bridge.OTPVerified,
			bridge.DriverArrived, bridge.BatchNotification)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bridge subscription ended", "error", err)
		}
	}()

	rec := reconciler.New(records, trips, locks, registry, bus, cfg.TimeoutLockTTL,
		logging.Component(logger, "reconciler"))
	go rec.Run(ctx, cfg.ReconcileInterval)

	var producer ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
	}

	srv := httpapi.NewServer(httpapi.Options{
		Orchestrator:   orch,
		Geo:            geoStore,
		Grid:           grid,
		Registry:       registry,
		Settings:       settingsStore,
		Producer:       producer,
		Redis:          rdb,
		Zone:           cfg.Zone,
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		Logger:         logging.Component(logger, "http"),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("dispatch listening", "addr", cfg.HTTPAddr, "zone", cfg.Zone)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// staticSettings serves defaults when no Redis is configured.
type staticSettings struct{}

func (staticSettings) Version(context.Context) (int64, error)          { return 0, nil }
func (staticSettings) Load(context.Context) (map[string]string, error) { return nil, nil }

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_trip_requests.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_trip_requests.sql")
}
