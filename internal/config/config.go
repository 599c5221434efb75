package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. Dispatch knobs that
// must change without a restart (radii, timeouts, fan-out caps) live in the
// settings store instead; the values here only seed its defaults.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	Zone string

	AssignLockTTL      time.Duration // crash-safety net, must exceed the durable txn
	TimeoutLockTTL     time.Duration
	NotifyDedupeTTL    time.Duration
	ReconcileInterval  time.Duration
	SettingsPollPeriod time.Duration
	PresenceTTL        time.Duration
	DisconnectGrace    time.Duration
	LocationThrottle   time.Duration

	JWTSecret      string
	InternalAPIKey string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "drivers:locations",

		KafkaTopic: "driver-locations",
		KafkaGroup: "smartline-dispatch",

		Zone: "default",

		AssignLockTTL:      2 * time.Minute,
		TimeoutLockTTL:     30 * time.Second,
		NotifyDedupeTTL:    time.Minute,
		ReconcileInterval:  5 * time.Second,
		SettingsPollPeriod: 30 * time.Second,
		PresenceTTL:        5 * time.Minute,
		DisconnectGrace:    30 * time.Second,
		LocationThrottle:   2 * time.Second,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.Zone, "DISPATCH_ZONE")

	setDurationFromEnv(&cfg.AssignLockTTL, "ASSIGN_LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.TimeoutLockTTL, "TIMEOUT_LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.NotifyDedupeTTL, "NOTIFY_DEDUPE_TTL", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SettingsPollPeriod, "SETTINGS_POLL_PERIOD", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setDurationFromEnv(&cfg.DisconnectGrace, "DISCONNECT_GRACE", &errs)
	setDurationFromEnv(&cfg.LocationThrottle, "LOCATION_THROTTLE", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.AssignLockTTL <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_LOCK_TTL must be > 0"))
	}
	if cfg.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
