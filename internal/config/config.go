package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
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

	PGDSN string

	OSRMEndpoint  string
	RouteCacheTTL time.Duration
	FCMEndpoint   string
	FCMKey        string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the engine's windows and geofences.
type DispatchConfig struct {
	SearchRadiusMeters   float64
	CandidateLimit       int
	ProviderCancelWindow time.Duration
	GraceWindow          time.Duration
	NoShowCeiling        time.Duration
	PickupGeofenceMeters float64
	FollowOnRadiusMeters float64
	ChatUnlockDelay      time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "providers_geo",
		KafkaTopic:      "provider-locations",
		RouteCacheTTL:   5 * time.Minute,
		Dispatch: DispatchConfig{
			SearchRadiusMeters:   10000,
			CandidateLimit:       8,
			ProviderCancelWindow: 2 * time.Minute,
			GraceWindow:          3 * time.Minute,
			NoShowCeiling:        45 * time.Minute,
			PickupGeofenceMeters: 30,
			FollowOnRadiusMeters: 3000,
			ChatUnlockDelay:      3 * time.Minute,
		},
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

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	setFloatFromEnv(&cfg.Dispatch.SearchRadiusMeters, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.Dispatch.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.Dispatch.ProviderCancelWindow, "DISPATCH_PROVIDER_CANCEL_WINDOW", &errs)
	setDurationFromEnv(&cfg.Dispatch.GraceWindow, "DISPATCH_GRACE_WINDOW", &errs)
	setDurationFromEnv(&cfg.Dispatch.NoShowCeiling, "DISPATCH_NO_SHOW_CEILING", &errs)
	setFloatFromEnv(&cfg.Dispatch.PickupGeofenceMeters, "DISPATCH_PICKUP_GEOFENCE_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.FollowOnRadiusMeters, "DISPATCH_FOLLOW_ON_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.Dispatch.ChatUnlockDelay, "DISPATCH_CHAT_UNLOCK_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Dispatch.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.Dispatch.GraceWindow >= cfg.Dispatch.NoShowCeiling {
		errs = append(errs, fmt.Errorf("DISPATCH_GRACE_WINDOW must be below DISPATCH_NO_SHOW_CEILING"))
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
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
