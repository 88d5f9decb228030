package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the coordination API
// process. Values are primarily loaded from environment variables with sane
// defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisFeedNS   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	GoogleMapsAPIKey string

	// Location stream policy.
	SampleMinInterval time.Duration
	SampleMaxAge      time.Duration
	// AcceptEarlySamples widens the accepting set from {in_transit} to also
	// include accepted and picked_up.
	AcceptEarlySamples bool

	// Route engine.
	RouteCacheTTL  time.Duration
	CoordPrecision int // decimal places used for the route cache key

	// Presence and chat.
	PresenceOnlineWindow time.Duration
	PresenceAwayWindow   time.Duration
	TypingQuietPeriod    time.Duration

	// Order completion reconciliation.
	OrderWriteRetries int
	OrderWriteBackoff time.Duration

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

		RedisGeoKey: "drivers_geo",
		RedisFeedNS: "feed",
		KafkaTopic:  "driver-locations",

		SampleMinInterval: 5 * time.Second,
		SampleMaxAge:      30 * time.Second,

		RouteCacheTTL:  time.Minute,
		CoordPrecision: 4,

		PresenceOnlineWindow: 2 * time.Minute,
		PresenceAwayWindow:   10 * time.Minute,
		TypingQuietPeriod:    2 * time.Second,

		OrderWriteRetries: 5,
		OrderWriteBackoff: 500 * time.Millisecond,

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
	setStringFromEnv(&cfg.RedisFeedNS, "REDIS_FEED_NAMESPACE")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))

	setDurationFromEnv(&cfg.SampleMinInterval, "SAMPLE_MIN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.SampleMaxAge, "SAMPLE_MAX_AGE", &errs)
	cfg.AcceptEarlySamples = strings.EqualFold(os.Getenv("ACCEPT_EARLY_SAMPLES"), "true")

	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.CoordPrecision, "ROUTE_COORD_PRECISION", &errs)

	setDurationFromEnv(&cfg.PresenceOnlineWindow, "PRESENCE_ONLINE_WINDOW", &errs)
	setDurationFromEnv(&cfg.PresenceAwayWindow, "PRESENCE_AWAY_WINDOW", &errs)
	setDurationFromEnv(&cfg.TypingQuietPeriod, "TYPING_QUIET_PERIOD", &errs)

	setIntFromEnv(&cfg.OrderWriteRetries, "ORDER_WRITE_RETRIES", &errs)
	setDurationFromEnv(&cfg.OrderWriteBackoff, "ORDER_WRITE_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CoordPrecision < 0 || cfg.CoordPrecision > 7 {
		errs = append(errs, fmt.Errorf("ROUTE_COORD_PRECISION must be in [0,7]"))
	}
	if cfg.PresenceOnlineWindow >= cfg.PresenceAwayWindow {
		errs = append(errs, fmt.Errorf("PRESENCE_ONLINE_WINDOW must be shorter than PRESENCE_AWAY_WINDOW"))
	}
	if cfg.OrderWriteRetries <= 0 {
		errs = append(errs, fmt.Errorf("ORDER_WRITE_RETRIES must be > 0"))
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
