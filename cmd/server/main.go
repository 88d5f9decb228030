package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"googlemaps.github.io/maps"

	"github.com/clintjeff2/seamless-deliveries/internal/chat"
	"github.com/clintjeff2/seamless-deliveries/internal/config"
	"github.com/clintjeff2/seamless-deliveries/internal/delivery"
	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/geo"
	"github.com/clintjeff2/seamless-deliveries/internal/geocode"
	httpapi "github.com/clintjeff2/seamless-deliveries/internal/http"
	"github.com/clintjeff2/seamless-deliveries/internal/ingest"
	"github.com/clintjeff2/seamless-deliveries/internal/location"
	"github.com/clintjeff2/seamless-deliveries/internal/logging"
	"github.com/clintjeff2/seamless-deliveries/internal/routing"
	"github.com/clintjeff2/seamless-deliveries/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	var store storage.Backend
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		pg, err := storage.NewPostgresBackend(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = pg
		logger.Info("using postgres backend")
	} else {
		store = storage.NewMemoryBackend()
		logger.Warn("PG_DSN not set, using in-memory backend")
	}

	// Redis backs both the shared live-fix store and the cross-instance feed.
	var (
		live geo.Live
		bus  feed.Bus
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		live = geo.NewRedisLive(rc, cfg.RedisGeoKey)
		rb := feed.NewRedisBus(rc, cfg.RedisFeedNS, logger)
		go rb.Run(ctx)
		bus = rb
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		live = geo.NewMemoryLive()
		bus = feed.NewChannelBus()
		logger.Warn("REDIS_ADDR not set, live fixes and feed are process-local")
	}

	var producer location.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		producer = kp
		logger.Info("kafka producer ready", "topic", cfg.KafkaTopic)
	}

	// One maps client serves both directions and geocoding.
	var (
		router   routing.Provider
		geocoder *geocode.Geocoder
	)
	if cfg.GoogleMapsAPIKey != "" {
		mc, err := maps.NewClient(maps.WithAPIKey(cfg.GoogleMapsAPIKey))
		if err != nil {
			logger.Error("maps client init failed", "error", err)
			os.Exit(1)
		}
		router = routing.NewGoogleRouterFromClient(mc)
		geocoder = geocode.New(geocode.NewGoogleGeocoderFromClient(mc), "Southwest Region", "Cameroon")
	} else {
		logger.Warn("GOOGLE_MAPS_API_KEY not set, routes degrade to straight-line estimates")
	}

	stream := location.NewStream(store, live, bus, producer, router, logger, location.Config{
		MinInterval:    cfg.SampleMinInterval,
		MaxAge:         cfg.SampleMaxAge,
		AcceptEarly:    cfg.AcceptEarlySamples,
		RouteCacheTTL:  cfg.RouteCacheTTL,
		CoordPrecision: cfg.CoordPrecision,
	})
	chats := chat.NewService(store, bus, chat.Config{
		OnlineWindow: cfg.PresenceOnlineWindow,
		AwayWindow:   cfg.PresenceAwayWindow,
		TypingQuiet:  cfg.TypingQuietPeriod,
	})
	deliveries := delivery.NewService(store, stream, chats, bus, logger, cfg.OrderWriteRetries, cfg.OrderWriteBackoff)

	api := httpapi.NewServer(logger, deliveries, stream, chats, geocoder, feed.NewWSRegistry(bus, logger))

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := os.ReadFile(filepath.Join("migrations", "001_create_deliveries.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
