package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/api"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/cache"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/delivery"
	"github.com/fathima-sithara/realtime-service/internal/kafka"
	"github.com/fathima-sithara/realtime-service/internal/metric"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/relay"
	"github.com/fathima-sithara/realtime-service/internal/repository"
	"github.com/fathima-sithara/realtime-service/internal/storage"
	"github.com/fathima-sithara/realtime-service/internal/utils"
	"github.com/fathima-sithara/realtime-service/internal/ws"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.App.IsDev(), cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	metric.Init()

	ctx := context.Background()

	// Mongo
	mc, err := repository.Connect(ctx, cfg.Mongo.URI, 30*time.Second, logger)
	if err != nil {
		logger.Fatalw("mongo init failed", "err", err)
	}
	mongoRepo := repository.NewMongoRepository(mc.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection), logger)
	store := repository.NewBreakerStore(mongoRepo, repository.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.BreakerOpen,
	}, logger)

	registry := presence.NewRegistry()

	// Kafka delivery events
	var (
		producer *kafka.Producer
		pub      delivery.Publisher
	)
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, logger)
		pub = producer
	}

	coord := delivery.NewCoordinator(store, registry, logger, delivery.Options{
		OpTimeout: cfg.OpTimeout,
		Publisher: pub,
	})

	// JWT
	var resolver ws.IdentityResolver
	if cfg.JWT.Enabled {
		jv, err := auth.New(cfg.JWT.Algorithm, cfg.JWT.HSSecret, cfg.JWT.PublicKeyPath)
		if err != nil {
			logger.Fatalw("jwt validator init failed", "err", err)
		}
		resolver = jv
	}

	// Redis presence mirror
	var (
		presenceCache *cache.PresenceCache
		mirror        ws.PresenceMirror
		lastSeen      api.PresenceReader
	)
	if cfg.Redis.Enabled {
		presenceCache = cache.NewPresenceCache(cache.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), cfg.Redis.Prefix, 0)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := presenceCache.Ping(pctx); err != nil {
			logger.Warnw("redis not reachable; presence mirror may lag", "err", err)
		}
		cancel()
		mirror = presenceCache
		lastSeen = presenceCache
	}

	uploader, err := newUploader(ctx, cfg)
	if err != nil {
		logger.Fatalw("storage init failed", "err", err)
	}

	wsrv := ws.NewServer(registry, coord, relay.New(registry), resolver, mirror, ws.Options{
		PingInterval:   cfg.PingInterval,
		WriteDeadline:  cfg.WriteDeadline,
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		SendBuffer:     cfg.WS.SendBuffer,
		RatePerSecond:  cfg.WS.RatePerSecond,
		RateBurst:      cfg.WS.RateBurst,
	}, logger)

	app := api.NewServer(api.Deps{
		Store:     store,
		Registry:  registry,
		WS:        wsrv,
		Auth:      resolver,
		Presence:  lastSeen,
		Uploader:  uploader,
		OpTimeout: cfg.OpTimeout,
		BodyLimit: int(cfg.Storage.MaxUploadBytes) + 1<<20,
		AccessLog: cfg.App.IsDev(),
		Log:       logger,
	})

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		logger.Infow("realtime service starting", "addr", addr, "jwt", cfg.JWT.Enabled, "redis", cfg.Redis.Enabled, "kafka", cfg.Kafka.Enabled, "storage", cfg.Storage.Driver)
		errs <- app.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		logger.Errorw("server error", "err", err)
	case s := <-sig:
		logger.Infow("signal received", "signal", s.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	wsrv.Shutdown()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warnw("fiber shutdown", "err", err)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warnw("kafka producer close", "err", err)
		}
	}
	if presenceCache != nil {
		_ = presenceCache.Close()
	}
	if err := mc.Disconnect(shutdownCtx); err != nil {
		logger.Warnw("mongo disconnect", "err", err)
	}
	logger.Info("realtime service stopped")
}

func newUploader(ctx context.Context, cfg *config.Config) (*storage.Uploader, error) {
	var blobs storage.BlobStore
	switch cfg.Storage.Driver {
	case "s3":
		s3c := cfg.Storage.S3
		st, err := storage.NewS3Store(ctx, s3c.Region, s3c.Bucket, s3c.Endpoint, s3c.PublicRead)
		if err != nil {
			return nil, err
		}
		blobs = st
	default:
		st, err := storage.NewLocalStore(cfg.Storage.LocalDir, "/v1/blobs")
		if err != nil {
			return nil, err
		}
		blobs = st
	}
	return storage.NewUploader(blobs, cfg.Storage.MaxUploadBytes), nil
}
