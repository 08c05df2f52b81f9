// Command sessionkerneld serves the broadcast-slot queue: payment-gated
// admissions, timed rotation, the live state stream, and the device
// passthrough.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	sessionkernel "github.com/sessionmint/sessionkernelxyz"
	"github.com/sessionmint/sessionkernelxyz/api"
	"github.com/sessionmint/sessionkernelxyz/device"
	"github.com/sessionmint/sessionkernelxyz/payment"
	"github.com/sessionmint/sessionkernelxyz/queue"
	"github.com/sessionmint/sessionkernelxyz/ratelimit"
	"github.com/sessionmint/sessionkernelxyz/store/memory"
	mongostore "github.com/sessionmint/sessionkernelxyz/store/mongo"
	redisstore "github.com/sessionmint/sessionkernelxyz/store/redis"
	"github.com/sessionmint/sessionkernelxyz/stream"
	"github.com/sessionmint/sessionkernelxyz/tick"
)

type envConfig struct {
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:":8080"`
	PublicOrigin string `env:"PUBLIC_ORIGIN"`
	CronSecret   string `env:"CRON_SECRET"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"sessionkernel"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	TreasuryWallet string   `env:"TREASURY_WALLET"`
	RPCEndpoints   []string `env:"RPC_ENDPOINTS" envSeparator:","`

	TickSchedule string `env:"TICK_SCHEDULE" envDefault:"@every 1m"`

	DeviceEnabled bool          `env:"DEVICE_ENABLED"`
	DeviceAPIURL  string        `env:"DEVICE_API_URL"`
	DeviceToken   string        `env:"DEVICE_TOKEN"`
	DeviceTimeout time.Duration `env:"DEVICE_TIMEOUT" envDefault:"5s"`
}

func main() {
	// .env is optional; production sets real environment variables.
	_ = godotenv.Load()

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		slog.Error("parse environment", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(ec.LogLevel),
	}))
	slog.SetDefault(logger)

	cfg := sessionkernel.DefaultConfig()
	if ec.TreasuryWallet != "" {
		cfg.TreasuryWallet = ec.TreasuryWallet
	}
	if len(ec.RPCEndpoints) > 0 {
		cfg.RPCEndpoints = ec.RPCEndpoints
	}
	if cfg.TreasuryWallet == "" {
		logger.Error("TREASURY_WALLET is required")
		os.Exit(1)
	}
	if ec.CronSecret == "" {
		logger.Warn("CRON_SECRET is empty; tick callbacks will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Primary store. Mongo in production; the in-memory store keeps
	// local development dependency-free.
	var (
		qstore  queue.Store
		counter ratelimit.Store
	)
	if ec.MongoURI != "" {
		client, err := mongod.Connect(mongoopts.Client().ApplyURI(ec.MongoURI))
		if err != nil {
			logger.Error("connect mongo", "error", err)
			os.Exit(1)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}()

		ms := mongostore.New(client, ec.MongoDatabase, cfg.AppID, mongostore.WithLogger(logger))
		migrateCtx, cancelMigrate := context.WithTimeout(ctx, 30*time.Second)
		if err := ms.Migrate(migrateCtx); err != nil {
			cancelMigrate()
			logger.Error("migrate mongo store", "error", err)
			os.Exit(1)
		}
		cancelMigrate()
		logger.Info("mongo store ready", "database", ec.MongoDatabase)
		qstore, counter = ms, ms
	} else {
		logger.Warn("MONGO_URI not set; using in-memory store, state will not survive restarts")
		ms := memory.New()
		qstore, counter = ms, ms
	}

	// Rate-limit counters prefer Redis when available, falling back to
	// the primary store on Redis failures.
	limiterOpts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	if ec.RedisAddr != "" {
		rc := goredis.NewClient(&goredis.Options{Addr: ec.RedisAddr, Password: ec.RedisPassword})
		rs := redisstore.New(rc, redisstore.WithLogger(logger))
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup", "error", err)
		}
		limiterOpts = append(limiterOpts, ratelimit.WithFallback(counter))
		counter = rs
	}
	limiter := ratelimit.NewLimiter(counter, cfg.AppID, cfg.RateLimitWindow, cfg.RateLimitMaxRequests, limiterOpts...)

	engine := queue.NewEngine(qstore, cfg, queue.WithLogger(logger))
	verifier := payment.NewVerifier(cfg, payment.WithLogger(logger))

	scheduler := tick.NewCallbackScheduler(ec.CronSecret, tick.WithLogger(logger))

	runner := tick.NewRunner(engine,
		tick.WithSchedule(ec.TickSchedule),
		tick.WithRunnerLogger(logger),
	)
	if err := runner.Start(ctx); err != nil {
		logger.Error("start tick runner", "error", err)
		os.Exit(1)
	}

	broker := stream.NewBroker(engine, stream.WithLogger(logger))
	if err := broker.Start(ctx); err != nil {
		logger.Error("start stream broker", "error", err)
		os.Exit(1)
	}

	deviceClient := device.NewClient(device.Config{
		Enabled:     ec.DeviceEnabled,
		APIURL:      ec.DeviceAPIURL,
		DeviceToken: ec.DeviceToken,
		Timeout:     ec.DeviceTimeout,
	}, device.WithLogger(logger))

	api.RegisterMetrics()
	server := api.NewServer(cfg, api.Deps{
		Engine:    engine,
		Verifier:  verifier,
		Limiter:   limiter,
		Scheduler: scheduler,
		Broker:    broker,
		Device:    deviceClient,
	},
		api.WithLogger(logger),
		api.WithCronSecret(ec.CronSecret),
		api.WithPublicOrigin(ec.PublicOrigin),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	if err := server.Start(ctx, ec.ListenAddr); err != nil {
		logger.Error("http server", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := runner.Stop(stopCtx); err != nil {
		logger.Error("stop tick runner", "error", err)
	}
	if err := broker.Stop(stopCtx); err != nil {
		logger.Error("stop stream broker", "error", err)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
