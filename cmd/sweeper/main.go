package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soilsync/vegbox/auth"
	"github.com/soilsync/vegbox/broker"
	"github.com/soilsync/vegbox/config"
	"github.com/soilsync/vegbox/customer"
	"github.com/soilsync/vegbox/db"
	"github.com/soilsync/vegbox/gateway"
	"github.com/soilsync/vegbox/ledger"
	"github.com/soilsync/vegbox/subscription"
	"github.com/soilsync/vegbox/sweep"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "sweeper",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	conf, err := config.Load()
	if err != nil {
		logger.Fatal("Cannot load engine configuration",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    conf.PostgresURI,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{conf.RedisURI},
		Password: conf.RedisPW,
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(broker.Options{
		AMQPURI: conf.AMQPURI,
		Redis:   rdb,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	stripeGateway, err := gateway.NewStripe(gateway.StripeOptions{
		StripeClient: gateway.NewStripeClient(conf.StripeKey),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize payment gateway",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:         db,
		Logger:     logger,
		MaxRetries: conf.MaxRetries,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	ledgerManager, err := ledger.NewManager(ledger.ManagerOptions{
		DB:     db,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize LedgerManager",
			zap.Error(err),
		)
	}

	calendar := conf.Calendar()
	policy := conf.Policy()
	admin := customer.Ref{
		Kind: customer.KindUser,
		ID:   conf.AdminRef,
	}

	renewal, err := sweep.NewRenewal(sweep.RenewalOptions{
		Store:    subscriptionManager,
		Gateway:  stripeGateway,
		Recorder: ledgerManager,
		Notifier: amqpBroker,
		Calendar: calendar,
		Policy:   policy,
		Admin:    admin,
		Logger:   logger,
		Workers:  conf.SweepWorkers,
	})
	if err != nil {
		logger.Fatal("Cannot initialize renewal sweep",
			zap.Error(err),
		)
	}

	dunningSweep, err := sweep.NewDunning(sweep.DunningOptions{
		Store:    subscriptionManager,
		Gateway:  stripeGateway,
		Recorder: ledgerManager,
		Notifier: amqpBroker,
		Calendar: calendar,
		Policy:   policy,
		Admin:    admin,
		Logger:   logger,
		Workers:  conf.SweepWorkers,
	})
	if err != nil {
		logger.Fatal("Cannot initialize dunning sweep",
			zap.Error(err),
		)
	}

	reaper, err := sweep.NewReaper(sweep.ReaperOptions{
		Store:    subscriptionManager,
		Notifier: amqpBroker,
		Admin:    admin,
		Logger:   logger,
		Workers:  conf.SweepWorkers,
	})
	if err != nil {
		logger.Fatal("Cannot initialize grace period reaper",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	go runOnTicker(ctx, conf.RenewalInterval, func(now time.Time) {
		if _, err := renewal.RunSweep(ctx, now, conf.RenewalHorizon, false); err != nil {
			logger.Error("Renewal sweep failed",
				zap.Error(err),
			)
		}
	})
	go runOnTicker(ctx, conf.DunningInterval, func(now time.Time) {
		if _, err := dunningSweep.RunSweep(ctx, now, false); err != nil {
			logger.Error("Dunning sweep failed",
				zap.Error(err),
			)
		}
	})
	go runOnTicker(ctx, conf.ReaperInterval, func(now time.Time) {
		if _, err := reaper.RunSweep(ctx, now, false); err != nil {
			logger.Error("Reaper sweep failed",
				zap.Error(err),
			)
		}
	})

	logger.Info("Sweeper started",
		zap.Duration("RenewalInterval", conf.RenewalInterval),
		zap.Duration("DunningInterval", conf.DunningInterval),
		zap.Duration("ReaperInterval", conf.ReaperInterval),
		zap.Int("MaxRetries", policy.MaxRetries),
		zap.Int("GracePeriodDays", policy.GracePeriodDays),
	)

	<-c
	cancel()
}

func runOnTicker(ctx context.Context, interval time.Duration, run func(now time.Time)) {
	// first pass right away so a restart never delays a due charge by
	// a full interval
	run(time.Now())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			run(now)
		}
	}
}
