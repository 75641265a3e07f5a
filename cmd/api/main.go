package main

import (
	"log"
	"net/http"
	"os"
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
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
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

	env := os.Getenv("API_ENV")
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

	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

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

	authManager, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: conf.JWTSigningKey,
		Environment:   authEnvironment,
	})
	if err != nil {
		logger.Fatal("Cannot initialize AuthManager",
			zap.Error(err),
		)
	}

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

	closurePlanner, err := sweep.NewClosurePlanner(sweep.ClosurePlannerOptions{
		Store:    subscriptionManager,
		Recorder: ledgerManager,
		Calendar: calendar,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize closure planner",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		SubscriptionManager: subscriptionManager,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	ledgerRouter, err := ledger.NewService(ledger.ServiceOptions{
		LedgerManager: ledgerManager,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Ledger Service Router",
			zap.Error(err),
		)
	}

	sweepRouter, err := sweep.NewService(sweep.ServiceOptions{
		Auth:           authManager,
		Renewal:        renewal,
		Dunning:        dunningSweep,
		Reaper:         reaper,
		ClosurePlanner: closurePlanner,
		RenewalHorizon: conf.RenewalHorizon,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Sweep Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	rootRouter.Use(authManager.Middleware())

	rootRouter.Mount("/subscriptions", subscriptionRouter.Router())
	rootRouter.Mount("/ledger", ledgerRouter.Router())
	rootRouter.Mount("/sweeps", sweepRouter.Router())

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    conf.ListenAddr,
	}

	logger.Info("Billing API started",
		zap.String("Addr", conf.ListenAddr),
	)

	log.Fatalln(srv.ListenAndServe())
}
