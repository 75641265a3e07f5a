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
	"github.com/soilsync/vegbox/notify"

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
			"component": "notifier",
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

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(broker.Options{
		AMQPURI: os.Getenv("AMQP_URI"),
		Redis:   rdb,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	events, err := amqpBroker.Receive(ctx)
	if err != nil {
		logger.Fatal("Cannot subscribe to notifications",
			zap.Error(err),
		)
	}

	go func() {
		for event := range events {
			deliver(logger, event)
		}
	}()

	logger.Info("Notification worker started")

	<-c
	cancel()
}

// deliver hands one event to the delivery channel for its kind. Until
// the transactional email templates land this logs the full payload so
// support can act on it by hand.
// TODO: wire the SMTP templates once design finalizes the copy
func deliver(logger *zap.Logger, event notify.Event) {
	fields := []zap.Field{
		zap.String("EventID", event.ID),
		zap.String("SubscriptionID", event.SubscriptionID),
		zap.String("Subscriber", event.Subscriber.String()),
		zap.Time("OccurredAt", event.OccurredAt),
		zap.Any("Payload", event.Payload),
	}
	switch event.Kind {
	case notify.KindReminderFirst:
		logger.Info("Deliver payment reminder", fields...)
	case notify.KindReminderSecond:
		logger.Info("Deliver second payment reminder", fields...)
	case notify.KindFinalWarning:
		logger.Warn("Deliver final warning before cancellation", fields...)
	case notify.KindCancelled:
		logger.Warn("Deliver cancellation notice", fields...)
	case notify.KindDailySummary:
		logger.Info("Deliver operator summary", fields...)
	default:
		logger.Error("Unknown notification kind",
			zap.String("Kind", string(event.Kind)),
		)
	}
}
