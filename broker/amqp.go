package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/soilsync/vegbox/notify"
)

var _ notify.Notifier = &AMQPBroker{}

const (
	notificationExchange string = "billing_notifications"
	notificationQueue           = "billing_notifications_delivery"

	// dedup keys outlive the longest retry backoff so an at-least-once
	// redispatch of the same event stays a no-op
	dedupTTL = 48 * time.Hour
)

// Options describes the dependencies of the AMQPBroker
type Options struct {
	AMQPURI string
	Redis   redis.UniversalClient
	Logger  *zap.Logger
}

// AMQPBroker publishes billing notifications to RabbitMQ and hands
// them to delivery workers. Publishing is fire-and-forget from the
// sweeps' point of view; redis SETNX keys make redispatch idempotent.
type AMQPBroker struct {
	Options
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a notification broker over RabbitMQ
func NewAMQPBroker(option Options) (*AMQPBroker, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	amqpConn, err := amqp.Dial(option.AMQPURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		Options:    option,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare notification exchange")
	}
	return broker, nil
}

func (a *AMQPBroker) setupExchange() error {
	return a.channel.ExchangeDeclare(
		notificationExchange, // name
		"topic",              // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// dedupKey identifies the logical notification, not the dispatch: two
// dispatches for the same subscription, kind and cycle collide on it.
// An event without a cycle falls back to its dispatch id and is never
// deduplicated.
func (a *AMQPBroker) dedupKey(event notify.Event) string {
	occurrence := event.Cycle
	if occurrence == "" {
		occurrence = event.ID
	}
	return fmt.Sprintf("notify:%s:%s:%s", event.SubscriptionID, event.Kind, occurrence)
}

// Notify publishes the event with routing key equal to its kind.
// An event whose dedup key was already claimed is silently dropped,
// so a crash between persist and dispatch can only duplicate, and the
// duplicate goes nowhere.
func (a *AMQPBroker) Notify(ctx context.Context, event notify.Event) error {
	fresh, err := a.Redis.SetNX(a.dedupKey(event), 1, dedupTTL).Result()
	if err != nil {
		// dedup store down: prefer a possible duplicate over silence
		a.Logger.Warn("Cannot reach dedup store, publishing anyway",
			zap.String("EventID", event.ID),
			zap.Error(err),
		)
	} else if !fresh {
		a.Logger.Debug("Suppressing duplicate notification",
			zap.String("EventID", event.ID),
			zap.String("Kind", string(event.Kind)),
		)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode notification into bytes")
	}
	if err := a.channel.Publish(
		notificationExchange,
		string(event.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish notification")
	}
	return nil
}

// Receive returns a channel of decoded notification events for the
// delivery worker. Undecodable messages are dead-lettered via Nack.
func (a *AMQPBroker) Receive(ctx context.Context) (<-chan notify.Event, error) {
	if _, err := a.channel.QueueDeclare(
		notificationQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		notificationQueue,
		"#",
		notificationExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := a.channel.Consume(
		notificationQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	eChan := make(chan notify.Event)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var event notify.Event
				if err := json.Unmarshal(d.Body, &event); err != nil {
					a.Logger.Error("Discarding undecodable notification",
						zap.Error(err),
					)
					d.Nack(false, false)
					continue
				}
				eChan <- event
				d.Ack(false)
			}
		}
	}()
	return eChan, nil
}
