package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hqtran/collabhub/shared/rabbitmq"
)

// AMQPBus implements Bus on a RabbitMQ direct exchange. Every server
// instance owns an exclusive broker-named queue; a channel subscription
// binds that queue to the channel's routing key, so each instance
// (publisher included) receives its own copy of every event.
type AMQPBus struct {
	client *rabbitmq.Client
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
}

// NewAMQP creates a bus on an existing RabbitMQ client and starts the
// delivery loop.
func NewAMQP(client *rabbitmq.Client, logger *slog.Logger) (*AMQPBus, error) {
	b := &AMQPBus{
		client:   client,
		logger:   logger,
		handlers: make(map[string]Handler),
	}

	deliveries, err := client.Consume("gateway-" + uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.dispatch(ctx, deliveries)

	return b, nil
}

// Publish sends the event on one channel. Failures are logged and
// swallowed: a lost broadcast is not fatal to the caller.
func (b *AMQPBus) Publish(ctx context.Context, channel string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("Failed to encode broadcast event",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
		return nil
	}

	if err := b.client.Publish(ctx, channel, body); err != nil {
		b.logger.Warn("Broadcast publish failed",
			slog.String("channel", channel),
			slog.String("event_type", event.Type),
			slog.Any("error", err),
		)
	}
	return nil
}

// Subscribe binds this instance's queue to a channel and registers its
// handler, replacing any previous one.
func (b *AMQPBus) Subscribe(channel string, handler Handler) error {
	if err := b.client.Bind(channel); err != nil {
		return err
	}

	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()

	return nil
}

// Unsubscribe removes the binding and handler for a channel.
func (b *AMQPBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()

	if err := b.client.Unbind(channel); err != nil {
		b.logger.Warn("Broadcast unbind failed",
			slog.String("channel", channel),
			slog.Any("error", err),
		)
	}
	return nil
}

// Close stops the delivery loop. The underlying client is closed by its
// owner.
func (b *AMQPBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	b.handlers = make(map[string]Handler)
	b.mu.Unlock()
	return nil
}

// dispatch fans broker deliveries out to the handler registered for the
// delivery's routing key. Malformed messages are dropped.
func (b *AMQPBus) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				b.logger.Warn("Broadcast delivery channel closed")
				return
			}

			var event Event
			if err := json.Unmarshal(d.Body, &event); err != nil {
				b.logger.Warn("Dropping malformed broadcast message",
					slog.String("channel", d.RoutingKey),
					slog.Any("error", err),
				)
				continue
			}

			b.mu.RLock()
			handler := b.handlers[d.RoutingKey]
			b.mu.RUnlock()

			if handler != nil {
				handler(event)
			}
		}
	}
}
