package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/config"
)

// EventHandler is a function that processes received events.
type EventHandler func(routingKey string, body []byte) error

// Subscriber consumes dispatch events.
type Subscriber interface {
	// Subscribe consumes events matching routingKeys until ctx is done or
	// the broker closes the delivery channel.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close closes the subscriber connection.
	Close() error
}

// ErrDeliveryClosed is returned by Subscribe when the broker stops delivering.
var ErrDeliveryClosed = errors.New("delivery channel closed")

// RabbitMQSubscriber reads from a private, auto-deleted queue, so every
// operator tailing events sees all of them. It does not redial; tails are
// restarted by hand.
type RabbitMQSubscriber struct {
	broker   *broker
	exchange string
	queue    string
	logger   *zap.Logger

	closeOnce sync.Once
}

// NewRabbitMQSubscriber connects to RabbitMQ and declares a private queue.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	b, err := dialBroker(cfg.URL, cfg.Exchange)
	if err != nil {
		return nil, err
	}

	// not durable, auto-deleted, exclusive to this connection
	q, err := b.ch.QueueDeclare("spdispatch.tail."+uuid.NewString(), false, true, true, false, nil)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	s := &RabbitMQSubscriber{
		broker:   b,
		exchange: cfg.Exchange,
		queue:    q.Name,
		logger:   logger.With(zap.String("exchange", cfg.Exchange), zap.String("queue", q.Name)),
	}
	s.logger.Info("Connected to RabbitMQ for subscription")
	return s, nil
}

// Subscribe binds the queue to every routing key and consumes until ctx is
// done. Messages that fail handling are dropped, not requeued.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	for _, key := range routingKeys {
		if err := s.broker.ch.QueueBind(s.queue, key, s.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	// manual ack, exclusive consumer
	deliveries, err := s.broker.ch.ConsumeWithContext(ctx, s.queue, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	s.logger.Info("Subscribed", zap.Strings("routing_keys", routingKeys))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveryClosed
			}

			if err := processMessage(d.RoutingKey, d.Body, handler); err != nil {
				s.logger.Warn("Dropping event", zap.String("routing_key", d.RoutingKey), zap.Error(err))
				d.Nack(false, false)
				continue
			}
			d.Ack(false)
		}
	}
}

// processMessage validates a message body and hands it to handler.
func processMessage(routingKey string, body []byte, handler EventHandler) error {
	if !json.Valid(body) {
		return errors.New("invalid JSON in message body")
	}
	if err := handler(routingKey, body); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}
	return nil
}

// Close closes the subscriber connection.
func (s *RabbitMQSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.broker.Close()
		s.logger.Info("RabbitMQ subscriber closed")
	})
	return err
}

// NoOpSubscriber returns immediately from Subscribe.
type NoOpSubscriber struct{}

func NewNoOpSubscriber() *NoOpSubscriber {
	return &NoOpSubscriber{}
}

func (s *NoOpSubscriber) Subscribe(context.Context, []string, EventHandler) error { return nil }

func (s *NoOpSubscriber) Close() error { return nil }

var (
	_ Subscriber = (*RabbitMQSubscriber)(nil)
	_ Subscriber = (*NoOpSubscriber)(nil)
)
