package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/spdispatch/internal/config"
)

const (
	reconnectDelay   = 5 * time.Second
	maxReconnectWait = 30 * time.Second
)

// ErrNotConnected is returned by Publish while the broker connection is
// being re-established.
var ErrNotConnected = errors.New("rabbitmq publisher not connected")

// Publisher provides event publishing to RabbitMQ.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event interface{}) error

	// PublishExperiment publishes an experiment lifecycle event.
	PublishExperiment(ctx context.Context, event *ExperimentEvent) error

	// PublishIdle publishes a dispatch idle event.
	PublishIdle(ctx context.Context, event *IdleEvent) error

	// Close closes the publisher connection.
	Close() error
}

// NewPublisher connects to RabbitMQ when a URL is configured and falls back
// to a no-op publisher otherwise.
func NewPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) Publisher {
	if cfg.URL == "" {
		logger.Info("RabbitMQ not configured, using no-op publisher")
		return NewNoOpPublisher()
	}

	publisher, err := NewRabbitMQPublisher(cfg, logger)
	if err != nil {
		logger.Warn("Failed to connect to RabbitMQ, using no-op publisher", zap.Error(err))
		return NewNoOpPublisher()
	}
	return publisher
}

// RabbitMQPublisher publishes to a topic exchange and redials in the
// background when the connection drops. Events published while it is
// disconnected are rejected with ErrNotConnected.
type RabbitMQPublisher struct {
	cfg    *config.RabbitMQConfig
	logger *zap.Logger

	mu     sync.RWMutex
	broker *broker // nil while redialing

	done      chan struct{}
	closeOnce sync.Once
}

// NewRabbitMQPublisher dials the broker and declares the exchange.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	b, err := dialBroker(cfg.URL, cfg.Exchange)
	if err != nil {
		return nil, err
	}

	p := &RabbitMQPublisher{
		cfg:    cfg,
		logger: logger.With(zap.String("exchange", cfg.Exchange)),
		broker: b,
		done:   make(chan struct{}),
	}
	go p.watch(b)

	p.logger.Info("Connected to RabbitMQ")
	return p, nil
}

// watch replaces the broker each time the server drops it, until Close.
func (p *RabbitMQPublisher) watch(b *broker) {
	for {
		var reason *amqp.Error
		select {
		case <-p.done:
			return
		case reason = <-b.lost:
		}
		if reason == nil {
			return
		}

		p.logger.Warn("RabbitMQ connection lost", zap.Error(reason))
		p.swap(nil)

		if b = p.redial(); b == nil {
			return
		}
		if !p.swap(b) {
			b.Close()
			return
		}
		p.logger.Info("Reconnected to RabbitMQ")
	}
}

// swap installs b unless the publisher has been closed.
func (p *RabbitMQPublisher) swap(b *broker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return false
	default:
	}
	p.broker = b
	return true
}

// redial retries with a doubling wait. It returns nil once the publisher
// is closed.
func (p *RabbitMQPublisher) redial() *broker {
	wait := backoff{next: reconnectDelay, ceiling: maxReconnectWait}
	for {
		timer := time.NewTimer(wait.step())
		select {
		case <-p.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		b, err := dialBroker(p.cfg.URL, p.cfg.Exchange)
		if err == nil {
			return b
		}
		p.logger.Warn("Reconnection failed",
			zap.Error(err),
			zap.Duration("next_attempt", wait.next),
		)
	}
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.RLock()
	b := p.broker
	p.mu.RUnlock()
	if b == nil {
		return ErrNotConnected
	}

	// not mandatory, not immediate
	if err := b.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, envelope(event, body)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)
	return nil
}

// envelope wraps an encoded event. Events of this package also carry their
// id and type in the message properties.
func envelope(event interface{}, body []byte) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		AppId:        source,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if e, ok := event.(interface{ header() BaseEvent }); ok {
		h := e.header()
		msg.MessageId = h.EventID
		msg.Type = h.EventType
		msg.Timestamp = h.Timestamp
	}
	return msg
}

// PublishExperiment publishes an experiment lifecycle event.
func (p *RabbitMQPublisher) PublishExperiment(ctx context.Context, event *ExperimentEvent) error {
	return p.Publish(ctx, event.RoutingKey(), event)
}

// PublishIdle publishes a dispatch idle event.
func (p *RabbitMQPublisher) PublishIdle(ctx context.Context, event *IdleEvent) error {
	return p.Publish(ctx, RoutingKeyDispatchIdle, event)
}

// Close stops redialing and closes the current connection.
func (p *RabbitMQPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.done)
		b := p.broker
		p.broker = nil
		p.mu.Unlock()

		if b != nil {
			err = b.Close()
		}
		p.logger.Info("RabbitMQ publisher closed")
	})
	return err
}

// NoOpPublisher drops every event. Used when no broker is configured.
type NoOpPublisher struct{}

func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(context.Context, string, interface{}) error { return nil }

func (p *NoOpPublisher) PublishExperiment(context.Context, *ExperimentEvent) error { return nil }

func (p *NoOpPublisher) PublishIdle(context.Context, *IdleEvent) error { return nil }

func (p *NoOpPublisher) Close() error { return nil }

var (
	_ Publisher = (*RabbitMQPublisher)(nil)
	_ Publisher = (*NoOpPublisher)(nil)
)
