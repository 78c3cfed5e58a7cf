package events

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// broker is one AMQP connection and its channel, with the topic exchange
// already declared.
type broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	// lost receives the close reason once. A nil receive means Close was
	// called on our side.
	lost chan *amqp.Error
}

func dialBroker(url, exchange string) (*broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// durable, not auto-deleted, not internal, wait for the reply
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &broker{
		conn: conn,
		ch:   ch,
		lost: conn.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (b *broker) Close() error {
	chErr := b.ch.Close()
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	connErr := b.conn.Close()
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}

// backoff doubles a wait up to a ceiling.
type backoff struct {
	next    time.Duration
	ceiling time.Duration
}

// step returns the current wait and advances to the next one.
func (b *backoff) step() time.Duration {
	d := b.next
	b.next = min(2*b.next, b.ceiling)
	return d
}
