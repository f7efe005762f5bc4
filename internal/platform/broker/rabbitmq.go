// Package broker publishes domain events to a RabbitMQ topic exchange.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	DefaultExchange  = "orders_topic"
	reconnectBackoff = 5 * time.Second
)

// ErrNotConnected is returned by Publish while the connection is down.
var ErrNotConnected = errors.New("broker: not connected")

// Publisher owns one AMQP connection and channel and redials in the
// background when the broker drops them.
type Publisher struct {
	url      string
	exchange string
	logger   zerolog.Logger
	backoff  time.Duration

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel

	done      chan struct{}
	closeOnce sync.Once
}

func newPublisher(url, exchange string, logger zerolog.Logger) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Publisher{
		url:      url,
		exchange: exchange,
		logger:   logger.With().Str("component", "amqp_publisher").Str("exchange", exchange).Logger(),
		backoff:  reconnectBackoff,
		done:     make(chan struct{}),
	}
}

// Dial connects, declares the topic exchange and starts the reconnect loop.
func Dial(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
	p := newPublisher(url, exchange, logger)
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.handleReconnect()
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // args
	); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	return nil
}

func (p *Publisher) handleReconnect() {
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-p.done:
			return
		case amqpErr := <-closed:
			if amqpErr == nil {
				// Closed by us.
				return
			}
			p.logger.Warn().Interface("reason", amqpErr).Msg("amqp connection closed, reconnecting")
		}

		p.mu.Lock()
		p.ch = nil
		p.mu.Unlock()

		for {
			select {
			case <-p.done:
				return
			case <-time.After(p.backoff):
			}
			if err := p.connect(); err != nil {
				p.logger.Warn().Err(err).Msg("amqp reconnect failed")
				continue
			}
			p.logger.Info().Msg("amqp reconnected")
			break
		}
	}
}

// Publish sends payload as persistent JSON under routingKey.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	err = ch.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close stops the reconnect loop and closes the connection.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
