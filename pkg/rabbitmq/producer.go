/**
 * @description
 * This package provides a confirm-mode producer for publishing messages to RabbitMQ.
 * Publish returns only after the broker has acknowledged the message, so callers can
 * safely record the message as delivered once it returns nil.
 *
 * @dependencies
 * - context, encoding/json, log/slog, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed is returned when the broker negatively acknowledges a message.
var ErrNotConfirmed = errors.New("rabbitmq: message was not confirmed by the broker")

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey, messageID string, body interface{}) error
	Close()
}

// EventProducerFallback logs messages instead of sending them. It is used when no broker is configured.
type EventProducerFallback struct {
	Logger *slog.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey, messageID string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("publish skipped; no broker configured",
		"component", "rabbitmq_producer",
		"mode", "fallback",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", messageID,
		"body", string(jsonBody),
	)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// EventProducer holds the RabbitMQ connection and a confirm-mode channel. The connection is
// re-established on the next Publish after it drops.
type EventProducer struct {
	url    string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// NewEventProducer validates amqpURL and connects. A failed initial dial is logged and retried
// on the next Publish.
func NewEventProducer(amqpURL string, logger *slog.Logger) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	p := &EventProducer{url: cleanURL, logger: logger, declared: make(map[string]bool)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		logger.Warn("rabbitmq unavailable at startup; will retry on publish", "component", "rabbitmq_producer", "error", err)
	}
	return p, nil
}

func (p *EventProducer) connectLocked() error {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	p.closeLocked()

	// Use a bounded dial timeout so a publish cycle does not hang indefinitely
	conn, err := amqp091.DialConfig(p.url, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.conn = conn
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

func (p *EventProducer) declareExchangeLocked(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}
	p.declared[exchange] = true
	return nil
}

// Publish sends body as JSON and waits for the broker confirm.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey, messageID string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", "component", "rabbitmq_producer", "exchange", exchange, "routing_key", routingKey, "error", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, messageID, jsonBody)
	if err == nil || errors.Is(err, ErrNotConfirmed) || ctx.Err() != nil {
		return err
	}

	p.logger.Warn("publish failed; reopening channel", "component", "rabbitmq_producer", "exchange", exchange, "routing_key", routingKey, "error", err)
	// One-shot retry on a fresh connection
	p.closeLocked()
	return p.publishLocked(ctx, exchange, routingKey, messageID, jsonBody)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	if err := p.connectLocked(); err != nil {
		return err
	}
	if err := p.declareExchangeLocked(exchange); err != nil {
		return err
	}

	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("%w: message_id=%s", ErrNotConfirmed, messageID)
	}
	return nil
}

func (p *EventProducer) closeLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}
