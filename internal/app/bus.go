package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/pkg/rabbitmq"
)

// ErrBusUnavailable is returned while the circuit breaker around the bus is open.
var ErrBusUnavailable = errors.New("event bus unavailable")

// EventBus delivers account events. Publish returns nil only once delivery is acknowledged.
type EventBus interface {
	Publish(ctx context.Context, event domain.AccountEvent) error
}

// RabbitEventBus publishes events to a topic exchange as JSON EventRecords keyed by event id.
type RabbitEventBus struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewRabbitEventBus(publisher rabbitmq.Publisher, exchange string) *RabbitEventBus {
	return &RabbitEventBus{publisher: publisher, exchange: exchange}
}

func (b *RabbitEventBus) Publish(ctx context.Context, event domain.AccountEvent) error {
	record := domain.RecordOf(event)
	return b.publisher.Publish(ctx, b.exchange, event.Type().RoutingKey(), record.ID, record)
}

// BreakerConfig tunes the circuit breaker wrapped around the bus.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before letting a trial request through.
	OpenTimeout time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// BreakerBus stops hammering an unreachable broker: after repeated failures every publish
// fails fast with ErrBusUnavailable until OpenTimeout elapses.
type BreakerBus struct {
	next    EventBus
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerBus(next EventBus, cfg BreakerConfig, logger *slog.Logger) *BreakerBus {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}

	settings := gobreaker.Settings{
		Name:        "event-bus",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "component", "outbox", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerBus{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerBus) Publish(ctx context.Context, event domain.AccountEvent) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, event)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}
	return err
}

// State reports the breaker state for health reporting.
func (b *BreakerBus) State() gobreaker.State {
	return b.breaker.State()
}
