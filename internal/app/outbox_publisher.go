package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const (
	defaultOutboxBatchSize    = 100
	defaultOutboxCycleTimeout = 20 * time.Second
	outboxMarkTimeout         = 5 * time.Second
)

// OutboxPublisher forwards unpublished account events to the bus. Delivery is at-least-once:
// an event is marked published only after the bus acknowledged it, and a crash in between
// publishes it again on the next cycle.
type OutboxPublisher struct {
	outbox    store.AccountEventOutboxRepository
	bus       EventBus
	lock      OutboxLock
	batchSize int
	// cycleTimeout bounds fetching and publishing in one cycle; keep it below the lock expiry.
	cycleTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	running sync.Mutex
}

// OutboxOption customises an OutboxPublisher.
type OutboxOption func(*OutboxPublisher)

// WithCycleTimeout overrides how long a single publish cycle may run.
func WithCycleTimeout(timeout time.Duration) OutboxOption {
	return func(p *OutboxPublisher) {
		if timeout > 0 {
			p.cycleTimeout = timeout
		}
	}
}

func NewOutboxPublisher(outbox store.AccountEventOutboxRepository, bus EventBus, lock OutboxLock, batchSize int, logger *slog.Logger, opts ...OutboxOption) *OutboxPublisher {
	if batchSize <= 0 {
		batchSize = defaultOutboxBatchSize
	}
	if lock == nil {
		lock = LocalOutboxLock{}
	}
	p := &OutboxPublisher{
		outbox:       outbox,
		bus:          bus,
		lock:         lock,
		batchSize:    batchSize,
		cycleTimeout: defaultOutboxCycleTimeout,
		now:          time.Now,
		logger:       logger.With("component", "outbox"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishOnce runs a single cycle and returns how many events were marked published. A cycle
// that overlaps a running one, in this process or another instance, is skipped.
func (p *OutboxPublisher) PublishOnce(ctx context.Context) (int, error) {
	if !p.running.TryLock() {
		p.logger.Debug("publish cycle skipped; previous cycle still running")
		return 0, nil
	}
	defer p.running.Unlock()

	release, acquired, err := p.lock.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	if !acquired {
		p.logger.Debug("publish cycle skipped; another instance holds the outbox lock")
		return 0, nil
	}
	defer release(context.WithoutCancel(ctx))

	cycleCtx, cancel := context.WithTimeout(ctx, p.cycleTimeout)
	defer cancel()

	events, err := p.outbox.FindNotPublished(cycleCtx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load unpublished events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	// Stop at the first failure so no event is marked ahead of an earlier unpublished one.
	published := make([]domain.EventID, 0, len(events))
	var publishErr error
	for _, event := range events {
		if err := p.bus.Publish(cycleCtx, event); err != nil {
			publishErr = fmt.Errorf("failed to publish event %s: %w", event.Header().ID, err)
			break
		}
		published = append(published, event.Header().ID)
	}

	// Confirmed events are marked even when the cycle deadline has passed.
	if len(published) > 0 {
		markCtx, cancelMark := context.WithTimeout(context.WithoutCancel(ctx), outboxMarkTimeout)
		defer cancelMark()
		if err := p.outbox.MarkPublished(markCtx, published, p.now()); err != nil {
			return 0, errors.Join(publishErr, fmt.Errorf("failed to mark events published: %w", err))
		}
	}
	if publishErr != nil {
		return len(published), publishErr
	}

	p.logger.Info("outbox events published", "count", len(published))
	return len(published), nil
}
