package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

type stubBus struct {
	mu        sync.Mutex
	failOn    map[domain.EventID]error
	published []domain.EventID
	entered   chan struct{}
	block     chan struct{}
}

func (b *stubBus) Publish(ctx context.Context, event domain.AccountEvent) error {
	if b.block != nil {
		b.entered <- struct{}{}
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failOn[event.Header().ID]; ok {
		return err
	}
	b.published = append(b.published, event.Header().ID)
	return nil
}

type stubLock struct {
	acquired bool
	err      error
	released int
}

func (l *stubLock) TryLock(context.Context) (func(context.Context), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func(context.Context) { l.released++ }, true, nil
}

func seedEvents(t *testing.T, st *store.MemoryStore, n int) []domain.EventID {
	t.Helper()
	member, err := domain.ParseMemberID("alice01")
	if err != nil {
		t.Fatalf("failed to parse member: %v", err)
	}
	amount, _ := domain.NewBalanceChange(10)
	account := domain.NewAccountID()
	issuedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ids := make([]domain.EventID, 0, n)
	for i := 0; i < n; i++ {
		event := domain.NewDepositedEvent(account, amount, member, issuedAt.Add(time.Duration(i)*time.Second))
		if err := st.InsertEvent(context.Background(), event); err != nil {
			t.Fatalf("failed to insert event: %v", err)
		}
		ids = append(ids, event.ID)
	}
	return ids
}

func TestPublishOnceMarksAllPublishedEvents(t *testing.T) {
	st := store.NewMemoryStore()
	ids := seedEvents(t, st, 3)
	bus := &stubBus{}
	publisher := NewOutboxPublisher(st, bus, nil, 10, testLogger())

	count, err := publisher.PublishOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 published events, got %d", count)
	}
	for i, id := range ids {
		if bus.published[i] != id {
			t.Fatalf("expected events in insertion order, position %d got %s", i, bus.published[i])
		}
		if _, ok := st.PublishedAt(id); !ok {
			t.Fatalf("expected event %s to be marked published", id)
		}
	}

	remaining, err := st.FindNotPublished(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty outbox, got %d events", len(remaining))
	}
}

func TestPublishOnceStopsAtFirstFailure(t *testing.T) {
	st := store.NewMemoryStore()
	ids := seedEvents(t, st, 4)
	brokerErr := errors.New("broker nack")
	bus := &stubBus{failOn: map[domain.EventID]error{ids[1]: brokerErr}}
	publisher := NewOutboxPublisher(st, bus, nil, 10, testLogger())

	count, err := publisher.PublishOnce(context.Background())
	if !errors.Is(err, brokerErr) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the first event to be marked, got %d", count)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected publishing to stop after the failure, published %d", len(bus.published))
	}
	if _, ok := st.PublishedAt(ids[0]); !ok {
		t.Fatal("expected the first event to be marked published")
	}
	for _, id := range ids[1:] {
		if _, ok := st.PublishedAt(id); ok {
			t.Fatalf("expected event %s to stay unpublished", id)
		}
	}

	delete(bus.failOn, ids[1])
	count, err = publisher.PublishOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on retry cycle: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected the remaining 3 events on the next cycle, got %d", count)
	}
}

func TestPublishOnceRespectsBatchSize(t *testing.T) {
	st := store.NewMemoryStore()
	seedEvents(t, st, 5)
	publisher := NewOutboxPublisher(st, &stubBus{}, nil, 2, testLogger())

	count, err := publisher.PublishOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected a batch of 2, got %d", count)
	}
}

func TestPublishOnceSkipsWhenLockHeldElsewhere(t *testing.T) {
	st := store.NewMemoryStore()
	seedEvents(t, st, 2)
	bus := &stubBus{}
	publisher := NewOutboxPublisher(st, bus, &stubLock{acquired: false}, 10, testLogger())

	count, err := publisher.PublishOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 || len(bus.published) != 0 {
		t.Fatal("expected publish cycle to be skipped while another instance holds the lock")
	}
}

func TestPublishOnceReleasesLock(t *testing.T) {
	st := store.NewMemoryStore()
	seedEvents(t, st, 1)
	lock := &stubLock{acquired: true}
	publisher := NewOutboxPublisher(st, &stubBus{}, lock, 10, testLogger())

	if _, err := publisher.PublishOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.released != 1 {
		t.Fatalf("expected lock to be released once, got %d", lock.released)
	}
}

func TestPublishOnceReturnsLockError(t *testing.T) {
	lockErr := errors.New("redis down")
	publisher := NewOutboxPublisher(store.NewMemoryStore(), &stubBus{}, &stubLock{err: lockErr}, 10, testLogger())

	if _, err := publisher.PublishOnce(context.Background()); !errors.Is(err, lockErr) {
		t.Fatalf("expected lock error, got %v", err)
	}
}

func TestPublishOnceSkipsOverlappingCycle(t *testing.T) {
	st := store.NewMemoryStore()
	seedEvents(t, st, 1)
	bus := &stubBus{entered: make(chan struct{}), block: make(chan struct{})}
	publisher := NewOutboxPublisher(st, bus, nil, 10, testLogger())

	done := make(chan int)
	go func() {
		count, _ := publisher.PublishOnce(context.Background())
		done <- count
	}()

	select {
	case <-bus.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first publish cycle never started")
	}

	count, err := publisher.PublishOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected overlapping cycle to be skipped, got %d", count)
	}

	close(bus.block)
	if first := <-done; first != 1 {
		t.Fatalf("expected first cycle to publish 1 event, got %d", first)
	}
}

// hangingBus confirms the first event and then waits for the context, like a broker that
// accepts a publish but never confirms it.
type hangingBus struct {
	mu        sync.Mutex
	published []domain.EventID
}

func (b *hangingBus) Publish(ctx context.Context, event domain.AccountEvent) error {
	b.mu.Lock()
	if len(b.published) == 0 {
		b.published = append(b.published, event.Header().ID)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestPublishOnceEndsWhenConfirmNeverArrives(t *testing.T) {
	st := store.NewMemoryStore()
	ids := seedEvents(t, st, 3)
	publisher := NewOutboxPublisher(st, &hangingBus{}, nil, 10, testLogger(), WithCycleTimeout(50*time.Millisecond))

	type result struct {
		count int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		count, err := publisher.PublishOnce(context.Background())
		done <- result{count: count, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected publish cycle to end at its deadline")
	}

	if !errors.Is(res.err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", res.err)
	}
	if res.count != 1 {
		t.Fatalf("expected the confirmed event to be marked, got %d", res.count)
	}
	if _, ok := st.PublishedAt(ids[0]); !ok {
		t.Fatal("expected the confirmed event to be marked published after the deadline")
	}
	if _, ok := st.PublishedAt(ids[1]); ok {
		t.Fatal("expected the unconfirmed event to stay unpublished")
	}

	// The next cycle is not blocked by the previous one.
	if _, err := publisher.PublishOnce(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the next cycle to run and time out again, got %v", err)
	}
}
