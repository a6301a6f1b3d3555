package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

type memoryAccount struct {
	account domain.Account
	closed  bool
}

type memoryEvent struct {
	seq         int64
	event       domain.AccountEvent
	publishedAt *time.Time
}

// MemoryStore is an in-process Store. Writes made inside WithinTransaction are staged and
// applied at commit, after checking that every touched account still has the version the
// transaction read, so concurrent transactions conflict the same way they do in Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[domain.AccountID]memoryAccount
	events   map[domain.EventID]*memoryEvent
	seq      int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[domain.AccountID]memoryAccount),
		events:   make(map[domain.EventID]*memoryEvent),
	}
}

type memoryTxKey struct{}

type stagedAccount struct {
	account     domain.Account
	baseVersion int64
	inserted    bool
	closed      bool
}

type memoryTx struct {
	accounts map[domain.AccountID]*stagedAccount
	events   []domain.AccountEvent
	links    map[domain.EventID]domain.EventID
}

func newMemoryTx() *memoryTx {
	return &memoryTx{
		accounts: make(map[domain.AccountID]*stagedAccount),
		links:    make(map[domain.EventID]domain.EventID),
	}
}

func txFromContext(ctx context.Context) *memoryTx {
	tx, _ := ctx.Value(memoryTxKey{}).(*memoryTx)
	return tx
}

func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx := newMemoryTx()
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

// run executes op against the caller's transaction, or in its own transaction when there is none.
func (s *MemoryStore) run(ctx context.Context, op func(tx *memoryTx) error) error {
	if tx := txFromContext(ctx); tx != nil {
		return op(tx)
	}
	tx := newMemoryTx()
	if err := op(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, staged := range tx.accounts {
		current, exists := s.accounts[id]
		if staged.inserted {
			if exists {
				return fmt.Errorf("account %s: %w", id, domain.ErrUnexpectedRowCount)
			}
			continue
		}
		if !exists || current.closed || current.account.Version != staged.baseVersion {
			return fmt.Errorf("account %s: %w", id, domain.ErrConcurrentModification)
		}
	}
	for _, event := range tx.events {
		if _, exists := s.events[event.Header().ID]; exists {
			return fmt.Errorf("event %s: %w", event.Header().ID, domain.ErrDuplicateEvent)
		}
	}
	for attemptID := range tx.links {
		row, ok := s.events[attemptID]
		if !ok {
			return fmt.Errorf("transfer attempt %s: %w", attemptID, domain.ErrConcurrentModification)
		}
		if attempt, isAttempt := row.event.(domain.TransferAttemptedEvent); !isAttempt || attempt.Resolved() {
			return fmt.Errorf("transfer attempt %s: %w", attemptID, domain.ErrConcurrentModification)
		}
	}

	for id, staged := range tx.accounts {
		s.accounts[id] = memoryAccount{account: staged.account, closed: staged.closed}
	}
	for _, event := range tx.events {
		s.seq++
		s.events[event.Header().ID] = &memoryEvent{seq: s.seq, event: event}
	}
	for attemptID, next := range tx.links {
		row := s.events[attemptID]
		attempt := row.event.(domain.TransferAttemptedEvent)
		resolved, err := attempt.Resolve(next)
		if err != nil {
			return err
		}
		row.event = resolved
	}
	return nil
}

// lookupAccount returns the account as seen by tx.
func (s *MemoryStore) lookupAccount(tx *memoryTx, id domain.AccountID) (domain.Account, bool, bool) {
	if staged, ok := tx.accounts[id]; ok {
		return staged.account, staged.closed, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.accounts[id]
	return row.account, row.closed, ok
}

func (s *MemoryStore) FindAccountByID(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	var found domain.Account
	err := s.run(ctx, func(tx *memoryTx) error {
		account, closed, ok := s.lookupAccount(tx, id)
		if !ok || closed {
			return domain.ErrAccountNotFound
		}
		found = account
		return nil
	})
	return found, err
}

func (s *MemoryStore) FindAccountsByOwner(ctx context.Context, owner domain.MemberID) ([]domain.Account, error) {
	view := txFromContext(ctx)
	if view == nil {
		view = newMemoryTx()
	}

	s.mu.Lock()
	ids := make([]domain.AccountID, 0)
	for id, row := range s.accounts {
		if row.account.Owner == owner {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for id, staged := range view.accounts {
		if staged.inserted && staged.account.Owner == owner {
			ids = append(ids, id)
		}
	}

	accounts := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		if account, closed, ok := s.lookupAccount(view, id); ok && !closed {
			accounts = append(accounts, account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID.String() < accounts[j].ID.String()
	})
	return accounts, nil
}

func (s *MemoryStore) InsertAccount(ctx context.Context, account domain.Account) error {
	return s.run(ctx, func(tx *memoryTx) error {
		if _, _, exists := s.lookupAccount(tx, account.ID); exists {
			return fmt.Errorf("account %s: %w", account.ID, domain.ErrUnexpectedRowCount)
		}
		tx.accounts[account.ID] = &stagedAccount{account: account, inserted: true}
		return nil
	})
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	var updated domain.Account
	err := s.run(ctx, func(tx *memoryTx) error {
		staged, err := s.stageVersioned(tx, account)
		if err != nil {
			return err
		}
		next := account
		next.Version++
		staged.account = next
		updated = next
		return nil
	})
	return updated, err
}

func (s *MemoryStore) CloseAccount(ctx context.Context, account domain.Account) error {
	return s.run(ctx, func(tx *memoryTx) error {
		staged, err := s.stageVersioned(tx, account)
		if err != nil {
			return err
		}
		next := staged.account
		next.Version++
		staged.account = next
		staged.closed = true
		return nil
	})
}

// stageVersioned checks account.Version against the version visible to tx and returns the
// staging slot for the write.
func (s *MemoryStore) stageVersioned(tx *memoryTx, account domain.Account) (*stagedAccount, error) {
	current, closed, ok := s.lookupAccount(tx, account.ID)
	if !ok || closed || current.Version != account.Version {
		return nil, fmt.Errorf("account %s: %w", account.ID, domain.ErrConcurrentModification)
	}
	staged, ok := tx.accounts[account.ID]
	if !ok {
		staged = &stagedAccount{account: current, baseVersion: current.Version}
		tx.accounts[account.ID] = staged
	}
	return staged, nil
}

// lookupEvent returns the event as seen by tx, with any staged link applied.
func (s *MemoryStore) lookupEvent(tx *memoryTx, id domain.EventID) (domain.AccountEvent, bool) {
	var event domain.AccountEvent
	for _, staged := range tx.events {
		if staged.Header().ID == id {
			event = staged
			break
		}
	}
	if event == nil {
		s.mu.Lock()
		row, ok := s.events[id]
		if ok {
			event = row.event
		}
		s.mu.Unlock()
		if !ok {
			return nil, false
		}
	}
	if next, linked := tx.links[id]; linked {
		if attempt, isAttempt := event.(domain.TransferAttemptedEvent); isAttempt {
			attempt.SubsequentID = &next
			event = attempt
		}
	}
	return event, true
}

func (s *MemoryStore) FindEventByID(ctx context.Context, id domain.EventID) (domain.AccountEvent, error) {
	var found domain.AccountEvent
	err := s.run(ctx, func(tx *memoryTx) error {
		event, ok := s.lookupEvent(tx, id)
		if !ok {
			return domain.ErrEventNotFound
		}
		found = event
		return nil
	})
	return found, err
}

func (s *MemoryStore) InsertEvent(ctx context.Context, event domain.AccountEvent) error {
	return s.run(ctx, func(tx *memoryTx) error {
		if _, exists := s.lookupEvent(tx, event.Header().ID); exists {
			return fmt.Errorf("event %s: %w", event.Header().ID, domain.ErrDuplicateEvent)
		}
		tx.events = append(tx.events, event)
		return nil
	})
}

func (s *MemoryStore) LinkSubsequentEvent(ctx context.Context, attemptID, next domain.EventID) error {
	return s.run(ctx, func(tx *memoryTx) error {
		event, ok := s.lookupEvent(tx, attemptID)
		if !ok {
			return fmt.Errorf("transfer attempt %s: %w", attemptID, domain.ErrConcurrentModification)
		}
		attempt, isAttempt := event.(domain.TransferAttemptedEvent)
		if !isAttempt || attempt.Resolved() {
			return fmt.Errorf("transfer attempt %s: %w", attemptID, domain.ErrConcurrentModification)
		}
		for i, staged := range tx.events {
			if staged.Header().ID == attemptID {
				resolved, err := attempt.Resolve(next)
				if err != nil {
					return err
				}
				tx.events[i] = resolved
				return nil
			}
		}
		tx.links[attemptID] = next
		return nil
	})
}

func (s *MemoryStore) FindNotPublished(_ context.Context, limit int) ([]domain.AccountEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*memoryEvent, 0)
	for _, row := range s.events {
		if row.publishedAt == nil {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	events := make([]domain.AccountEvent, len(rows))
	for i, row := range rows {
		events[i] = row.event
	}
	return events, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, ids []domain.EventID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := at.UTC()
	for _, id := range ids {
		if row, ok := s.events[id]; ok && row.publishedAt == nil {
			row.publishedAt = &stamp
		}
	}
	return nil
}

// PublishedAt reports when the event was marked published.
func (s *MemoryStore) PublishedAt(id domain.EventID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.events[id]
	if !ok || row.publishedAt == nil {
		return time.Time{}, false
	}
	return *row.publishedAt, true
}
