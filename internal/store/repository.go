/**
 * @description
 * Persistence ports for the ledger. The application layer depends only on these
 * interfaces; PostgresStore and MemoryStore implement all of them.
 *
 * Every repository call made with the context handed to TxManager.WithinTransaction
 * joins that transaction. Failures are reported with the domain error sentinels:
 * - not found: domain.ErrAccountNotFound, domain.ErrEventNotFound
 * - stale version, serialization failure or deadlock: domain.ErrConcurrentModification
 * - a write that did not touch exactly one row: domain.ErrUnexpectedRowCount
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: Aggregates, events and error sentinels.
 */

package store

import (
	"context"
	"time"

	"github.com/transfa/ledger-service/internal/domain"
)

// AccountRepository persists account snapshots. Closed accounts are invisible to every lookup.
type AccountRepository interface {
	FindAccountByID(ctx context.Context, id domain.AccountID) (domain.Account, error)
	FindAccountsByOwner(ctx context.Context, owner domain.MemberID) ([]domain.Account, error)
	InsertAccount(ctx context.Context, account domain.Account) error
	// UpdateAccount writes balances when the stored version still equals account.Version and
	// returns the snapshot with the incremented version.
	UpdateAccount(ctx context.Context, account domain.Account) (domain.Account, error)
	// CloseAccount soft-deletes the account under the same version check as UpdateAccount.
	CloseAccount(ctx context.Context, account domain.Account) error
}

// AccountEventRepository stores the immutable event log.
type AccountEventRepository interface {
	FindEventByID(ctx context.Context, id domain.EventID) (domain.AccountEvent, error)
	InsertEvent(ctx context.Context, event domain.AccountEvent) error
	// LinkSubsequentEvent points an unresolved transfer attempt at its resolution.
	LinkSubsequentEvent(ctx context.Context, attemptID, next domain.EventID) error
}

// AccountEventOutboxRepository exposes the events still awaiting publication.
type AccountEventOutboxRepository interface {
	// FindNotPublished returns at most limit unpublished events in insertion order.
	FindNotPublished(ctx context.Context, limit int) ([]domain.AccountEvent, error)
	// MarkPublished stamps the given events. Already published events are left untouched.
	MarkPublished(ctx context.Context, ids []domain.EventID, at time.Time) error
}

// TxManager runs fn inside one atomic unit. An error or panic from fn rolls everything back.
type TxManager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	AccountRepository
	AccountEventRepository
	AccountEventOutboxRepository
	TxManager
}
