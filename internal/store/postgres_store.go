/**
 * @description
 * PostgreSQL implementation of the ledger persistence ports. The active transaction is
 * carried in the context by WithinTransaction; every query method picks it up from there
 * and falls back to the pool outside a transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Pool, transactions and PostgreSQL error codes.
 * - internal/domain: Aggregates, events and error sentinels.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ledger-service/internal/domain"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

type txContextKey struct{}

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a new instance of PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger.With("component", "postgres_store")}
}

func (s *PostgresStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.db
}

// WithinTransaction runs fn in a read committed transaction. Nested calls join the outer one.
func (s *PostgresStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after a successful commit is a no-op.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// mapPgError turns retryable PostgreSQL failures into domain.ErrConcurrentModification.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

func (s *PostgresStore) FindAccountByID(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	query := `
		SELECT id, owner, balance, pending_balance, version
		FROM accounts
		WHERE id = $1 AND closed = FALSE
	`
	account, err := scanAccount(s.conn(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, mapPgError(err)
	}
	return account, nil
}

func (s *PostgresStore) FindAccountsByOwner(ctx context.Context, owner domain.MemberID) ([]domain.Account, error) {
	query := `
		SELECT id, owner, balance, pending_balance, version
		FROM accounts
		WHERE owner = $1 AND closed = FALSE
		ORDER BY created_at, id
	`
	rows, err := s.conn(ctx).Query(ctx, query, owner.String())
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return accounts, nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		rawID, rawOwner           string
		balance, pending, version int64
	)
	if err := row.Scan(&rawID, &rawOwner, &balance, &pending, &version); err != nil {
		return domain.Account{}, err
	}
	return accountFromColumns(rawID, rawOwner, balance, pending, version)
}

// accountFromColumns rebuilds an account from stored values. A value failing validation marks
// the row as corrupt and is reported as domain.ErrMalformedAccount.
func accountFromColumns(rawID, rawOwner string, balance, pending, version int64) (domain.Account, error) {
	id, err := domain.ParseAccountID(rawID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("%w: id %q: %v", domain.ErrMalformedAccount, rawID, err)
	}
	owner, err := domain.ParseMemberID(rawOwner)
	if err != nil {
		return domain.Account{}, fmt.Errorf("%w: owner of account %s: %v", domain.ErrMalformedAccount, rawID, err)
	}
	account, err := domain.RestoreAccount(id, owner, balance, pending, version)
	if err != nil {
		return domain.Account{}, fmt.Errorf("%w: account %s: %v", domain.ErrMalformedAccount, rawID, err)
	}
	return account, nil
}

func (s *PostgresStore) InsertAccount(ctx context.Context, account domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner, balance, pending_balance, version)
		VALUES ($1, $2, $3, $4, $5)
	`
	tag, err := s.conn(ctx).Exec(ctx, query,
		account.ID.String(),
		account.Owner.String(),
		account.Balance.Int64(),
		account.PendingBalance.Int64(),
		account.Version,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() != 1 {
		return domain.ErrUnexpectedRowCount
	}
	return nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	query := `
		UPDATE accounts
		SET balance = $3, pending_balance = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND closed = FALSE
	`
	tag, err := s.conn(ctx).Exec(ctx, query,
		account.ID.String(),
		account.Version,
		account.Balance.Int64(),
		account.PendingBalance.Int64(),
	)
	if err != nil {
		return domain.Account{}, mapPgError(err)
	}
	if err := expectOneVersionedRow(tag, account.ID); err != nil {
		return domain.Account{}, err
	}
	account.Version++
	return account, nil
}

func (s *PostgresStore) CloseAccount(ctx context.Context, account domain.Account) error {
	query := `
		UPDATE accounts
		SET closed = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND closed = FALSE
	`
	tag, err := s.conn(ctx).Exec(ctx, query, account.ID.String(), account.Version)
	if err != nil {
		return mapPgError(err)
	}
	return expectOneVersionedRow(tag, account.ID)
}

// expectOneVersionedRow treats zero affected rows as a lost optimistic race.
func expectOneVersionedRow(tag pgconn.CommandTag, id domain.AccountID) error {
	switch tag.RowsAffected() {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("account %s: %w", id, domain.ErrConcurrentModification)
	default:
		return fmt.Errorf("account %s: %w", id, domain.ErrUnexpectedRowCount)
	}
}

const eventColumns = `id, event_type, account, account_from, account_to, amount, subsequent_id, reason, issued_at, issued_by`

func (s *PostgresStore) FindEventByID(ctx context.Context, id domain.EventID) (domain.AccountEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM account_events WHERE id = $1`
	event, err := scanEvent(s.conn(ctx).QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, mapPgError(err)
	}
	return event, nil
}

func scanEvent(row pgx.Row) (domain.AccountEvent, error) {
	record, err := scanEventRecord(row)
	if err != nil {
		return nil, err
	}
	return domain.EventFromRecord(record)
}

func scanEventRecord(row pgx.Row) (domain.EventRecord, error) {
	var (
		record    domain.EventRecord
		eventType int16
	)
	err := row.Scan(
		&record.ID,
		&eventType,
		&record.Account,
		&record.AccountFrom,
		&record.AccountTo,
		&record.Amount,
		&record.SubsequentID,
		&record.Reason,
		&record.IssuedAt,
		&record.IssuedBy,
	)
	if err != nil {
		return domain.EventRecord{}, err
	}
	record.Type = domain.EventType(eventType)
	record.IssuedAt = record.IssuedAt.UTC()
	return record, nil
}

// malformedRecord is a stored event that failed to decode.
type malformedRecord struct {
	ID  string
	Err error
}

// decodeOutboxRecords decodes records in order and sets the ones that fail aside.
func decodeOutboxRecords(records []domain.EventRecord) ([]domain.AccountEvent, []malformedRecord) {
	events := make([]domain.AccountEvent, 0, len(records))
	var malformed []malformedRecord
	for _, record := range records {
		event, err := domain.EventFromRecord(record)
		if err != nil {
			malformed = append(malformed, malformedRecord{ID: record.ID, Err: err})
			continue
		}
		events = append(events, event)
	}
	return events, malformed
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event domain.AccountEvent) error {
	record := domain.RecordOf(event)
	query := `
		INSERT INTO account_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	tag, err := s.conn(ctx).Exec(ctx, query,
		record.ID,
		int16(record.Type),
		record.Account,
		record.AccountFrom,
		record.AccountTo,
		record.Amount,
		record.SubsequentID,
		record.Reason,
		record.IssuedAt,
		record.IssuedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("event %s: %w", record.ID, domain.ErrDuplicateEvent)
		}
		return mapPgError(err)
	}
	if tag.RowsAffected() != 1 {
		return domain.ErrUnexpectedRowCount
	}
	return nil
}

func (s *PostgresStore) LinkSubsequentEvent(ctx context.Context, attemptID, next domain.EventID) error {
	query := `
		UPDATE account_events
		SET subsequent_id = $2
		WHERE id = $1 AND event_type = $3 AND subsequent_id IS NULL
	`
	tag, err := s.conn(ctx).Exec(ctx, query, attemptID.String(), next.String(), int16(domain.EventTypeTransferAttempt))
	if err != nil {
		return mapPgError(err)
	}
	switch tag.RowsAffected() {
	case 1:
		return nil
	case 0:
		// Another resolver linked the attempt first; retrying re-reads it as resolved.
		return fmt.Errorf("transfer attempt %s: %w", attemptID, domain.ErrConcurrentModification)
	default:
		return domain.ErrUnexpectedRowCount
	}
}

// FindNotPublished returns up to limit unpublished events in insertion order. Rows that no longer
// decode are logged and quarantined so they stop occupying the batch.
func (s *PostgresStore) FindNotPublished(ctx context.Context, limit int) ([]domain.AccountEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM account_events
		WHERE published_at IS NULL AND quarantined_at IS NULL
		ORDER BY seq ASC
		LIMIT $1
	`
	rows, err := s.conn(ctx).Query(ctx, query, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	records := make([]domain.EventRecord, 0, limit)
	for rows.Next() {
		record, err := scanEventRecord(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	rows.Close()

	events, malformed := decodeOutboxRecords(records)
	if len(malformed) > 0 {
		if err := s.quarantineEvents(ctx, malformed); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *PostgresStore) quarantineEvents(ctx context.Context, malformed []malformedRecord) error {
	ids := make([]string, len(malformed))
	for i, record := range malformed {
		s.logger.Error("quarantining malformed outbox event", "event_id", record.ID, "error", record.Err)
		ids[i] = record.ID
	}
	query := `
		UPDATE account_events
		SET quarantined_at = NOW()
		WHERE id = ANY($1::uuid[]) AND published_at IS NULL
	`
	if _, err := s.conn(ctx).Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to quarantine malformed events: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, ids []domain.EventID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	query := `
		UPDATE account_events
		SET published_at = $2
		WHERE id = ANY($1::uuid[]) AND published_at IS NULL
	`
	if _, err := s.conn(ctx).Exec(ctx, query, raw, at.UTC()); err != nil {
		return mapPgError(err)
	}
	return nil
}

// Ping verifies connectivity for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
