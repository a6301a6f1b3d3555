/**
 * @description
 * This file contains the ledger use cases. Every operation resolves the caller, loads the
 * accounts it touches, checks ownership, applies the domain operation and persists the new
 * account snapshots together with the event describing the change in one transaction.
 *
 * Key features:
 * - Optimistic concurrency: a lost version race retries the whole read-modify-write cycle
 *   with exponential backoff, up to a bounded number of attempts.
 * - Large transfers between different members are held in the sender's pending balance until
 *   a reviewer resolves them with ResolvePendingTransfer.
 * - Events are only written to the outbox table here; OutboxPublisher forwards them.
 *
 * @dependencies
 * - github.com/cenkalti/backoff/v5: Conflict retry policy.
 * - internal/domain, internal/store: Domain model and persistence ports.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

const (
	DefaultRetryMaxAttempts = 5

	// AuthorityReviewer is required to approve or reject held transfers.
	AuthorityReviewer = "ROLE_ADMIN"

	maxTransferChainDepth = 8
	defaultRejectReason   = "rejected by reviewer"
)

// PrincipalResolver identifies the member on whose behalf a request runs.
type PrincipalResolver interface {
	CurrentMember(ctx context.Context) (domain.MemberID, error)
	HasAuthority(ctx context.Context, authority string) bool
}

// BalanceResult is returned by Deposit and Withdraw.
type BalanceResult struct {
	EventID domain.EventID
	Balance domain.Balance
}

// TransferOutcome is returned by Transfer and ResolvePendingTransfer.
type TransferOutcome struct {
	EventID domain.EventID
	Pending bool
}

type TransferState int

const (
	TransferStatePending TransferState = iota
	TransferStateAccepted
	TransferStateRejected
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "PENDING"
	case TransferStateAccepted:
		return "ACCEPTED"
	case TransferStateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// TransferStatus is the resolved state of a transfer. Reason is only set for rejections.
type TransferStatus struct {
	State  TransferState
	Reason string
}

// TransferDecision is a reviewer's verdict on a held transfer.
type TransferDecision struct {
	Approve bool
	Reason  string
}

// Service implements the ledger use cases.
type Service struct {
	store       store.Store
	principals  PrincipalResolver
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts uint
	newBackOff  func() backoff.BackOff
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithRetryPolicy overrides how many times a conflicting operation is attempted and the
// backoff between attempts.
func WithRetryPolicy(maxAttempts int, newBackOff func() backoff.BackOff) ServiceOption {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = uint(maxAttempts)
		}
		if newBackOff != nil {
			s.newBackOff = newBackOff
		}
	}
}

// NewService creates a new ledger service instance.
func NewService(st store.Store, principals PrincipalResolver, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:       st,
		principals:  principals,
		logger:      logger.With("component", "ledger_service"),
		now:         time.Now,
		maxAttempts: DefaultRetryMaxAttempts,
		newBackOff:  defaultBackOff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

// retryOnConflict runs op until it succeeds, fails with a non-conflict error, or the attempts
// are exhausted. The last conflict is returned in that case.
func retryOnConflict[T any](ctx context.Context, s *Service, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		result, err := op(ctx)
		if err != nil && !domain.IsConflict(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("retrying after concurrent modification", "operation", operation, "backoff", next, "error", err)
		}),
	)
}

// inTx runs fn in one transaction and hands its result back.
func inTx[T any](ctx context.Context, tx store.TxManager, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := tx.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (s *Service) caller(ctx context.Context) (domain.MemberID, error) {
	member, err := s.principals.CurrentMember(ctx)
	if err != nil {
		return domain.MemberID{}, err
	}
	if member.IsZero() {
		return domain.MemberID{}, domain.ErrUnauthenticated
	}
	return member, nil
}

// loadOwned loads an account and checks that member owns it.
func (s *Service) loadOwned(ctx context.Context, id domain.AccountID, member domain.MemberID) (domain.Account, error) {
	account, err := s.store.FindAccountByID(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	if !account.OwnedBy(member) {
		return domain.Account{}, domain.ErrAccountNotOwned
	}
	return account, nil
}

// updatePair writes two accounts in ascending id order so concurrent transfers lock rows consistently.
func (s *Service) updatePair(ctx context.Context, a, b domain.Account) (domain.Account, domain.Account, error) {
	if b.ID.String() < a.ID.String() {
		nb, na, err := s.updatePair(ctx, b, a)
		return na, nb, err
	}
	na, err := s.store.UpdateAccount(ctx, a)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	nb, err := s.store.UpdateAccount(ctx, b)
	if err != nil {
		return domain.Account{}, domain.Account{}, err
	}
	return na, nb, nil
}

// OpenAccount creates an empty account owned by the caller.
func (s *Service) OpenAccount(ctx context.Context) (domain.Account, error) {
	member, err := s.caller(ctx)
	if err != nil {
		return domain.Account{}, err
	}

	account := domain.OpenAccount(member)
	if err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		return s.store.InsertAccount(ctx, account)
	}); err != nil {
		return domain.Account{}, fmt.Errorf("failed to open account: %w", err)
	}

	s.logger.Info("account opened", "account_id", account.ID.String(), "member_id", member.String())
	return account, nil
}

// CloseAccount soft-deletes an empty account owned by the caller.
func (s *Service) CloseAccount(ctx context.Context, id domain.AccountID) error {
	member, err := s.caller(ctx)
	if err != nil {
		return err
	}

	_, err = retryOnConflict(ctx, s, "close_account", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.WithinTransaction(ctx, func(ctx context.Context) error {
			account, err := s.loadOwned(ctx, id, member)
			if err != nil {
				return err
			}
			if !account.Balance.IsZero() {
				return domain.ErrBalanceNotZero
			}
			if !account.PendingBalance.IsZero() {
				return domain.ErrPendingTransferOutstanding
			}
			return s.store.CloseAccount(ctx, account)
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("account closed", "account_id", id.String(), "member_id", member.String())
	return nil
}

// ListAccounts returns the caller's open accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	member, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.FindAccountsByOwner(ctx, member)
}

// GetAccount returns one of the caller's accounts.
func (s *Service) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	member, err := s.caller(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	return s.loadOwned(ctx, id, member)
}

// Deposit adds amount to one of the caller's accounts.
func (s *Service) Deposit(ctx context.Context, id domain.AccountID, amount domain.BalanceChange) (BalanceResult, error) {
	return s.applyBalanceChange(ctx, "deposit", id, func(account domain.Account, member domain.MemberID) (domain.Account, domain.AccountEvent, error) {
		next, err := account.Deposit(amount)
		if err != nil {
			return domain.Account{}, nil, err
		}
		return next, domain.NewDepositedEvent(account.ID, amount, member, s.now()), nil
	})
}

// Withdraw removes amount from one of the caller's accounts.
func (s *Service) Withdraw(ctx context.Context, id domain.AccountID, amount domain.BalanceChange) (BalanceResult, error) {
	return s.applyBalanceChange(ctx, "withdraw", id, func(account domain.Account, member domain.MemberID) (domain.Account, domain.AccountEvent, error) {
		next, err := account.Withdraw(amount)
		if err != nil {
			return domain.Account{}, nil, err
		}
		return next, domain.NewWithdrewEvent(account.ID, amount, member, s.now()), nil
	})
}

type balanceChangeFunc func(account domain.Account, member domain.MemberID) (domain.Account, domain.AccountEvent, error)

func (s *Service) applyBalanceChange(ctx context.Context, operation string, id domain.AccountID, apply balanceChangeFunc) (BalanceResult, error) {
	member, err := s.caller(ctx)
	if err != nil {
		return BalanceResult{}, err
	}

	result, err := retryOnConflict(ctx, s, operation, func(ctx context.Context) (BalanceResult, error) {
		return inTx(ctx, s.store, func(ctx context.Context) (BalanceResult, error) {
			account, err := s.loadOwned(ctx, id, member)
			if err != nil {
				return BalanceResult{}, err
			}
			next, event, err := apply(account, member)
			if err != nil {
				return BalanceResult{}, err
			}
			updated, err := s.store.UpdateAccount(ctx, next)
			if err != nil {
				return BalanceResult{}, err
			}
			if err := s.store.InsertEvent(ctx, event); err != nil {
				return BalanceResult{}, err
			}
			return BalanceResult{EventID: event.Header().ID, Balance: updated.Balance}, nil
		})
	})
	if err != nil {
		return BalanceResult{}, err
	}

	s.logger.Info("balance changed", "operation", operation, "account_id", id.String(), "event_id", result.EventID.String())
	return result, nil
}

// Transfer moves amount from one of the caller's accounts to any open account. Large transfers
// between different members are held and reported with Pending set.
func (s *Service) Transfer(ctx context.Context, fromID, toID domain.AccountID, amount domain.BalanceChange) (TransferOutcome, error) {
	member, err := s.caller(ctx)
	if err != nil {
		return TransferOutcome{}, err
	}
	if fromID == toID {
		return TransferOutcome{}, domain.ErrSameAccountTransfer
	}

	outcome, err := retryOnConflict(ctx, s, "transfer", func(ctx context.Context) (TransferOutcome, error) {
		return inTx(ctx, s.store, func(ctx context.Context) (TransferOutcome, error) {
			from, err := s.loadOwned(ctx, fromID, member)
			if err != nil {
				return TransferOutcome{}, err
			}
			to, err := s.store.FindAccountByID(ctx, toID)
			if err != nil {
				return TransferOutcome{}, err
			}
			transfer, err := domain.NewTransfer(from, to, amount)
			if err != nil {
				return TransferOutcome{}, err
			}
			result, err := transfer.Execute()
			if err != nil {
				return TransferOutcome{}, err
			}

			switch r := result.(type) {
			case domain.CompletedTransfer:
				if _, _, err := s.updatePair(ctx, r.FromAccount, r.ToAccount); err != nil {
					return TransferOutcome{}, err
				}
				event := domain.NewTransferAcceptedEvent(fromID, toID, amount, member, s.now())
				if err := s.store.InsertEvent(ctx, event); err != nil {
					return TransferOutcome{}, err
				}
				return TransferOutcome{EventID: event.ID}, nil
			case domain.PendingTransfer:
				if _, err := s.store.UpdateAccount(ctx, r.FromAccount); err != nil {
					return TransferOutcome{}, err
				}
				event := domain.NewTransferAttemptedEvent(fromID, toID, amount, member, s.now())
				if err := s.store.InsertEvent(ctx, event); err != nil {
					return TransferOutcome{}, err
				}
				return TransferOutcome{EventID: event.ID, Pending: true}, nil
			default:
				return TransferOutcome{}, fmt.Errorf("unexpected transfer result %T", result)
			}
		})
	})
	if err != nil {
		return TransferOutcome{}, err
	}

	s.logger.Info("transfer recorded",
		"from_account_id", fromID.String(),
		"to_account_id", toID.String(),
		"event_id", outcome.EventID.String(),
		"pending", outcome.Pending,
	)
	return outcome, nil
}

// CheckTransferStatus follows a transfer event to its latest resolution. Only the member who
// issued the transfer may look it up.
func (s *Service) CheckTransferStatus(ctx context.Context, eventID domain.EventID) (TransferStatus, error) {
	member, err := s.caller(ctx)
	if err != nil {
		return TransferStatus{}, err
	}

	current := eventID
	for depth := 0; depth < maxTransferChainDepth; depth++ {
		event, err := s.store.FindEventByID(ctx, current)
		if err != nil {
			if depth > 0 && errors.Is(err, domain.ErrEventNotFound) {
				s.logger.Error("transfer event links to a missing event", "event_id", eventID.String(), "missing_event_id", current.String())
				return TransferStatus{}, fmt.Errorf("%w: %s", domain.ErrBrokenTransferChain, current)
			}
			return TransferStatus{}, err
		}
		if event.Header().IssuedBy != member {
			return TransferStatus{}, domain.ErrAccountNotOwned
		}

		switch e := event.(type) {
		case domain.TransferAcceptedEvent:
			return TransferStatus{State: TransferStateAccepted}, nil
		case domain.TransferRejectedEvent:
			return TransferStatus{State: TransferStateRejected, Reason: e.Reason}, nil
		case domain.TransferAttemptedEvent:
			if e.SubsequentID == nil {
				return TransferStatus{State: TransferStatePending}, nil
			}
			current = *e.SubsequentID
		default:
			return TransferStatus{}, domain.ErrEventNotTransfer
		}
	}

	s.logger.Error("transfer event chain too deep", "event_id", eventID.String())
	return TransferStatus{}, domain.ErrTransferChainTooDeep
}

// ResolvePendingTransfer approves or rejects a held transfer. The resolution event is issued on
// behalf of the original sender so the sender can follow it with CheckTransferStatus.
func (s *Service) ResolvePendingTransfer(ctx context.Context, attemptID domain.EventID, decision TransferDecision) (TransferOutcome, error) {
	reviewer, err := s.caller(ctx)
	if err != nil {
		return TransferOutcome{}, err
	}
	if !s.principals.HasAuthority(ctx, AuthorityReviewer) {
		return TransferOutcome{}, domain.ErrForbidden
	}

	outcome, err := retryOnConflict(ctx, s, "resolve_transfer", func(ctx context.Context) (TransferOutcome, error) {
		return inTx(ctx, s.store, func(ctx context.Context) (TransferOutcome, error) {
			return s.resolve(ctx, attemptID, decision)
		})
	})
	if err != nil {
		return TransferOutcome{}, err
	}

	s.logger.Info("held transfer resolved",
		"attempt_event_id", attemptID.String(),
		"event_id", outcome.EventID.String(),
		"approved", decision.Approve,
		"reviewer_id", reviewer.String(),
	)
	return outcome, nil
}

func (s *Service) resolve(ctx context.Context, attemptID domain.EventID, decision TransferDecision) (TransferOutcome, error) {
	event, err := s.store.FindEventByID(ctx, attemptID)
	if err != nil {
		return TransferOutcome{}, err
	}
	attempt, ok := event.(domain.TransferAttemptedEvent)
	if !ok {
		return TransferOutcome{}, domain.ErrTransferNotPending
	}
	if attempt.Resolved() {
		return TransferOutcome{}, domain.ErrTransferAlreadyResolved
	}

	from, err := s.store.FindAccountByID(ctx, attempt.From)
	if err != nil {
		return TransferOutcome{}, err
	}

	var resolution domain.AccountEvent
	if decision.Approve {
		to, err := s.store.FindAccountByID(ctx, attempt.To)
		if err != nil {
			return TransferOutcome{}, err
		}
		pending, err := domain.ResumePendingTransfer(from, to, attempt.Amount)
		if err != nil {
			return TransferOutcome{}, err
		}
		completed, err := pending.Approve()
		if err != nil {
			return TransferOutcome{}, err
		}
		if _, _, err := s.updatePair(ctx, completed.FromAccount, completed.ToAccount); err != nil {
			return TransferOutcome{}, err
		}
		resolution = domain.NewTransferAcceptedEvent(attempt.From, attempt.To, attempt.Amount, attempt.IssuedBy, s.now())
	} else {
		// The recipient is untouched by a rejection, so it may have been closed meanwhile.
		pending, err := domain.ResumePendingTransfer(from, domain.Account{ID: attempt.To}, attempt.Amount)
		if err != nil {
			return TransferOutcome{}, err
		}
		completed, err := pending.Reject()
		if err != nil {
			return TransferOutcome{}, err
		}
		if _, err := s.store.UpdateAccount(ctx, completed.FromAccount); err != nil {
			return TransferOutcome{}, err
		}
		reason := decision.Reason
		if reason == "" {
			reason = defaultRejectReason
		}
		resolution = domain.NewTransferRejectedEvent(attempt.From, attempt.To, attempt.Amount, reason, attempt.IssuedBy, s.now())
	}

	if err := s.store.InsertEvent(ctx, resolution); err != nil {
		return TransferOutcome{}, err
	}
	if err := s.store.LinkSubsequentEvent(ctx, attempt.ID, resolution.Header().ID); err != nil {
		return TransferOutcome{}, err
	}
	return TransferOutcome{EventID: resolution.Header().ID}, nil
}
