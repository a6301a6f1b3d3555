/**
 * @description
 * Error taxonomy for the ledger domain. Every rule violation is reported as a
 * `*Error` carrying a Kind, so adapters can decide how to surface it without
 * inspecting messages:
 *
 * - KindUser: the request breaks a domain rule and the caller can fix it.
 * - KindConflict: optimistic concurrency lost a race; the operation may be retried.
 * - KindInternal: an invariant the ledger itself maintains was violated.
 */

package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and reporting.
type Kind int

const (
	KindInternal Kind = iota
	KindUser
	KindUnauthenticated
	KindForbidden
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a classified domain error. Sentinels below are compared by identity with errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// User faults.
var (
	ErrInvalidAccountID           = newError(KindUser, "invalid_account_id", "account id must be a version 4 UUID")
	ErrInvalidMemberID            = newError(KindUser, "invalid_member_id", "member id must be 6-20 lowercase letters or digits")
	ErrInvalidEventID             = newError(KindUser, "invalid_event_id", "event id must be a UUID")
	ErrNegativeBalance            = newError(KindUser, "negative_balance", "account balance cannot be negative")
	ErrNonPositiveBalanceChange   = newError(KindUser, "non_positive_amount", "amount must be positive")
	ErrInsufficientBalance        = newError(KindUser, "insufficient_balance", "insufficient balance")
	ErrBalanceOverflow            = newError(KindUser, "balance_overflow", "amount exceeds the maximum account balance")
	ErrAccountNotFound            = newError(KindUser, "account_not_found", "account not found")
	ErrAccountNotOwned            = newError(KindUser, "account_not_owned", "account is not owned by the caller")
	ErrBalanceNotZero             = newError(KindUser, "balance_not_zero", "account balance must be zero to close the account")
	ErrPendingTransferOutstanding = newError(KindUser, "pending_transfer_outstanding", "account has transfers awaiting approval")
	ErrSameAccountTransfer        = newError(KindUser, "same_account_transfer", "source and destination accounts must differ")
	ErrEventNotFound              = newError(KindUser, "transfer_event_not_found", "transfer event not found")
	ErrEventNotTransfer           = newError(KindUser, "event_not_transfer", "event is not a transfer")
	ErrTransferAlreadyResolved    = newError(KindUser, "transfer_already_resolved", "transfer has already been resolved")
	ErrTransferNotPending         = newError(KindUser, "transfer_not_pending", "transfer is not awaiting approval")
)

// Access faults.
var (
	ErrUnauthenticated = newError(KindUnauthenticated, "unauthenticated", "authentication required")
	ErrForbidden       = newError(KindForbidden, "forbidden", "operation not permitted")
)

// Concurrency conflicts.
var (
	ErrConcurrentModification = newError(KindConflict, "concurrent_modification", "resource was modified concurrently")
)

// Internal faults.
var (
	ErrNegativePendingBalance     = newError(KindInternal, "negative_pending_balance", "pending balance cannot be negative")
	ErrPendingBalanceInsufficient = newError(KindInternal, "pending_balance_insufficient", "pending balance is smaller than the released amount")
	ErrUnexpectedRowCount         = newError(KindInternal, "unexpected_row_count", "repository write affected an unexpected number of rows")
	ErrDuplicateEvent             = newError(KindInternal, "duplicate_event", "event id already exists")
	ErrMalformedEvent             = newError(KindInternal, "malformed_event", "stored event does not match its type")
	ErrMalformedAccount           = newError(KindInternal, "malformed_account", "stored account fails validation")
	ErrBrokenTransferChain        = newError(KindInternal, "broken_transfer_chain", "transfer event links to a missing event")
	ErrTransferChainTooDeep       = newError(KindInternal, "transfer_chain_too_deep", "transfer event chain exceeds the maximum depth")
)

// UnexpectedEventTypeError reports an event type code outside the closed enumeration.
type UnexpectedEventTypeError struct {
	Value int
}

func (e *UnexpectedEventTypeError) Error() string {
	return fmt.Sprintf("unexpected account event type %d", e.Value)
}

// KindOf classifies err. Errors that are not domain errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// IsUserFault reports whether err is caused by the caller's request.
func IsUserFault(err error) bool {
	return err != nil && KindOf(err) == KindUser
}

// IsConflict reports whether err is a retryable concurrency conflict.
func IsConflict(err error) bool {
	return err != nil && KindOf(err) == KindConflict
}

// Public returns the classified error that may be shown to a caller, or nil for internal faults.
func Public(err error) *Error {
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Kind != KindInternal {
		return domainErr
	}
	return nil
}
