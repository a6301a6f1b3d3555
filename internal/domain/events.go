package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventType tags the variants of AccountEvent. The numeric codes are persisted.
type EventType int

const (
	EventTypeDeposit EventType = iota
	EventTypeWithdraw
	EventTypeTransferAttempt
	EventTypeTransferAccept
	EventTypeTransferReject
)

var eventTypeNames = map[EventType]string{
	EventTypeDeposit:         "DEPOSIT",
	EventTypeWithdraw:        "WITHDRAW",
	EventTypeTransferAttempt: "TRANSFER_ATTEMPT",
	EventTypeTransferAccept:  "TRANSFER_ACCEPT",
	EventTypeTransferReject:  "TRANSFER_REJECT",
}

// ParseEventType maps a persisted code back to its EventType.
func ParseEventType(code int) (EventType, error) {
	t := EventType(code)
	if _, ok := eventTypeNames[t]; !ok {
		return 0, &UnexpectedEventTypeError{Value: code}
	}
	return t, nil
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// RoutingKey is the bus routing key for events of this type.
func (t EventType) RoutingKey() string {
	return "account.event." + strings.ToLower(t.String())
}

func (t EventType) MarshalText() ([]byte, error) {
	name, ok := eventTypeNames[t]
	if !ok {
		return nil, &UnexpectedEventTypeError{Value: int(t)}
	}
	return []byte(name), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	for candidate, name := range eventTypeNames {
		if name == string(text) {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown account event type %q", string(text))
}

// EventHeader holds the fields shared by every account event.
type EventHeader struct {
	ID       EventID
	IssuedAt time.Time
	IssuedBy MemberID
}

func (h EventHeader) Header() EventHeader { return h }

// AccountEvent is an immutable record of a state change. The variants are closed:
// DepositedEvent, WithdrewEvent, TransferAttemptedEvent, TransferAcceptedEvent and
// TransferRejectedEvent.
type AccountEvent interface {
	Header() EventHeader
	Type() EventType
	accountEvent()
}

func newHeader(issuedBy MemberID, issuedAt time.Time) EventHeader {
	return EventHeader{ID: NewEventID(), IssuedAt: issuedAt.UTC(), IssuedBy: issuedBy}
}

type DepositedEvent struct {
	EventHeader
	Account AccountID
	Amount  BalanceChange
}

func NewDepositedEvent(account AccountID, amount BalanceChange, issuedBy MemberID, issuedAt time.Time) DepositedEvent {
	return DepositedEvent{EventHeader: newHeader(issuedBy, issuedAt), Account: account, Amount: amount}
}

func (DepositedEvent) Type() EventType { return EventTypeDeposit }
func (DepositedEvent) accountEvent()   {}

type WithdrewEvent struct {
	EventHeader
	Account AccountID
	Amount  BalanceChange
}

func NewWithdrewEvent(account AccountID, amount BalanceChange, issuedBy MemberID, issuedAt time.Time) WithdrewEvent {
	return WithdrewEvent{EventHeader: newHeader(issuedBy, issuedAt), Account: account, Amount: amount}
}

func (WithdrewEvent) Type() EventType { return EventTypeWithdraw }
func (WithdrewEvent) accountEvent()   {}

// TransferAttemptedEvent records a held transfer. SubsequentID points at the accept or reject
// event once the transfer is resolved.
type TransferAttemptedEvent struct {
	EventHeader
	From         AccountID
	To           AccountID
	Amount       BalanceChange
	SubsequentID *EventID
}

func NewTransferAttemptedEvent(from, to AccountID, amount BalanceChange, issuedBy MemberID, issuedAt time.Time) TransferAttemptedEvent {
	return TransferAttemptedEvent{EventHeader: newHeader(issuedBy, issuedAt), From: from, To: to, Amount: amount}
}

func (TransferAttemptedEvent) Type() EventType { return EventTypeTransferAttempt }
func (TransferAttemptedEvent) accountEvent()   {}

// Resolved reports whether the attempt already links to its resolution.
func (e TransferAttemptedEvent) Resolved() bool {
	return e.SubsequentID != nil
}

// Resolve returns a copy of the attempt linked to next.
func (e TransferAttemptedEvent) Resolve(next EventID) (TransferAttemptedEvent, error) {
	if e.Resolved() {
		return e, ErrTransferAlreadyResolved
	}
	e.SubsequentID = &next
	return e, nil
}

type TransferAcceptedEvent struct {
	EventHeader
	From   AccountID
	To     AccountID
	Amount BalanceChange
}

func NewTransferAcceptedEvent(from, to AccountID, amount BalanceChange, issuedBy MemberID, issuedAt time.Time) TransferAcceptedEvent {
	return TransferAcceptedEvent{EventHeader: newHeader(issuedBy, issuedAt), From: from, To: to, Amount: amount}
}

func (TransferAcceptedEvent) Type() EventType { return EventTypeTransferAccept }
func (TransferAcceptedEvent) accountEvent()   {}

type TransferRejectedEvent struct {
	EventHeader
	From   AccountID
	To     AccountID
	Amount BalanceChange
	Reason string
}

func NewTransferRejectedEvent(from, to AccountID, amount BalanceChange, reason string, issuedBy MemberID, issuedAt time.Time) TransferRejectedEvent {
	return TransferRejectedEvent{EventHeader: newHeader(issuedBy, issuedAt), From: from, To: to, Amount: amount, Reason: reason}
}

func (TransferRejectedEvent) Type() EventType { return EventTypeTransferReject }
func (TransferRejectedEvent) accountEvent()   {}
