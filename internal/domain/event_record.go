package domain

import (
	"time"
)

// EventRecord is the flat form of an AccountEvent used for storage and for the bus payload.
// Only the fields relevant to Type are set.
type EventRecord struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Account      *string   `json:"account,omitempty"`
	AccountFrom  *string   `json:"accountFrom,omitempty"`
	AccountTo    *string   `json:"accountTo,omitempty"`
	Amount       int64     `json:"amount"`
	SubsequentID *string   `json:"subsequentId,omitempty"`
	Reason       *string   `json:"reason,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	IssuedBy     string    `json:"issuedBy"`
}

func stringPtr(s string) *string { return &s }

// RecordOf flattens event.
func RecordOf(event AccountEvent) EventRecord {
	h := event.Header()
	record := EventRecord{
		ID:       h.ID.String(),
		Type:     event.Type(),
		IssuedAt: h.IssuedAt,
		IssuedBy: h.IssuedBy.String(),
	}

	switch e := event.(type) {
	case DepositedEvent:
		record.Account = stringPtr(e.Account.String())
		record.Amount = e.Amount.Int64()
	case WithdrewEvent:
		record.Account = stringPtr(e.Account.String())
		record.Amount = e.Amount.Int64()
	case TransferAttemptedEvent:
		record.AccountFrom = stringPtr(e.From.String())
		record.AccountTo = stringPtr(e.To.String())
		record.Amount = e.Amount.Int64()
		if e.SubsequentID != nil {
			record.SubsequentID = stringPtr(e.SubsequentID.String())
		}
	case TransferAcceptedEvent:
		record.AccountFrom = stringPtr(e.From.String())
		record.AccountTo = stringPtr(e.To.String())
		record.Amount = e.Amount.Int64()
	case TransferRejectedEvent:
		record.AccountFrom = stringPtr(e.From.String())
		record.AccountTo = stringPtr(e.To.String())
		record.Amount = e.Amount.Int64()
		record.Reason = stringPtr(e.Reason)
	}
	return record
}

// EventFromRecord rebuilds the typed event. A record whose fields do not match its type is
// an internal fault.
func EventFromRecord(r EventRecord) (AccountEvent, error) {
	if _, err := ParseEventType(int(r.Type)); err != nil {
		return nil, err
	}

	id, err := ParseEventID(r.ID)
	if err != nil {
		return nil, ErrMalformedEvent
	}
	issuedBy, err := ParseMemberID(r.IssuedBy)
	if err != nil {
		return nil, ErrMalformedEvent
	}
	amount, err := NewBalanceChange(r.Amount)
	if err != nil {
		return nil, ErrMalformedEvent
	}
	header := EventHeader{ID: id, IssuedAt: r.IssuedAt, IssuedBy: issuedBy}

	switch r.Type {
	case EventTypeDeposit, EventTypeWithdraw:
		if r.AccountFrom != nil || r.AccountTo != nil || r.SubsequentID != nil || r.Reason != nil {
			return nil, ErrMalformedEvent
		}
		account, err := parseRecordAccount(r.Account)
		if err != nil {
			return nil, err
		}
		if r.Type == EventTypeDeposit {
			return DepositedEvent{EventHeader: header, Account: account, Amount: amount}, nil
		}
		return WithdrewEvent{EventHeader: header, Account: account, Amount: amount}, nil

	case EventTypeTransferAttempt, EventTypeTransferAccept, EventTypeTransferReject:
		if r.Account != nil {
			return nil, ErrMalformedEvent
		}
		from, err := parseRecordAccount(r.AccountFrom)
		if err != nil {
			return nil, err
		}
		to, err := parseRecordAccount(r.AccountTo)
		if err != nil {
			return nil, err
		}
		return transferEventFromRecord(r, header, from, to, amount)
	}
	return nil, &UnexpectedEventTypeError{Value: int(r.Type)}
}

func transferEventFromRecord(r EventRecord, header EventHeader, from, to AccountID, amount BalanceChange) (AccountEvent, error) {
	switch r.Type {
	case EventTypeTransferAttempt:
		if r.Reason != nil {
			return nil, ErrMalformedEvent
		}
		event := TransferAttemptedEvent{EventHeader: header, From: from, To: to, Amount: amount}
		if r.SubsequentID != nil {
			next, err := ParseEventID(*r.SubsequentID)
			if err != nil {
				return nil, ErrMalformedEvent
			}
			event.SubsequentID = &next
		}
		return event, nil
	case EventTypeTransferAccept:
		if r.Reason != nil || r.SubsequentID != nil {
			return nil, ErrMalformedEvent
		}
		return TransferAcceptedEvent{EventHeader: header, From: from, To: to, Amount: amount}, nil
	case EventTypeTransferReject:
		if r.Reason == nil || r.SubsequentID != nil {
			return nil, ErrMalformedEvent
		}
		return TransferRejectedEvent{EventHeader: header, From: from, To: to, Amount: amount, Reason: *r.Reason}, nil
	}
	return nil, &UnexpectedEventTypeError{Value: int(r.Type)}
}

func parseRecordAccount(value *string) (AccountID, error) {
	if value == nil {
		return AccountID{}, ErrMalformedEvent
	}
	id, err := ParseAccountID(*value)
	if err != nil {
		return AccountID{}, ErrMalformedEvent
	}
	return id, nil
}
