package domain

import (
	"regexp"

	"github.com/google/uuid"
)

// AccountID identifies an account. It is always a version 4 UUID in canonical form.
type AccountID struct {
	value string
}

// ParseAccountID validates s as a version 4 UUID.
func ParseAccountID(s string) (AccountID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return AccountID{}, ErrInvalidAccountID
	}
	if parsed.Version() != 4 {
		return AccountID{}, ErrInvalidAccountID
	}
	return AccountID{value: parsed.String()}, nil
}

// NewAccountID returns a fresh random account id.
func NewAccountID() AccountID {
	return AccountID{value: uuid.New().String()}
}

func (id AccountID) String() string { return id.value }

// IsZero reports whether id was never assigned.
func (id AccountID) IsZero() bool { return id.value == "" }

const (
	memberIDMinLength = 6
	memberIDMaxLength = 20
)

var memberIDFormat = regexp.MustCompile(`^[a-z0-9]+$`)

// MemberID identifies the member owning accounts. Members are managed elsewhere;
// the ledger only checks the identifier format.
type MemberID struct {
	value string
}

// ParseMemberID validates s as a member identifier.
func ParseMemberID(s string) (MemberID, error) {
	if len(s) < memberIDMinLength || len(s) > memberIDMaxLength {
		return MemberID{}, ErrInvalidMemberID
	}
	if !memberIDFormat.MatchString(s) {
		return MemberID{}, ErrInvalidMemberID
	}
	return MemberID{value: s}, nil
}

func (m MemberID) String() string { return m.value }

func (m MemberID) IsZero() bool { return m.value == "" }

// EventID identifies an account event.
type EventID struct {
	value string
}

// ParseEventID validates s as a UUID.
func ParseEventID(s string) (EventID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return EventID{}, ErrInvalidEventID
	}
	return EventID{value: parsed.String()}, nil
}

// NewEventID returns a fresh random event id.
func NewEventID() EventID {
	return EventID{value: uuid.New().String()}
}

func (id EventID) String() string { return id.value }

func (id EventID) IsZero() bool { return id.value == "" }
