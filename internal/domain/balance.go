package domain

import "math"

// Balance is the spendable amount of an account in minor currency units. Never negative.
type Balance struct {
	value int64
}

// NewBalance validates v as a balance.
func NewBalance(v int64) (Balance, error) {
	if v < 0 {
		return Balance{}, ErrNegativeBalance
	}
	return Balance{value: v}, nil
}

func (b Balance) Int64() int64 { return b.value }

func (b Balance) IsZero() bool { return b.value == 0 }

// Add returns b + c.
func (b Balance) Add(c BalanceChange) (Balance, error) {
	if err := c.validate(); err != nil {
		return b, err
	}
	if b.value > math.MaxInt64-c.value {
		return b, ErrBalanceOverflow
	}
	return Balance{value: b.value + c.value}, nil
}

// Sub returns b - c, failing with ErrInsufficientBalance when c exceeds b.
func (b Balance) Sub(c BalanceChange) (Balance, error) {
	if err := c.validate(); err != nil {
		return b, err
	}
	if b.value < c.value {
		return b, ErrInsufficientBalance
	}
	return Balance{value: b.value - c.value}, nil
}

// PendingBalance is the amount held for transfers awaiting approval. Never negative.
type PendingBalance struct {
	value int64
}

// NewPendingBalance validates v as a pending balance. A negative value can only come from
// corrupted state, so it is an internal fault.
func NewPendingBalance(v int64) (PendingBalance, error) {
	if v < 0 {
		return PendingBalance{}, ErrNegativePendingBalance
	}
	return PendingBalance{value: v}, nil
}

func (p PendingBalance) Int64() int64 { return p.value }

func (p PendingBalance) IsZero() bool { return p.value == 0 }

// Add returns p + c.
func (p PendingBalance) Add(c BalanceChange) (PendingBalance, error) {
	if err := c.validate(); err != nil {
		return p, err
	}
	if p.value > math.MaxInt64-c.value {
		return p, ErrBalanceOverflow
	}
	return PendingBalance{value: p.value + c.value}, nil
}

// Sub returns p - c. Releasing more than is held means the orchestration is broken.
func (p PendingBalance) Sub(c BalanceChange) (PendingBalance, error) {
	if err := c.validate(); err != nil {
		return p, err
	}
	if p.value < c.value {
		return p, ErrPendingBalanceInsufficient
	}
	return PendingBalance{value: p.value - c.value}, nil
}

// BalanceChange is the strictly positive amount of a single movement.
type BalanceChange struct {
	value int64
}

// NewBalanceChange validates v as a movement amount.
func NewBalanceChange(v int64) (BalanceChange, error) {
	if v <= 0 {
		return BalanceChange{}, ErrNonPositiveBalanceChange
	}
	return BalanceChange{value: v}, nil
}

func (c BalanceChange) Int64() int64 { return c.value }

// validate catches zero values declared without NewBalanceChange.
func (c BalanceChange) validate() error {
	if c.value <= 0 {
		return ErrNonPositiveBalanceChange
	}
	return nil
}
