package domain

// Account is a monetary account owned by a single member. Operations never mutate the
// receiver; each returns the next snapshot, and the store persists it against Version.
type Account struct {
	ID             AccountID
	Owner          MemberID
	Balance        Balance
	PendingBalance PendingBalance
	Version        int64
}

// OpenAccount returns a new empty account for owner.
func OpenAccount(owner MemberID) Account {
	return Account{
		ID:    NewAccountID(),
		Owner: owner,
	}
}

// RestoreAccount rebuilds an account from persisted fields.
func RestoreAccount(id AccountID, owner MemberID, balance, pending, version int64) (Account, error) {
	b, err := NewBalance(balance)
	if err != nil {
		return Account{}, err
	}
	p, err := NewPendingBalance(pending)
	if err != nil {
		return Account{}, err
	}
	return Account{
		ID:             id,
		Owner:          owner,
		Balance:        b,
		PendingBalance: p,
		Version:        version,
	}, nil
}

func (a Account) Deposit(c BalanceChange) (Account, error) {
	next, err := a.Balance.Add(c)
	if err != nil {
		return a, err
	}
	a.Balance = next
	return a, nil
}

func (a Account) Withdraw(c BalanceChange) (Account, error) {
	next, err := a.Balance.Sub(c)
	if err != nil {
		return a, err
	}
	a.Balance = next
	return a, nil
}

// Pend moves c from the spendable balance into the pending balance.
func (a Account) Pend(c BalanceChange) (Account, error) {
	balance, err := a.Balance.Sub(c)
	if err != nil {
		return a, err
	}
	pending, err := a.PendingBalance.Add(c)
	if err != nil {
		return a, err
	}
	a.Balance = balance
	a.PendingBalance = pending
	return a, nil
}

// Release moves c from the pending balance back into the spendable balance.
func (a Account) Release(c BalanceChange) (Account, error) {
	pending, err := a.PendingBalance.Sub(c)
	if err != nil {
		return a, err
	}
	balance, err := a.Balance.Add(c)
	if err != nil {
		return a, err
	}
	a.Balance = balance
	a.PendingBalance = pending
	return a, nil
}

func (a Account) OwnedBy(member MemberID) bool {
	return a.Owner == member
}

// IsEmpty reports whether both balances are zero.
func (a Account) IsEmpty() bool {
	return a.Balance.IsZero() && a.PendingBalance.IsZero()
}
