/**
 * @description
 * Transfer decision engine. A transfer between accounts of different owners whose
 * amount reaches LargeTransferThreshold is held: the amount is moved into the
 * sender's pending balance until a reviewer approves or rejects it. Every other
 * transfer settles immediately.
 */

package domain

// LargeTransferThreshold is the smallest amount, in minor units, that requires approval
// when sender and recipient belong to different members.
const LargeTransferThreshold int64 = 1_000_000

// Transfer is a requested movement of Amount from one account to another.
type Transfer struct {
	from   Account
	to     Account
	amount BalanceChange
}

func NewTransfer(from, to Account, amount BalanceChange) (Transfer, error) {
	if from.ID == to.ID {
		return Transfer{}, ErrSameAccountTransfer
	}
	if err := amount.validate(); err != nil {
		return Transfer{}, err
	}
	return Transfer{from: from, to: to, amount: amount}, nil
}

func (t Transfer) From() Account         { return t.from }
func (t Transfer) To() Account           { return t.to }
func (t Transfer) Amount() BalanceChange { return t.amount }

// PendingRequired reports whether the transfer must wait for approval. It depends only on
// the two owners and the amount.
func (t Transfer) PendingRequired() bool {
	return isLargeTransfer(t.from.Owner, t.to.Owner, t.amount)
}

func isLargeTransfer(fromOwner, toOwner MemberID, amount BalanceChange) bool {
	return fromOwner != toOwner && amount.Int64() >= LargeTransferThreshold
}

// Execute applies the transfer. Held transfers only touch the sender.
func (t Transfer) Execute() (TransferResult, error) {
	if t.PendingRequired() {
		from, err := t.from.Pend(t.amount)
		if err != nil {
			return nil, err
		}
		return PendingTransfer{FromAccount: from, ToAccount: t.to, Amount: t.amount}, nil
	}

	from, err := t.from.Withdraw(t.amount)
	if err != nil {
		return nil, err
	}
	to, err := t.to.Deposit(t.amount)
	if err != nil {
		return nil, err
	}
	return CompletedTransfer{FromAccount: from, ToAccount: to}, nil
}

// TransferResult is either a CompletedTransfer or a PendingTransfer.
type TransferResult interface {
	Accounts() (from, to Account)
	transferResult()
}

// CompletedTransfer carries the final account snapshots of a settled transfer.
type CompletedTransfer struct {
	FromAccount Account
	ToAccount   Account
}

func (c CompletedTransfer) Accounts() (Account, Account) { return c.FromAccount, c.ToAccount }
func (CompletedTransfer) transferResult()                {}

// PendingTransfer is a held transfer. FromAccount already carries Amount in its pending balance.
type PendingTransfer struct {
	FromAccount Account
	ToAccount   Account
	Amount      BalanceChange
}

func (p PendingTransfer) Accounts() (Account, Account) { return p.FromAccount, p.ToAccount }
func (PendingTransfer) transferResult()                {}

// ResumePendingTransfer rebuilds a held transfer from freshly loaded accounts.
func ResumePendingTransfer(from, to Account, amount BalanceChange) (PendingTransfer, error) {
	if from.ID == to.ID {
		return PendingTransfer{}, ErrSameAccountTransfer
	}
	if err := amount.validate(); err != nil {
		return PendingTransfer{}, err
	}
	return PendingTransfer{FromAccount: from, ToAccount: to, Amount: amount}, nil
}

// Approve settles the held amount: it is released and then withdrawn from the sender, and
// deposited to the recipient.
func (p PendingTransfer) Approve() (CompletedTransfer, error) {
	from, err := p.FromAccount.Release(p.Amount)
	if err != nil {
		return CompletedTransfer{}, err
	}
	from, err = from.Withdraw(p.Amount)
	if err != nil {
		return CompletedTransfer{}, err
	}
	to, err := p.ToAccount.Deposit(p.Amount)
	if err != nil {
		return CompletedTransfer{}, err
	}
	return CompletedTransfer{FromAccount: from, ToAccount: to}, nil
}

// Reject returns the held amount to the sender. The recipient is unchanged.
func (p PendingTransfer) Reject() (CompletedTransfer, error) {
	from, err := p.FromAccount.Release(p.Amount)
	if err != nil {
		return CompletedTransfer{}, err
	}
	return CompletedTransfer{FromAccount: from, ToAccount: p.ToAccount}, nil
}
