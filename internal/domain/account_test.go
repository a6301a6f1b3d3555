package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustMember(t *testing.T, s string) MemberID {
	t.Helper()
	m, err := ParseMemberID(s)
	require.NoError(t, err)
	return m
}

func accountWith(t *testing.T, owner string, balance int64) Account {
	t.Helper()
	a := OpenAccount(mustMember(t, owner))
	a.Balance = mustBalance(t, balance)
	return a
}

func TestOpenAccountStartsEmpty(t *testing.T) {
	a := OpenAccount(mustMember(t, "alice01"))
	require.False(t, a.ID.IsZero())
	require.True(t, a.IsEmpty())
	require.Equal(t, int64(0), a.Version)
	require.True(t, a.OwnedBy(mustMember(t, "alice01")))
	require.False(t, a.OwnedBy(mustMember(t, "bob0001")))
}

func TestAccountOperationsDoNotMutateReceiver(t *testing.T) {
	a := accountWith(t, "alice01", 100)

	next, err := a.Deposit(mustChange(t, 50))
	require.NoError(t, err)
	require.Equal(t, int64(150), next.Balance.Int64())
	require.Equal(t, int64(100), a.Balance.Int64())

	next, err = a.Withdraw(mustChange(t, 40))
	require.NoError(t, err)
	require.Equal(t, int64(60), next.Balance.Int64())
	require.Equal(t, int64(100), a.Balance.Int64())
}

func TestAccountWithdrawInsufficient(t *testing.T) {
	a := accountWith(t, "alice01", 100)
	after, err := a.Withdraw(mustChange(t, 101))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, a, after)
}

func TestPendThenReleaseRestoresBalances(t *testing.T) {
	for _, start := range []int64{1, 999_999, 3_000_000} {
		a := accountWith(t, "alice01", start)
		for _, amount := range []int64{1, start / 2, start} {
			if amount <= 0 {
				continue
			}
			c := mustChange(t, amount)
			pended, err := a.Pend(c)
			require.NoError(t, err)
			require.Equal(t, start-amount, pended.Balance.Int64())
			require.Equal(t, amount, pended.PendingBalance.Int64())

			released, err := pended.Release(c)
			require.NoError(t, err)
			require.Equal(t, a.Balance, released.Balance)
			require.Equal(t, a.PendingBalance, released.PendingBalance)
		}
	}
}

func TestPendInsufficientBalance(t *testing.T) {
	a := accountWith(t, "alice01", 10)
	_, err := a.Pend(mustChange(t, 11))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestReleaseMoreThanPendingIsInternal(t *testing.T) {
	a := accountWith(t, "alice01", 10)
	_, err := a.Release(mustChange(t, 1))
	require.ErrorIs(t, err, ErrPendingBalanceInsufficient)
	require.Equal(t, KindInternal, KindOf(err))
}

func TestRestoreAccountValidates(t *testing.T) {
	id := NewAccountID()
	owner := mustMember(t, "alice01")

	a, err := RestoreAccount(id, owner, 10, 5, 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), a.Version)
	require.False(t, a.IsEmpty())

	_, err = RestoreAccount(id, owner, -1, 0, 0)
	require.ErrorIs(t, err, ErrNegativeBalance)
	_, err = RestoreAccount(id, owner, 0, -1, 0)
	require.ErrorIs(t, err, ErrNegativePendingBalance)
}
