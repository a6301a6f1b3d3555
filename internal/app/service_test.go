package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
	"github.com/transfa/ledger-service/internal/domain"
	"github.com/transfa/ledger-service/internal/store"
)

type memberContextKey struct{}

// contextPrincipals reads the member from the context, the way the HTTP adapter does.
type contextPrincipals struct {
	reviewers map[string]bool
}

func (p contextPrincipals) CurrentMember(ctx context.Context) (domain.MemberID, error) {
	member, ok := ctx.Value(memberContextKey{}).(domain.MemberID)
	if !ok {
		return domain.MemberID{}, domain.ErrUnauthenticated
	}
	return member, nil
}

func (p contextPrincipals) HasAuthority(ctx context.Context, authority string) bool {
	member, ok := ctx.Value(memberContextKey{}).(domain.MemberID)
	return ok && authority == AuthorityReviewer && p.reviewers[member.String()]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

type serviceFixture struct {
	store   *store.MemoryStore
	service *Service
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	st := store.NewMemoryStore()
	svc := NewService(st, contextPrincipals{reviewers: map[string]bool{"reviewer1": true}}, testLogger(),
		WithRetryPolicy(DefaultRetryMaxAttempts, noWait),
		WithClock(func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }),
	)
	return serviceFixture{store: st, service: svc}
}

func as(t *testing.T, raw string) context.Context {
	t.Helper()
	member, err := domain.ParseMemberID(raw)
	require.NoError(t, err)
	return context.WithValue(context.Background(), memberContextKey{}, member)
}

func change(t *testing.T, v int64) domain.BalanceChange {
	t.Helper()
	c, err := domain.NewBalanceChange(v)
	require.NoError(t, err)
	return c
}

// fundedAccount opens an account for owner and deposits balance into it.
func (f serviceFixture) fundedAccount(t *testing.T, owner string, balance int64) domain.Account {
	t.Helper()
	ctx := as(t, owner)
	account, err := f.service.OpenAccount(ctx)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.service.Deposit(ctx, account.ID, change(t, balance))
		require.NoError(t, err)
	}
	account, err = f.service.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	return account
}

func (f serviceFixture) balances(t *testing.T, id domain.AccountID) (int64, int64) {
	t.Helper()
	account, err := f.store.FindAccountByID(context.Background(), id)
	require.NoError(t, err)
	return account.Balance.Int64(), account.PendingBalance.Int64()
}

func TestOpenAccountRequiresPrincipal(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.OpenAccount(context.Background())
	require.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newServiceFixture(t)
	ctx := as(t, "alice01")
	account := f.fundedAccount(t, "alice01", 0)

	deposited, err := f.service.Deposit(ctx, account.ID, change(t, 500))
	require.NoError(t, err)
	require.Equal(t, int64(500), deposited.Balance.Int64())
	require.False(t, deposited.EventID.IsZero())

	withdrew, err := f.service.Withdraw(ctx, account.ID, change(t, 200))
	require.NoError(t, err)
	require.Equal(t, int64(300), withdrew.Balance.Int64())

	_, err = f.service.Withdraw(ctx, account.ID, change(t, 301))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	events, err := f.store.FindNotPublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.EventTypeDeposit, events[0].Type())
	require.Equal(t, domain.EventTypeWithdraw, events[1].Type())
	require.Equal(t, "alice01", events[1].Header().IssuedBy.String())
}

func TestOperationsRejectForeignAccounts(t *testing.T) {
	f := newServiceFixture(t)
	account := f.fundedAccount(t, "alice01", 100)
	bob := as(t, "bob0001")

	_, err := f.service.Deposit(bob, account.ID, change(t, 1))
	require.ErrorIs(t, err, domain.ErrAccountNotOwned)
	_, err = f.service.Withdraw(bob, account.ID, change(t, 1))
	require.ErrorIs(t, err, domain.ErrAccountNotOwned)
	_, err = f.service.GetAccount(bob, account.ID)
	require.ErrorIs(t, err, domain.ErrAccountNotOwned)
	require.ErrorIs(t, f.service.CloseAccount(bob, account.ID), domain.ErrAccountNotOwned)

	other := f.fundedAccount(t, "bob0001", 0)
	_, err = f.service.Transfer(bob, account.ID, other.ID, change(t, 1))
	require.ErrorIs(t, err, domain.ErrAccountNotOwned)
}

func TestListAccountsReturnsOnlyOpenCallerAccounts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := as(t, "alice01")
	first := f.fundedAccount(t, "alice01", 0)
	f.fundedAccount(t, "alice01", 10)
	f.fundedAccount(t, "bob0001", 10)

	require.NoError(t, f.service.CloseAccount(ctx, first.ID))

	accounts, err := f.service.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, int64(10), accounts[0].Balance.Int64())
}

func TestCloseAccountRequiresZeroBalances(t *testing.T) {
	f := newServiceFixture(t)
	ctx := as(t, "alice01")
	funded := f.fundedAccount(t, "alice01", 1)
	require.ErrorIs(t, f.service.CloseAccount(ctx, funded.ID), domain.ErrBalanceNotZero)

	holder := f.fundedAccount(t, "alice01", 1_000_000)
	recipient := f.fundedAccount(t, "bob0001", 0)
	outcome, err := f.service.Transfer(ctx, holder.ID, recipient.ID, change(t, 1_000_000))
	require.NoError(t, err)
	require.True(t, outcome.Pending)
	require.ErrorIs(t, f.service.CloseAccount(ctx, holder.ID), domain.ErrPendingTransferOutstanding)

	empty := f.fundedAccount(t, "alice01", 0)
	require.NoError(t, f.service.CloseAccount(ctx, empty.ID))
	_, err = f.service.GetAccount(ctx, empty.ID)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = f.service.Deposit(ctx, empty.ID, change(t, 1))
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTransferSameOwnerCompletes(t *testing.T) {
	f := newServiceFixture(t)
	ctx := as(t, "alice01")
	from := f.fundedAccount(t, "alice01", 3_000_000)
	to := f.fundedAccount(t, "alice01", 0)

	outcome, err := f.service.Transfer(ctx, from.ID, to.ID, change(t, 1_000_000))
	require.NoError(t, err)
	require.False(t, outcome.Pending)

	fromBalance, _ := f.balances(t, from.ID)
	toBalance, _ := f.balances(t, to.ID)
	require.Equal(t, int64(2_000_000), fromBalance)
	require.Equal(t, int64(1_000_000), toBalance)

	status, err := f.service.CheckTransferStatus(ctx, outcome.EventID)
	require.NoError(t, err)
	require.Equal(t, TransferStateAccepted, status.State)
}

func TestTransferBelowThresholdCompletes(t *testing.T) {
	f := newServiceFixture(t)
	ctx := as(t, "alice01")
	from := f.fundedAccount(t, "alice01", 3_000_000)
	to := f.fundedAccount(t, "bob0001", 0)

	outcome, err := f.service.Transfer(ctx, from.ID, to.ID, change(t, 999_999))
	require.NoError(t, err)
	require.False(t, outcome.Pending)

	fromBalance, _ := f.balances(t, from.ID)
	toBalance, _ := f.balances(t, to.ID)
	require.Equal(t, int64(2_000_001), fromBalance)
	require.Equal(t, int64(999_999), toBalance)
}

func TestLargeTransferHeldThenApproved(t *testing.T) {
	f := newServiceFixture(t)
	alice := as(t, "alice01")
	from := f.fundedAccount(t, "alice01", 3_000_000)
	to := f.fundedAccount(t, "bob0001", 0)

	outcome, err := f.service.Transfer(alice, from.ID, to.ID, change(t, 1_000_000))
	require.NoError(t, err)
	require.True(t, outcome.Pending)

	fromBalance, fromPending := f.balances(t, from.ID)
	toBalance, _ := f.balances(t, to.ID)
	require.Equal(t, int64(2_000_000), fromBalance)
	require.Equal(t, int64(1_000_000), fromPending)
	require.Equal(t, int64(0), toBalance)

	status, err := f.service.CheckTransferStatus(alice, outcome.EventID)
	require.NoError(t, err)
	require.Equal(t, TransferStatePending, status.State)

	_, err = f.service.ResolvePendingTransfer(as(t, "bob0001"), outcome.EventID, TransferDecision{Approve: true})
	require.ErrorIs(t, err, domain.ErrForbidden)

	resolved, err := f.service.ResolvePendingTransfer(as(t, "reviewer1"), outcome.EventID, TransferDecision{Approve: true})
	require.NoError(t, err)
	require.False(t, resolved.Pending)

	fromBalance, fromPending = f.balances(t, from.ID)
	toBalance, _ = f.balances(t, to.ID)
	require.Equal(t, int64(2_000_000), fromBalance)
	require.Equal(t, int64(0), fromPending)
	require.Equal(t, int64(1_000_000), toBalance)

	status, err = f.service.CheckTransferStatus(alice, outcome.EventID)
	require.NoError(t, err)
	require.Equal(t, TransferStateAccepted, status.State)

	_, err = f.service.ResolvePendingTransfer(as(t, "reviewer1"), outcome.EventID, TransferDecision{Approve: false})
	require.ErrorIs(t, err, domain.ErrTransferAlreadyResolved)
}

func TestLargeTransferRejected(t *testing.T) {
	f := newServiceFixture(t)
	alice := as(t, "alice01")
	from := f.fundedAccount(t, "alice01", 3_000_000)
	to := f.fundedAccount(t, "bob0001", 0)

	outcome, err := f.service.Transfer(alice, from.ID, to.ID, change(t, 1_000_000))
	require.NoError(t, err)

	_, err = f.service.ResolvePendingTransfer(as(t, "reviewer1"), outcome.EventID, TransferDecision{Reason: "suspicious"})
	require.NoError(t, err)

	fromBalance, fromPending := f.balances(t, from.ID)
	toBalance, _ := f.balances(t, to.ID)
	require.Equal(t, int64(3_000_000), fromBalance)
	require.Equal(t, int64(0), fromPending)
	require.Equal(t, int64(0), toBalance)

	status, err := f.service.CheckTransferStatus(alice, outcome.EventID)
	require.NoError(t, err)
	require.Equal(t, TransferStateRejected, status.State)
	require.Equal(t, "suspicious", status.Reason)
}

func TestCheckTransferStatusErrors(t *testing.T) {
	f := newServiceFixture(t)
	alice := as(t, "alice01")
	account := f.fundedAccount(t, "alice01", 0)

	deposit, err := f.service.Deposit(alice, account.ID, change(t, 5))
	require.NoError(t, err)

	_, err = f.service.CheckTransferStatus(alice, deposit.EventID)
	require.ErrorIs(t, err, domain.ErrEventNotTransfer)

	_, err = f.service.CheckTransferStatus(as(t, "bob0001"), deposit.EventID)
	require.ErrorIs(t, err, domain.ErrAccountNotOwned)

	_, err = f.service.CheckTransferStatus(alice, domain.NewEventID())
	require.ErrorIs(t, err, domain.ErrEventNotFound)

	_, err = f.service.ResolvePendingTransfer(as(t, "reviewer1"), deposit.EventID, TransferDecision{Approve: true})
	require.ErrorIs(t, err, domain.ErrTransferNotPending)
}

func TestTransferRejectsSameAccountAndMissingRecipient(t *testing.T) {
	f := newServiceFixture(t)
	ctx := as(t, "alice01")
	account := f.fundedAccount(t, "alice01", 10)

	_, err := f.service.Transfer(ctx, account.ID, account.ID, change(t, 1))
	require.ErrorIs(t, err, domain.ErrSameAccountTransfer)

	_, err = f.service.Transfer(ctx, account.ID, domain.NewAccountID(), change(t, 1))
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newServiceFixture(t)
		ctx := as(t, "alice01")
		account := f.fundedAccount(t, "alice01", 100)

		var (
			wg      sync.WaitGroup
			start   = make(chan struct{})
			results = make([]error, 2)
		)
		for i, amount := range []int64{60, 70} {
			wg.Add(1)
			go func(i int, amount int64) {
				defer wg.Done()
				<-start
				_, results[i] = f.service.Withdraw(ctx, account.ID, change(t, amount))
			}(i, amount)
		}
		close(start)
		wg.Wait()

		successes := 0
		for _, err := range results {
			if err == nil {
				successes++
				continue
			}
			if !errors.Is(err, domain.ErrInsufficientBalance) && !errors.Is(err, domain.ErrConcurrentModification) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.Equal(t, 1, successes, "round %d", round)

		balance, _ := f.balances(t, account.ID)
		require.True(t, balance == 40 || balance == 30, "unexpected balance %d", balance)
	}
}

// conflictingStore fails the first UpdateAccount calls with a concurrency conflict.
type conflictingStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictingStore) UpdateAccount(ctx context.Context, account domain.Account) (domain.Account, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.conflicts
	s.mu.Unlock()
	if fail {
		return domain.Account{}, domain.ErrConcurrentModification
	}
	return s.Store.UpdateAccount(ctx, account)
}

func TestConflictsAreRetried(t *testing.T) {
	base := newServiceFixture(t)
	account := base.fundedAccount(t, "alice01", 100)

	st := &conflictingStore{Store: base.store, conflicts: 2}
	svc := NewService(st, contextPrincipals{}, testLogger(), WithRetryPolicy(3, noWait))

	result, err := svc.Withdraw(as(t, "alice01"), account.ID, change(t, 10))
	require.NoError(t, err)
	require.Equal(t, int64(90), result.Balance.Int64())
	require.Equal(t, 3, st.calls)
}

func TestConflictSurfacesWhenRetriesExhausted(t *testing.T) {
	base := newServiceFixture(t)
	account := base.fundedAccount(t, "alice01", 100)

	st := &conflictingStore{Store: base.store, conflicts: 10}
	svc := NewService(st, contextPrincipals{}, testLogger(), WithRetryPolicy(3, noWait))

	_, err := svc.Withdraw(as(t, "alice01"), account.ID, change(t, 10))
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	require.Equal(t, domain.KindConflict, domain.KindOf(err))
	require.Equal(t, 3, st.calls)

	balance, _ := base.balances(t, account.ID)
	require.Equal(t, int64(100), balance)
}

func TestUserFaultsAreNotRetried(t *testing.T) {
	base := newServiceFixture(t)
	account := base.fundedAccount(t, "alice01", 5)

	st := &conflictingStore{Store: base.store}
	svc := NewService(st, contextPrincipals{}, testLogger(), WithRetryPolicy(5, noWait))

	_, err := svc.Withdraw(as(t, "alice01"), account.ID, change(t, 10))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.Equal(t, 0, st.calls)
}

func TestCheckTransferStatusReportsBrokenChainAsInternal(t *testing.T) {
	f := newServiceFixture(t)
	alice := as(t, "alice01")
	member, err := domain.ParseMemberID("alice01")
	require.NoError(t, err)

	attempt := domain.NewTransferAttemptedEvent(domain.NewAccountID(), domain.NewAccountID(), change(t, 1_000_000), member, time.Now())
	dangling, err := attempt.Resolve(domain.NewEventID())
	require.NoError(t, err)
	require.NoError(t, f.store.InsertEvent(context.Background(), dangling))

	_, err = f.service.CheckTransferStatus(alice, dangling.ID)
	require.ErrorIs(t, err, domain.ErrBrokenTransferChain)
	require.NotErrorIs(t, err, domain.ErrEventNotFound)
	require.Equal(t, domain.KindInternal, domain.KindOf(err))
	require.Nil(t, domain.Public(err))
}

func TestConcurrentResolutionsSettleOnce(t *testing.T) {
	decisions := map[string][2]TransferDecision{
		"approve racing approve": {{Approve: true}, {Approve: true}},
		"approve racing reject":  {{Approve: true}, {Reason: "duplicate review"}},
		"reject racing reject":   {{Reason: "first"}, {Reason: "second"}},
	}

	for name, pair := range decisions {
		t.Run(name, func(t *testing.T) {
			for round := 0; round < 20; round++ {
				f := newServiceFixture(t)
				alice := as(t, "alice01")
				reviewer := as(t, "reviewer1")
				from := f.fundedAccount(t, "alice01", 3_000_000)
				to := f.fundedAccount(t, "bob0001", 0)

				held, err := f.service.Transfer(alice, from.ID, to.ID, change(t, 1_000_000))
				require.NoError(t, err)
				require.True(t, held.Pending)

				var (
					wg      sync.WaitGroup
					start   = make(chan struct{})
					results = make([]error, 2)
				)
				for i, decision := range pair {
					wg.Add(1)
					go func(i int, decision TransferDecision) {
						defer wg.Done()
						<-start
						_, results[i] = f.service.ResolvePendingTransfer(reviewer, held.EventID, decision)
					}(i, decision)
				}
				close(start)
				wg.Wait()

				successes := 0
				for _, err := range results {
					if err == nil {
						successes++
						continue
					}
					require.ErrorIs(t, err, domain.ErrTransferAlreadyResolved, "round %d", round)
				}
				require.Equal(t, 1, successes, "round %d", round)

				status, err := f.service.CheckTransferStatus(alice, held.EventID)
				require.NoError(t, err)

				fromBalance, fromPending := f.balances(t, from.ID)
				toBalance, _ := f.balances(t, to.ID)
				require.Equal(t, int64(0), fromPending)
				switch status.State {
				case TransferStateAccepted:
					require.Equal(t, int64(2_000_000), fromBalance)
					require.Equal(t, int64(1_000_000), toBalance)
				case TransferStateRejected:
					require.Equal(t, int64(3_000_000), fromBalance)
					require.Equal(t, int64(0), toBalance)
				default:
					t.Fatalf("round %d: transfer still %s after resolution", round, status.State)
				}
			}
		})
	}
}
