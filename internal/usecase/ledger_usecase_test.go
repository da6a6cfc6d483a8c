package usecase_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/iho/minibank/internal/adapter/repository/memory"
	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
	"github.com/iho/minibank/internal/usecase/mocks"
)

func TestLedger_DepositThenStatement(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"A100": 0})
	ctx := context.Background()

	balance, err := uc.Deposit(ctx, "A100", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}

	stmt, err := uc.GetStatement(ctx, "A100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stmt) != 1 || stmt[0].Description() != "Deposit 100" {
		t.Fatalf("unexpected statement: %+v", stmt)
	}
}

func TestLedger_WithdrawInsufficientFunds(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"A100": 100})

	_, err := uc.Withdraw(context.Background(), "A100", 150)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := mustBalance(t, uc, "A100"); got != 100 {
		t.Fatalf("expected balance unchanged at 100, got %d", got)
	}
}

func TestLedger_Transfer(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 500, "BBB": 0})
	ctx := context.Background()

	result, err := uc.Transfer(ctx, "AAA", "BBB", 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SenderBalance != 300 || result.ReceiverID != "BBB" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := mustBalance(t, uc, "AAA"); got != 300 {
		t.Fatalf("expected sender 300, got %d", got)
	}
	if got := mustBalance(t, uc, "BBB"); got != 200 {
		t.Fatalf("expected receiver 200, got %d", got)
	}

	sent, _ := uc.GetStatement(ctx, "AAA")
	if len(sent) != 1 || sent[0].Kind != domain.EntryTransferSent || sent[0].Description() != "Sent 200 to BBB" {
		t.Fatalf("unexpected sender statement: %+v", sent)
	}
	received, _ := uc.GetStatement(ctx, "BBB")
	if len(received) != 1 || received[0].Kind != domain.EntryTransferReceived || received[0].Description() != "Received 200 from AAA" {
		t.Fatalf("unexpected receiver statement: %+v", received)
	}
}

func TestLedger_TransferSameAccount(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 0})

	for _, to := range []string{"AAA", " aaa "} {
		_, err := uc.Transfer(context.Background(), "AAA", to, 100)
		if !errors.Is(err, domain.ErrSameAccount) {
			t.Fatalf("transfer to %q: expected ErrSameAccount, got %v", to, err)
		}
	}
}

func TestLedger_InvalidAmounts(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 50, "BBB": 0})
	ctx := context.Background()

	for _, amount := range []int64{-5, 0} {
		if _, err := uc.Deposit(ctx, "AAA", amount); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Deposit(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := uc.Withdraw(ctx, "AAA", amount); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Withdraw(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := uc.Transfer(ctx, "AAA", "BBB", amount); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Transfer(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}

	if got := mustBalance(t, uc, "AAA"); got != 50 {
		t.Fatalf("expected balance unchanged at 50, got %d", got)
	}
}

func TestLedger_AccountNotFound(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 50})
	ctx := context.Background()

	_, err := uc.GetBalance(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = uc.GetStatement(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = uc.Deposit(ctx, "NOPE", 1)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = uc.Withdraw(ctx, "NOPE", 1)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = uc.Transfer(ctx, "AAA", "NOPE", 1)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	_, err = uc.Transfer(ctx, "NOPE", "AAA", 1)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	assert.Equal(t, int64(50), mustBalance(t, uc, "AAA"))
}

func TestLedger_CanonicalizesIdentifiers(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"ABC123": 0})

	balance, err := uc.Deposit(context.Background(), "  abc123 ", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, int64(10), mustBalance(t, uc, "Abc123"))
}

func TestLedger_ReadsDoNotMutate(t *testing.T) {
	uc, store := newMemoryLedger(t, map[string]int64{"AAA": 10})
	ctx := context.Background()

	before, err := store.Get(ctx, "AAA")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = uc.GetBalance(ctx, "AAA")
		_, _ = uc.GetStatement(ctx, "AAA")
	}

	after, err := store.Get(ctx, "AAA")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Balance, after.Balance)
}

func TestLedger_StatementBound(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 0, "BBB": 0})
	ctx := context.Background()

	for i := int64(1); i <= 8; i++ {
		_, err := uc.Deposit(ctx, "AAA", i)
		require.NoError(t, err)
	}
	_, err := uc.Transfer(ctx, "AAA", "BBB", 3)
	require.NoError(t, err)

	stmt, err := uc.GetStatement(ctx, "AAA")
	require.NoError(t, err)
	require.Len(t, stmt, domain.StatementSize)

	assert.Equal(t, domain.EntryTransferSent, stmt[0].Kind)
	assert.Equal(t, int64(8), stmt[1].Amount)
	assert.Equal(t, int64(5), stmt[4].Amount)
	for i := 1; i < len(stmt); i++ {
		assert.False(t, stmt[i].CreatedAt.After(stmt[i-1].CreatedAt), "statement must be newest first")
	}
}

func TestLedger_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	const (
		balance = int64(1000)
		amount  = int64(70)
		callers = 50
	)
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": balance})

	var succeeded, insufficient atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := uc.Withdraw(context.Background(), "AAA", amount)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got, want := succeeded.Load(), balance/amount; got != want {
		t.Fatalf("expected %d successful withdrawals, got %d", want, got)
	}
	if got := insufficient.Load(); got != callers-balance/amount {
		t.Fatalf("expected %d rejected withdrawals, got %d", callers-balance/amount, got)
	}
	if got := mustBalance(t, uc, "AAA"); got != balance%amount {
		t.Fatalf("expected remaining balance %d, got %d", balance%amount, got)
	}
}

func TestLedger_ConcurrentTransfersDrainingSender(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 300, "BBB": 0})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = uc.Transfer(context.Background(), "AAA", "BBB", 200)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one rejection, got %d and %d", ok, insufficient)
	}

	a, b := mustBalance(t, uc, "AAA"), mustBalance(t, uc, "BBB")
	if a != 100 || b != 200 {
		t.Fatalf("unexpected balances A=%d B=%d", a, b)
	}
}

func TestLedger_ConcurrentTransfersConserveFunds(t *testing.T) {
	ids := []string{"AAA", "BBB", "CCC", "DDD"}
	seed := map[string]int64{"AAA": 400, "BBB": 300, "CCC": 200, "DDD": 100}
	uc, store := newMemoryLedger(t, seed)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := ids[i%len(ids)], ids[(i*7+1)%len(ids)]
			if from == to {
				to = ids[(i+1)%len(ids)]
			}
			_, err := uc.Transfer(context.Background(), from, to, int64(i%90+1))
			if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for _, id := range ids {
		acc, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, acc.Balance, int64(0))
		assert.LessOrEqual(t, len(acc.Entries), domain.StatementSize)
		total += acc.Balance
	}
	assert.Equal(t, int64(1000), total)
}

// vanishingReceiverStore deletes the receiver right after the sender is debited.
type vanishingReceiverStore struct {
	*memory.AccountStore
	receiver string
	once     sync.Once
}

func (s *vanishingReceiverStore) CompareAndApply(
	ctx context.Context,
	id string,
	pre usecase.Precondition,
	mut usecase.Mutation,
) (*domain.Account, error) {
	acc, err := s.AccountStore.CompareAndApply(ctx, id, pre, mut)
	if err == nil && id != s.receiver {
		s.once.Do(func() { _ = s.AccountStore.Delete(ctx, s.receiver) })
	}
	return acc, err
}

func TestLedger_TransferToDeletedReceiverIsReversed(t *testing.T) {
	base := memory.NewAccountStore()
	ctx := context.Background()
	require.NoError(t, base.Create(ctx, &domain.Account{ID: "AAA", Balance: 500}))
	require.NoError(t, base.Create(ctx, &domain.Account{ID: "BBB", Balance: 0}))

	store := &vanishingReceiverStore{AccountStore: base, receiver: "BBB"}
	uc := usecase.NewLedgerUseCase(store, &seqIDGenerator{}, nil, nil, zerolog.Nop())

	_, err := uc.Transfer(ctx, "AAA", "BBB", 200)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Compensated)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	assert.Equal(t, int64(500), mustBalance(t, uc, "AAA"))

	stmt, err := uc.GetStatement(ctx, "AAA")
	require.NoError(t, err)
	require.Len(t, stmt, 2)
	assert.Equal(t, domain.EntryTransferReversed, stmt[0].Kind)
	assert.Equal(t, domain.EntryTransferSent, stmt[1].Kind)
}

var errBackend = errors.New("connection reset by peer")

type ledgerMocks struct {
	store *mocks.MockAccountStore
	idGen *mocks.MockIDGenerator
}

func newMockLedger(t *testing.T) (*usecase.LedgerUseCase, ledgerMocks) {
	ctrl := gomock.NewController(t)
	m := ledgerMocks{
		store: mocks.NewMockAccountStore(ctrl),
		idGen: mocks.NewMockIDGenerator(ctrl),
	}
	m.idGen.EXPECT().Generate().Return("op-1").AnyTimes()
	return usecase.NewLedgerUseCase(m.store, m.idGen, nil, nil, zerolog.Nop()), m
}

func withEntry(acc *domain.Account, id string, kind domain.EntryKind) *domain.Account {
	cp := acc.Clone()
	cp.Record(domain.Entry{ID: id, Kind: kind, Amount: 200})
	return cp
}

func TestLedger_DepositStoreFailureOutcome(t *testing.T) {
	fresh := &domain.Account{ID: "AAA", Balance: 0}

	t.Run("write did not land", func(t *testing.T) {
		uc, m := newMockLedger(t)
		gomock.InOrder(
			m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend).Times(1),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(fresh, nil).Times(1),
		)

		_, err := uc.Deposit(context.Background(), "AAA", 10)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.ErrorIs(t, err, errBackend)
		assert.NotErrorIs(t, err, domain.ErrOutcomeUnknown)
	})

	t.Run("write landed despite error", func(t *testing.T) {
		uc, m := newMockLedger(t)
		landed := withEntry(&domain.Account{ID: "AAA", Balance: 200}, "op-1", domain.EntryDeposit)
		gomock.InOrder(
			m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend).Times(1),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(landed, nil).Times(1),
		)

		balance, err := uc.Deposit(context.Background(), "AAA", 200)
		require.NoError(t, err)
		assert.Equal(t, int64(200), balance)
	})

	t.Run("outcome unknown", func(t *testing.T) {
		uc, m := newMockLedger(t)
		gomock.InOrder(
			m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend).Times(1),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(nil, errBackend).MinTimes(1),
		)

		_, err := uc.Deposit(context.Background(), "AAA", 10)
		assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
		assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestLedger_WithdrawLandedDespiteError(t *testing.T) {
	uc, m := newMockLedger(t)
	landed := withEntry(&domain.Account{ID: "AAA", Balance: 300}, "op-1", domain.EntryWithdraw)
	gomock.InOrder(
		m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend).Times(1),
		m.store.EXPECT().Get(gomock.Any(), "AAA").Return(landed, nil).Times(1),
	)

	balance, err := uc.Withdraw(context.Background(), "AAA", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
}

func TestLedger_DepositBalanceLimit(t *testing.T) {
	start := math.MaxInt64 - domain.MaxAmount + 1
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": start})

	_, err := uc.Deposit(context.Background(), "AAA", domain.MaxAmount)
	require.ErrorIs(t, err, domain.ErrBalanceLimit)
	assert.Equal(t, start, mustBalance(t, uc, "AAA"))

	balance, err := uc.Deposit(context.Background(), "AAA", domain.MaxAmount-1)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), balance)

	_, err = uc.Deposit(context.Background(), "AAA", 1)
	require.ErrorIs(t, err, domain.ErrBalanceLimit)
	assert.Equal(t, int64(math.MaxInt64), mustBalance(t, uc, "AAA"))
}

func TestLedger_TransferBalanceLimit(t *testing.T) {
	uc, _ := newMemoryLedger(t, map[string]int64{"AAA": 500, "BBB": math.MaxInt64 - 100})

	_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
	require.ErrorIs(t, err, domain.ErrBalanceLimit)
	assert.NotErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, int64(500), mustBalance(t, uc, "AAA"))
	assert.Equal(t, int64(math.MaxInt64-100), mustBalance(t, uc, "BBB"))
}

func TestLedger_TransferCreditOverLimitIsReversed(t *testing.T) {
	uc, m := newMockLedger(t)
	sender := &domain.Account{ID: "AAA", Balance: 500}
	receiver := &domain.Account{ID: "BBB", Balance: 0}
	full := &domain.Account{ID: "BBB", Balance: math.MaxInt64}
	debited := withEntry(&domain.Account{ID: "AAA", Balance: 300}, "op-1", domain.EntryTransferSent)

	gomock.InOrder(
		m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil),
		m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil),
		m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(debited, nil),
		// a concurrent deposit filled the receiver after the read-only checks
		m.store.EXPECT().CompareAndApply(gomock.Any(), "BBB", gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, pre usecase.Precondition, _ usecase.Mutation) (*domain.Account, error) {
				if pre(full) {
					t.Error("credit precondition must reject a balance overflow")
				}
				return nil, domain.ErrPreconditionFailed
			}).Times(1),
		m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(sender, nil).Times(1),
	)

	_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
	var te *domain.TransferError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Compensated)
	assert.ErrorIs(t, err, domain.ErrBalanceLimit)
}

func TestLedger_TransferDebitOutcome(t *testing.T) {
	sender := &domain.Account{ID: "AAA", Balance: 500}
	receiver := &domain.Account{ID: "BBB", Balance: 0}

	t.Run("debit did not land", func(t *testing.T) {
		uc, m := newMockLedger(t)
		gomock.InOrder(
			m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil),
			m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil),
		)

		_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.NotErrorIs(t, err, domain.ErrTransferFailed)
	})

	t.Run("debit landed despite error", func(t *testing.T) {
		uc, m := newMockLedger(t)
		debited := withEntry(&domain.Account{ID: "AAA", Balance: 300}, "op-1", domain.EntryTransferSent)
		gomock.InOrder(
			m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil),
			m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(debited, nil),
			m.store.EXPECT().CompareAndApply(gomock.Any(), "BBB", gomock.Any(), gomock.Any()).Return(&domain.Account{ID: "BBB", Balance: 200}, nil),
		)

		result, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
		require.NoError(t, err)
		assert.Equal(t, int64(300), result.SenderBalance)
		assert.Equal(t, "op-1", result.OperationID)
	})

	t.Run("debit outcome unknown", func(t *testing.T) {
		uc, m := newMockLedger(t)
		gomock.InOrder(
			m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil),
			m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend),
			m.store.EXPECT().Get(gomock.Any(), "AAA").Return(nil, errBackend).MinTimes(1),
		)

		_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
		var te *domain.TransferError
		require.ErrorAs(t, err, &te)
		assert.False(t, te.Compensated)
	})
}

func TestLedger_TransferCreditFailure(t *testing.T) {
	sender := &domain.Account{ID: "AAA", Balance: 500}
	receiver := &domain.Account{ID: "BBB", Balance: 0}
	debited := withEntry(&domain.Account{ID: "AAA", Balance: 300}, "op-1", domain.EntryTransferSent)

	expectDebit := func(m ledgerMocks) {
		m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil).Times(1)
		m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil).Times(1)
		m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(debited, nil).Times(1)
	}

	t.Run("credit not applied, debit reversed", func(t *testing.T) {
		uc, m := newMockLedger(t)
		expectDebit(m)
		m.store.EXPECT().CompareAndApply(gomock.Any(), "BBB", gomock.Any(), gomock.Any()).Return(nil, errBackend).MinTimes(1)
		m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil).Times(1)
		m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(sender, nil).Times(1)

		_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
		var te *domain.TransferError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Compensated)
		assert.Equal(t, "op-1", te.OperationID)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})

	t.Run("credit landed despite error", func(t *testing.T) {
		uc, m := newMockLedger(t)
		expectDebit(m)
		m.store.EXPECT().CompareAndApply(gomock.Any(), "BBB", gomock.Any(), gomock.Any()).Return(nil, errBackend).MinTimes(1)
		m.store.EXPECT().Get(gomock.Any(), "BBB").Return(withEntry(receiver, "op-1", domain.EntryTransferReceived), nil).Times(1)

		result, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
		require.NoError(t, err)
		assert.Equal(t, int64(300), result.SenderBalance)
	})

	t.Run("reversal fails", func(t *testing.T) {
		uc, m := newMockLedger(t)
		expectDebit(m)
		m.store.EXPECT().CompareAndApply(gomock.Any(), "BBB", gomock.Any(), gomock.Any()).Return(nil, domain.ErrAccountNotFound).Times(1)
		m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(nil, errBackend).MinTimes(1)

		_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
		var te *domain.TransferError
		require.ErrorAs(t, err, &te)
		assert.False(t, te.Compensated)
		assert.Equal(t, "Transfer could not be completed; our team has been notified", domain.UserMessage(err))
	})
}

func TestLedger_CreditIsIdempotent(t *testing.T) {
	uc, m := newMockLedger(t)
	sender := &domain.Account{ID: "AAA", Balance: 500}
	receiver := &domain.Account{ID: "BBB", Balance: 0}
	debited := withEntry(&domain.Account{ID: "AAA", Balance: 300}, "op-1", domain.EntryTransferSent)

	m.store.EXPECT().Get(gomock.Any(), "BBB").Return(receiver, nil)
	m.store.EXPECT().Get(gomock.Any(), "AAA").Return(sender, nil)
	m.store.EXPECT().CompareAndApply(gomock.Any(), "AAA", gomock.Any(), gomock.Any()).Return(debited, nil)
	m.store.EXPECT().CompareAndApply(gomock.Any(), "BBB", gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, pre usecase.Precondition, _ usecase.Mutation) (*domain.Account, error) {
			already := withEntry(receiver, "op-1", domain.EntryTransferReceived)
			if pre(already) {
				t.Error("credit precondition must reject an already recorded operation")
			}
			if !pre(receiver) {
				t.Error("credit precondition must accept a fresh receiver")
			}
			return nil, domain.ErrPreconditionFailed
		})

	_, err := uc.Transfer(context.Background(), "AAA", "BBB", 200)
	assert.NoError(t, err)
}

func TestLedger_PublishesEventsAndMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockEventPublisher(ctrl)
	metrics := mocks.NewMockLedgerMetrics(ctrl)

	store := memory.NewAccountStore()
	require.NoError(t, store.Create(context.Background(), &domain.Account{ID: "AAA"}))
	uc := usecase.NewLedgerUseCase(store, &seqIDGenerator{}, publisher, metrics, zerolog.Nop())

	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event *domain.LedgerEvent) error {
			assert.Equal(t, domain.EventTypeDeposit, event.Type)
			assert.Equal(t, "AAA", event.AccountID)
			assert.Equal(t, int64(25), event.Balance)
			return errors.New("broker down")
		})
	metrics.EXPECT().ObserveOperation(usecase.OpDeposit, nil, gomock.Any())
	metrics.EXPECT().ObserveOperation(usecase.OpWithdraw, domain.ErrInsufficientFunds, gomock.Any())

	balance, err := uc.Deposit(context.Background(), "AAA", 25)
	require.NoError(t, err, "publish failures must not fail the operation")
	assert.Equal(t, int64(25), balance)

	_, err = uc.Withdraw(context.Background(), "AAA", 100)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}
