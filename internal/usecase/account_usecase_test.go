package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/mock/gomock"

	"github.com/iho/minibank/internal/adapter/repository/memory"
	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
	"github.com/iho/minibank/internal/usecase/mocks"
)

func newAccountUseCase() (*usecase.AccountUseCase, *memory.AccountStore) {
	store := memory.NewAccountStore()
	return usecase.NewAccountUseCase(store, &seqIDGenerator{}, nil, zerolog.Nop()), store
}

func TestAccountUseCase_OpenAccount(t *testing.T) {
	tests := []struct {
		name        string
		input       usecase.OpenAccountInput
		expectedErr error
	}{
		{
			name:  "successful account opening",
			input: usecase.OpenAccountInput{AccountID: " abc123 ", Name: "Asha Rao", PIN: "1234", InitialBalance: 500},
		},
		{
			name:        "invalid account number",
			input:       usecase.OpenAccountInput{AccountID: "a-1", Name: "Asha", PIN: "1234"},
			expectedErr: domain.ErrInvalidAccountID,
		},
		{
			name:        "empty name",
			input:       usecase.OpenAccountInput{AccountID: "ABC123", Name: " ", PIN: "1234"},
			expectedErr: domain.ErrInvalidAccountName,
		},
		{
			name:        "short PIN",
			input:       usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "12"},
			expectedErr: domain.ErrInvalidPIN,
		},
		{
			name:        "negative initial balance",
			input:       usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "1234", InitialBalance: -1},
			expectedErr: domain.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc, _ := newAccountUseCase()
			account, err := uc.OpenAccount(context.Background(), tt.input)

			if tt.expectedErr != nil {
				if !errors.Is(err, tt.expectedErr) {
					t.Fatalf("expected %v, got %v", tt.expectedErr, err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if account.ID != "ABC123" {
				t.Errorf("expected canonical ID ABC123, got %q", account.ID)
			}
			if account.Balance != tt.input.InitialBalance {
				t.Errorf("expected balance %d, got %d", tt.input.InitialBalance, account.Balance)
			}
			if len(account.Entries) != 0 {
				t.Errorf("expected empty history, got %d entries", len(account.Entries))
			}
			if account.PINHash == "" || account.PINHash == tt.input.PIN {
				t.Errorf("expected hashed PIN, got %q", account.PINHash)
			}
		})
	}
}

func TestAccountUseCase_OpenDuplicate(t *testing.T) {
	uc, _ := newAccountUseCase()
	ctx := context.Background()
	input := usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "1234"}

	if _, err := uc.OpenAccount(ctx, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input.AccountID = "abc123"
	if _, err := uc.OpenAccount(ctx, input); !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestAccountUseCase_VerifyPIN(t *testing.T) {
	uc, _ := newAccountUseCase()
	ctx := context.Background()

	if _, err := uc.OpenAccount(ctx, usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "4321"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := uc.VerifyPIN(ctx, "abc123", "4321")
	if err != nil || !ok {
		t.Fatalf("expected PIN to match, got %v %v", ok, err)
	}
	ok, err = uc.VerifyPIN(ctx, "ABC123", "0000")
	if err != nil || ok {
		t.Fatalf("expected PIN mismatch, got %v %v", ok, err)
	}
}

func TestAccountUseCase_ListAndClose(t *testing.T) {
	uc, _ := newAccountUseCase()
	ctx := context.Background()

	for _, id := range []string{"AAA111", "BBB222", "CCC333"} {
		if _, err := uc.OpenAccount(ctx, usecase.OpenAccountInput{AccountID: id, Name: "Holder", PIN: "1234"}); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}

	accounts, err := uc.ListAccounts(ctx, usecase.ListAccountsInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(accounts))
	}

	if err := uc.CloseAccount(ctx, "bbb222"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uc.GetAccount(ctx, "BBB222"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound after close, got %v", err)
	}
	if err := uc.CloseAccount(ctx, "BBB222"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound on second close, got %v", err)
	}
}

func TestAccountUseCase_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockAccountStore(ctrl)
	idGen := mocks.NewMockIDGenerator(ctrl)
	publisher := mocks.NewMockEventPublisher(ctrl)

	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("pool exhausted"))
	store.EXPECT().Get(gomock.Any(), "ABC123").Return(nil, domain.ErrAccountNotFound)
	store.EXPECT().List(gomock.Any(), 20, 0).Return(nil, errors.New("pool exhausted"))

	uc := usecase.NewAccountUseCase(store, idGen, publisher, zerolog.Nop())

	_, err := uc.OpenAccount(context.Background(), usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "1234"})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	_, err = uc.ListAccounts(context.Background(), usecase.ListAccountsInput{Limit: -1})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestAccountUseCase_OpenLandedDespiteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockAccountStore(ctrl)

	var created *domain.Account
	store.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a *domain.Account) error {
		created = a.Clone()
		return errors.New("connection reset during commit")
	})
	store.EXPECT().Get(gomock.Any(), "ABC123").DoAndReturn(func(context.Context, string) (*domain.Account, error) {
		return created, nil
	})

	uc := usecase.NewAccountUseCase(store, &seqIDGenerator{}, nil, zerolog.Nop())
	account, err := uc.OpenAccount(context.Background(), usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "1234", InitialBalance: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.Balance != 40 {
		t.Fatalf("expected balance 40, got %d", account.Balance)
	}
}

func TestAccountUseCase_OpenOutcomeUnknown(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockAccountStore(ctrl)

	store.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))
	store.EXPECT().Get(gomock.Any(), "ABC123").Return(nil, errors.New("connection refused")).MinTimes(1)

	uc := usecase.NewAccountUseCase(store, &seqIDGenerator{}, nil, zerolog.Nop())
	_, err := uc.OpenAccount(context.Background(), usecase.OpenAccountInput{AccountID: "ABC123", Name: "Asha", PIN: "1234"})
	if !errors.Is(err, domain.ErrOutcomeUnknown) {
		t.Fatalf("expected ErrOutcomeUnknown, got %v", err)
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("an unknown outcome must not read as unavailable: %v", err)
	}
}

func TestAccountUseCase_CloseStoreFailure(t *testing.T) {
	account := &domain.Account{ID: "ABC123", Balance: 5}

	tests := []struct {
		name        string
		readBack    error
		expectedErr error
	}{
		{name: "delete landed", readBack: domain.ErrAccountNotFound},
		{name: "delete did not land", expectedErr: domain.ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := mocks.NewMockAccountStore(ctrl)

			gomock.InOrder(
				store.EXPECT().Get(gomock.Any(), "ABC123").Return(account, nil),
				store.EXPECT().Delete(gomock.Any(), "ABC123").Return(errors.New("connection reset")),
			)
			if tt.readBack != nil {
				store.EXPECT().Get(gomock.Any(), "ABC123").Return(nil, tt.readBack)
			} else {
				store.EXPECT().Get(gomock.Any(), "ABC123").Return(account, nil)
			}

			uc := usecase.NewAccountUseCase(store, &seqIDGenerator{}, nil, zerolog.Nop())
			err := uc.CloseAccount(context.Background(), "abc123")
			if tt.expectedErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.expectedErr) {
				t.Fatalf("expected %v, got %v", tt.expectedErr, err)
			}
		})
	}
}

func TestAccountUseCase_OperationDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockAccountStore(ctrl)

	store.EXPECT().Get(gomock.Any(), "ABC123").DoAndReturn(func(ctx context.Context, _ string) (*domain.Account, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("expected a deadline on the store call")
		} else if until := time.Until(deadline); until > 50*time.Millisecond {
			t.Errorf("expected the configured deadline, got %s", until)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	uc := usecase.NewAccountUseCase(store, &seqIDGenerator{}, nil, zerolog.Nop()).
		WithOperationTimeout(50 * time.Millisecond)

	_, err := uc.GetAccount(context.Background(), "ABC123")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAccountUseCase_PublishesOpened(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mocks.NewMockEventPublisher(ctrl)
	uc := usecase.NewAccountUseCase(memory.NewAccountStore(), &seqIDGenerator{}, publisher, zerolog.Nop())

	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event *domain.LedgerEvent) error {
			if event.Type != domain.EventTypeAccountOpened || event.AccountID != "ABC123" || event.Balance != 70 {
				t.Errorf("unexpected event %+v", event)
			}
			return nil
		})

	if _, err := uc.OpenAccount(context.Background(), usecase.OpenAccountInput{AccountID: "abc123", Name: "Asha", PIN: "1234", InitialBalance: 70}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
