package usecase_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/iho/minibank/internal/adapter/repository/memory"
	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

type seqIDGenerator struct {
	n atomic.Int64
}

func (g *seqIDGenerator) Generate() string {
	return fmt.Sprintf("OP%08d", g.n.Add(1))
}

func newMemoryLedger(t *testing.T, balances map[string]int64) (*usecase.LedgerUseCase, *memory.AccountStore) {
	t.Helper()

	store := memory.NewAccountStore()
	for id, balance := range balances {
		if err := store.Create(context.Background(), &domain.Account{ID: id, Name: "Holder " + id, Balance: balance}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	return usecase.NewLedgerUseCase(store, &seqIDGenerator{}, nil, nil, zerolog.Nop()), store
}

func mustBalance(t *testing.T, uc *usecase.LedgerUseCase, id string) int64 {
	t.Helper()

	balance, err := uc.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBalance(%s): %v", id, err)
	}
	return balance
}
