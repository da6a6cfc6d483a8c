package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/iho/minibank/internal/infrastructure/postgres/generated"
)

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
}

// TxManager scopes generated queries to a single transaction.
type TxManager struct {
	db txBeginner
}

func newTxManager(db txBeginner) *TxManager {
	return &TxManager{db: db}
}

// WithTx runs fn against a transaction that is committed when fn returns nil
// and rolled back otherwise. fn's error is returned unwrapped.
func (m *TxManager) WithTx(ctx context.Context, fn func(q *generated.Queries) error) (err error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(generated.New(tx)); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
