package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/infrastructure/postgres/generated"
	"github.com/iho/minibank/internal/usecase"
)

type dbPool interface {
	generated.DBTX
	txBeginner
	Ping(context.Context) error
}

// AccountStore implements usecase.AccountStore on PostgreSQL. CompareAndApply
// locks the row with SELECT ... FOR UPDATE for the duration of the check and write.
type AccountStore struct {
	pool      dbPool
	queries   *generated.Queries
	txManager *TxManager
	retrier   *Retrier
}

var _ usecase.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a new AccountStore.
func NewAccountStore(pool *pgxpool.Pool, logger zerolog.Logger) *AccountStore {
	return newAccountStoreWithPool(pool, NewRetrier(DefaultRetryPolicy(), logger))
}

func newAccountStoreWithPool(pool dbPool, retrier *Retrier) *AccountStore {
	return &AccountStore{
		pool:      pool,
		queries:   generated.New(pool),
		txManager: newTxManager(pool),
		retrier:   retrier,
	}
}

// Get retrieves an account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (*domain.Account, error) {
	row, err := s.queries.GetAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}

		return nil, err
	}

	return rowToAccount(row)
}

// CompareAndApply applies mut to the locked row if pre holds.
func (s *AccountStore) CompareAndApply(
	ctx context.Context,
	id string,
	pre usecase.Precondition,
	mut usecase.Mutation,
) (*domain.Account, error) {
	var result *domain.Account

	err := s.retrier.Retry(ctx, func() error {
		return s.txManager.WithTx(ctx, func(q *generated.Queries) error {
			row, err := q.GetAccountByIDForUpdate(ctx, id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return domain.ErrAccountNotFound
				}
				return err
			}

			account, err := rowToAccount(row)
			if err != nil {
				return err
			}

			if pre != nil && !pre(account) {
				return domain.ErrPreconditionFailed
			}

			mut(account)
			account.Version++
			account.UpdatedAt = time.Now().UTC()

			entries, err := json.Marshal(account.Entries)
			if err != nil {
				return fmt.Errorf("encode entries: %w", err)
			}

			err = q.UpdateAccountState(ctx, generated.UpdateAccountStateParams{
				ID:        account.ID,
				Balance:   account.Balance,
				Entries:   entries,
				Version:   account.Version,
				UpdatedAt: timeToPgTimestamptz(account.UpdatedAt),
			})
			if err != nil {
				return err
			}

			result = account
			return nil
		})
	})
	if err != nil {
		if hasCode(err, pgErrCheckViolation) {
			return nil, domain.ErrPreconditionFailed
		}
		return nil, err
	}

	return result, nil
}

// Create inserts a new account.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	entries := account.Entries
	if entries == nil {
		entries = []domain.Entry{}
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}

	err = s.queries.CreateAccount(ctx, generated.CreateAccountParams{
		ID:        account.ID,
		Name:      account.Name,
		PinHash:   account.PINHash,
		Balance:   account.Balance,
		Entries:   encoded,
		Version:   account.Version,
		CreatedAt: timeToPgTimestamptz(account.CreatedAt),
		UpdatedAt: timeToPgTimestamptz(account.UpdatedAt),
	})
	if hasCode(err, pgErrUniqueViolation) {
		return domain.ErrAccountExists
	}

	return err
}

// Delete removes an account.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	n, err := s.queries.DeleteAccount(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAccountNotFound
	}

	return nil
}

// List lists accounts ordered by ID.
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]*domain.Account, error) {
	rows, err := s.queries.ListAccounts(ctx, generated.ListAccountsParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]*domain.Account, 0, len(rows))
	for _, row := range rows {
		account, err := rowToAccount(row)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	return accounts, nil
}

// Ping checks database connectivity.
func (s *AccountStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func rowToAccount(row generated.Account) (*domain.Account, error) {
	var entries []domain.Entry
	if len(row.Entries) > 0 {
		if err := json.Unmarshal(row.Entries, &entries); err != nil {
			return nil, fmt.Errorf("decode entries of %s: %w", row.ID, err)
		}
	}

	return &domain.Account{
		ID:        row.ID,
		Name:      row.Name,
		PINHash:   row.PinHash,
		Balance:   row.Balance,
		Entries:   entries,
		Version:   row.Version,
		CreatedAt: row.CreatedAt.Time,
		UpdatedAt: row.UpdatedAt.Time,
	}, nil
}

func timeToPgTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}
