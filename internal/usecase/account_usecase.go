package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/iho/minibank/internal/domain"
)

// AccountUseCase handles account provisioning.
type AccountUseCase struct {
	store     AccountStore
	idGen     IDGenerator
	publisher EventPublisher
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewAccountUseCase creates a new AccountUseCase. publisher may be nil.
func NewAccountUseCase(store AccountStore, idGen IDGenerator, publisher EventPublisher, logger zerolog.Logger) *AccountUseCase {
	return &AccountUseCase{
		store:     store,
		idGen:     idGen,
		publisher: publisher,
		logger:    logger.With().Str("component", "accounts").Logger(),
		timeout:   DefaultOperationTimeout,
	}
}

// WithOperationTimeout sets the deadline applied to operations whose context has none.
func (uc *AccountUseCase) WithOperationTimeout(d time.Duration) *AccountUseCase {
	if d > 0 {
		uc.timeout = d
	}
	return uc
}

// OpenAccountInput represents input for opening an account.
type OpenAccountInput struct {
	AccountID      string
	Name           string
	PIN            string
	InitialBalance int64
}

// OpenAccount creates a new account with an empty history.
func (uc *AccountUseCase) OpenAccount(ctx context.Context, input OpenAccountInput) (*domain.Account, error) {
	id := domain.CanonicalAccountID(input.AccountID)
	name := strings.TrimSpace(input.Name)

	if err := domain.ValidateAccountID(id); err != nil {
		return nil, err
	}
	if err := domain.ValidateAccountName(name); err != nil {
		return nil, err
	}
	if err := domain.ValidatePIN(input.PIN); err != nil {
		return nil, err
	}
	if input.InitialBalance < 0 || input.InitialBalance > domain.MaxAmount {
		return nil, domain.ErrInvalidAmount
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.PIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	account := &domain.Account{
		ID:        id,
		Name:      name,
		PINHash:   string(hash),
		Balance:   input.InitialBalance,
		Entries:   []domain.Entry{},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, cancel := withDefaultDeadline(ctx, uc.timeout)
	defer cancel()

	if err := uc.store.Create(ctx, account); err != nil {
		if errors.Is(err, domain.ErrAccountExists) {
			return nil, domain.ErrAccountExists
		}
		if err := uc.settleCreate(ctx, account, err); err != nil {
			return nil, err
		}
	}

	uc.logger.Info().Str("account_id", id).Int64("initial_balance", input.InitialBalance).Msg("account opened")
	uc.publish(ctx, domain.EventTypeAccountOpened, account)

	return account, nil
}

// VerifyPIN reports whether pin matches the stored credential of an account.
func (uc *AccountUseCase) VerifyPIN(ctx context.Context, id, pin string) (bool, error) {
	ctx, cancel := withDefaultDeadline(ctx, uc.timeout)
	defer cancel()

	account, err := uc.store.Get(ctx, domain.CanonicalAccountID(id))
	if err != nil {
		return false, classify(err)
	}
	return bcrypt.CompareHashAndPassword([]byte(account.PINHash), []byte(pin)) == nil, nil
}

// GetAccount retrieves an account by ID.
func (uc *AccountUseCase) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	ctx, cancel := withDefaultDeadline(ctx, uc.timeout)
	defer cancel()

	account, err := uc.store.Get(ctx, domain.CanonicalAccountID(id))
	if err != nil {
		return nil, classify(err)
	}
	return account, nil
}

// ListAccountsInput represents input for listing accounts.
type ListAccountsInput struct {
	Limit  int
	Offset int
}

// ListAccounts lists accounts with pagination.
func (uc *AccountUseCase) ListAccounts(ctx context.Context, input ListAccountsInput) ([]*domain.Account, error) {
	limit, offset := domain.ValidatePagination(input.Limit, input.Offset)

	ctx, cancel := withDefaultDeadline(ctx, uc.timeout)
	defer cancel()

	accounts, err := uc.store.List(ctx, limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	return accounts, nil
}

// CloseAccount deletes an account. It is an administrative action.
func (uc *AccountUseCase) CloseAccount(ctx context.Context, id string) error {
	id = domain.CanonicalAccountID(id)

	ctx, cancel := withDefaultDeadline(ctx, uc.timeout)
	defer cancel()

	account, err := uc.store.Get(ctx, id)
	if err != nil {
		return classify(err)
	}

	if err := uc.store.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return domain.ErrAccountNotFound
		}
		if err := uc.settleDelete(ctx, id, err); err != nil {
			return err
		}
	}

	uc.logger.Info().Str("account_id", id).Int64("balance", account.Balance).Msg("account closed")
	uc.publish(ctx, domain.EventTypeAccountClosed, account)

	return nil
}

// settleCreate decides whether a Create that failed in the backend stored account.
// The PIN hash is unique per call, so a matching record is ours.
func (uc *AccountUseCase) settleCreate(ctx context.Context, account *domain.Account, cause error) error {
	rctx, cancel := recoveryContext(ctx)
	defer cancel()

	stored, err := readBack(rctx, uc.store, account.ID)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return domain.StoreError(cause)
	case err != nil:
		uc.logger.Error().Err(cause).AnErr("lookup_error", err).Str("account_id", account.ID).Msg("account opening outcome unknown")
		return domain.OutcomeUnknown(cause)
	case stored.PINHash != account.PINHash:
		return domain.ErrAccountExists
	}

	uc.logger.Warn().Err(cause).Str("account_id", account.ID).Msg("create reported failure but landed")
	return nil
}

// settleDelete decides whether a Delete that failed in the backend removed the account.
func (uc *AccountUseCase) settleDelete(ctx context.Context, id string, cause error) error {
	rctx, cancel := recoveryContext(ctx)
	defer cancel()

	_, err := readBack(rctx, uc.store, id)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		uc.logger.Warn().Err(cause).Str("account_id", id).Msg("delete reported failure but landed")
		return nil
	case err != nil:
		uc.logger.Error().Err(cause).AnErr("lookup_error", err).Str("account_id", id).Msg("account closing outcome unknown")
		return domain.OutcomeUnknown(cause)
	}
	return domain.StoreError(cause)
}

func (uc *AccountUseCase) publish(ctx context.Context, eventType string, account *domain.Account) {
	if uc.publisher == nil {
		return
	}

	event := &domain.LedgerEvent{
		ID:         uc.idGen.Generate(),
		Type:       eventType,
		AccountID:  account.ID,
		Balance:    account.Balance,
		OccurredAt: time.Now().UTC(),
	}
	if err := uc.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		uc.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish account event")
	}
}
