package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/iho/minibank/internal/domain"
)

// LedgerUseCase moves money between accounts on top of AccountStore.
type LedgerUseCase struct {
	store     AccountStore
	idGen     IDGenerator
	publisher EventPublisher
	metrics   LedgerMetrics
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewLedgerUseCase creates a new LedgerUseCase. publisher and metrics may be nil.
func NewLedgerUseCase(
	store AccountStore,
	idGen IDGenerator,
	publisher EventPublisher,
	metrics LedgerMetrics,
	logger zerolog.Logger,
) *LedgerUseCase {
	return &LedgerUseCase{
		store:     store,
		idGen:     idGen,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With().Str("component", "ledger").Logger(),
		timeout:   DefaultOperationTimeout,
	}
}

// WithOperationTimeout sets the deadline applied to operations whose context has none.
func (uc *LedgerUseCase) WithOperationTimeout(d time.Duration) *LedgerUseCase {
	if d > 0 {
		uc.timeout = d
	}
	return uc
}

// TransferResult is the outcome of a completed transfer.
type TransferResult struct {
	OperationID   string
	SenderID      string
	ReceiverID    string
	Amount        int64
	SenderBalance int64
}

// GetBalance returns the current balance of an account.
func (uc *LedgerUseCase) GetBalance(ctx context.Context, accountID string) (balance int64, err error) {
	defer uc.observe(OpBalance, time.Now(), &err)

	ctx, cancel := uc.operationContext(ctx)
	defer cancel()

	account, err := uc.store.Get(ctx, domain.CanonicalAccountID(accountID))
	if err != nil {
		return 0, classify(err)
	}

	return account.Balance, nil
}

// GetStatement returns the most recent entries of an account, newest first.
func (uc *LedgerUseCase) GetStatement(ctx context.Context, accountID string) (entries []domain.Entry, err error) {
	defer uc.observe(OpStatement, time.Now(), &err)

	ctx, cancel := uc.operationContext(ctx)
	defer cancel()

	account, err := uc.store.Get(ctx, domain.CanonicalAccountID(accountID))
	if err != nil {
		return nil, classify(err)
	}

	return account.Statement(), nil
}

// Deposit adds amount to an account and returns the new balance.
func (uc *LedgerUseCase) Deposit(ctx context.Context, accountID string, amount int64) (balance int64, err error) {
	defer uc.observe(OpDeposit, time.Now(), &err)

	if err := domain.ValidateAmount(amount); err != nil {
		return 0, err
	}

	id := domain.CanonicalAccountID(accountID)
	entry := uc.newEntry(uc.idGen.Generate(), domain.EntryDeposit, amount, "")

	ctx, cancel := uc.operationContext(ctx)
	defer cancel()

	account, err := uc.store.CompareAndApply(ctx, id, canCredit(amount), credit(amount, entry))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPreconditionFailed):
			return 0, domain.ErrBalanceLimit
		case errors.Is(err, domain.ErrAccountNotFound):
			return 0, domain.ErrAccountNotFound
		}
		if account, err = uc.settle(ctx, id, entry.ID, err); err != nil {
			return 0, err
		}
	}

	uc.publish(ctx, domain.EventTypeDeposit, entry, account)

	return account.Balance, nil
}

// Withdraw takes amount from an account if the balance covers it and returns the new balance.
func (uc *LedgerUseCase) Withdraw(ctx context.Context, accountID string, amount int64) (balance int64, err error) {
	defer uc.observe(OpWithdraw, time.Now(), &err)

	if err := domain.ValidateAmount(amount); err != nil {
		return 0, err
	}

	id := domain.CanonicalAccountID(accountID)
	entry := uc.newEntry(uc.idGen.Generate(), domain.EntryWithdraw, amount, "")

	ctx, cancel := uc.operationContext(ctx)
	defer cancel()

	account, err := uc.store.CompareAndApply(ctx, id, canDebit(amount), debit(amount, entry))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPreconditionFailed):
			return 0, domain.ErrInsufficientFunds
		case errors.Is(err, domain.ErrAccountNotFound):
			return 0, domain.ErrAccountNotFound
		}
		if account, err = uc.settle(ctx, id, entry.ID, err); err != nil {
			return 0, err
		}
	}

	uc.publish(ctx, domain.EventTypeWithdraw, entry, account)

	return account.Balance, nil
}

// Transfer moves amount from sender to receiver.
//
// The debit and the credit are two compare-and-apply steps tagged with the same
// operation ID. If the credit cannot be applied after the debit landed, the debit
// is reversed and a *domain.TransferError is returned.
func (uc *LedgerUseCase) Transfer(ctx context.Context, senderID, receiverID string, amount int64) (result *TransferResult, err error) {
	defer uc.observe(OpTransfer, time.Now(), &err)

	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}

	from := domain.CanonicalAccountID(senderID)
	to := domain.CanonicalAccountID(receiverID)
	if from == to {
		return nil, domain.ErrSameAccount
	}

	ctx, cancel := uc.operationContext(ctx)
	defer cancel()

	// Read-only checks before either side changes.
	receiver, err := uc.store.Get(ctx, to)
	if err != nil {
		return nil, classify(err)
	}
	sender, err := uc.store.Get(ctx, from)
	if err != nil {
		return nil, classify(err)
	}
	if !sender.CanDebit(amount) {
		return nil, domain.ErrInsufficientFunds
	}
	if !receiver.CanCredit(amount) {
		return nil, domain.ErrBalanceLimit
	}

	opID := uc.idGen.Generate()
	sent := uc.newEntry(opID, domain.EntryTransferSent, amount, to)
	log := uc.logger.With().
		Str("operation_id", opID).
		Str("sender", from).
		Str("receiver", to).
		Int64("amount", amount).
		Logger()

	debited, err := uc.store.CompareAndApply(ctx, from, canDebit(amount), debit(amount, sent))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPreconditionFailed):
			return nil, domain.ErrInsufficientFunds
		case errors.Is(err, domain.ErrAccountNotFound):
			return nil, domain.ErrAccountNotFound
		}

		// The debit may or may not have landed; the entry tag tells.
		rctx, rcancel := recoveryContext(ctx)
		defer rcancel()

		account, landed, lookupErr := uc.findEntry(rctx, from, opID)
		if lookupErr != nil {
			log.Error().Err(err).AnErr("lookup_error", lookupErr).Msg("transfer debit outcome unknown")
			return nil, uc.transferError(opID, from, to, amount, err, false)
		}
		if !landed {
			return nil, domain.StoreError(err)
		}
		debited = account
	}

	rctx, rcancel := recoveryContext(ctx)
	defer rcancel()

	received := uc.newEntry(opID, domain.EntryTransferReceived, amount, from)
	creditErr := uc.applyOnce(rctx, to, received)
	if creditErr != nil && !errors.Is(creditErr, domain.ErrAccountNotFound) && !errors.Is(creditErr, domain.ErrBalanceLimit) {
		_, landed, lookupErr := uc.findEntry(rctx, to, opID)
		switch {
		case lookupErr != nil:
			log.Error().Err(creditErr).AnErr("lookup_error", lookupErr).Msg("transfer credit outcome unknown")
			return nil, uc.transferError(opID, from, to, amount, creditErr, false)
		case landed:
			creditErr = nil
		}
	}

	if creditErr == nil {
		uc.publish(ctx, domain.EventTypeTransfer, sent, debited)
		return &TransferResult{
			OperationID:   opID,
			SenderID:      from,
			ReceiverID:    to,
			Amount:        amount,
			SenderBalance: debited.Balance,
		}, nil
	}

	reversal := uc.newEntry(opID+"-R", domain.EntryTransferReversed, amount, to)
	if err := uc.applyOnce(rctx, from, reversal); err != nil {
		log.Error().Err(creditErr).AnErr("reversal_error", err).Msg("transfer debit could not be reversed")
		return nil, uc.transferError(opID, from, to, amount, creditErr, false)
	}

	log.Warn().Err(creditErr).Msg("transfer credit failed, debit reversed")
	if uc.publisher != nil {
		if account, err := uc.store.Get(rctx, from); err == nil {
			uc.publish(ctx, domain.EventTypeTransferReversed, reversal, account)
		}
	}

	return nil, uc.transferError(opID, from, to, amount, creditErr, true)
}

// applyOnce credits accountID with entry unless an entry with the same ID is
// already recorded. Backend failures are retried; an already recorded entry is
// success. A credit that would overflow the balance fails with ErrBalanceLimit.
func (uc *LedgerUseCase) applyOnce(ctx context.Context, accountID string, entry domain.Entry) error {
	op := func() error {
		var recorded bool
		pre := func(a *domain.Account) bool {
			recorded = a.HasEntry(entry.ID)
			return !recorded && a.CanCredit(entry.Amount)
		}

		_, err := uc.store.CompareAndApply(ctx, accountID, pre, credit(entry.Amount, entry))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrPreconditionFailed):
			if recorded {
				return nil
			}
			return backoff.Permanent(domain.ErrBalanceLimit)
		case errors.Is(err, domain.ErrAccountNotFound):
			return backoff.Permanent(domain.ErrAccountNotFound)
		}
		return err
	}

	if err := backoff.Retry(op, legBackOff(ctx)); err != nil {
		if errors.Is(err, domain.ErrBalanceLimit) {
			return err
		}
		return classify(err)
	}
	return nil
}

// settle decides the outcome of a single-account write that failed in the
// backend by looking for its entry. A landed write is success; a write that
// did not land is ErrStoreUnavailable and safe to retry; anything else is
// ErrOutcomeUnknown.
func (uc *LedgerUseCase) settle(ctx context.Context, accountID, entryID string, cause error) (*domain.Account, error) {
	rctx, cancel := recoveryContext(ctx)
	defer cancel()

	account, landed, err := uc.findEntry(rctx, accountID, entryID)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return nil, domain.ErrAccountNotFound
	case err != nil:
		uc.logger.Error().Err(cause).AnErr("lookup_error", err).
			Str("account_id", accountID).Str("operation_id", entryID).
			Msg("operation outcome unknown")
		return nil, domain.OutcomeUnknown(cause)
	case !landed:
		return nil, domain.StoreError(cause)
	}

	uc.logger.Warn().Err(cause).Str("account_id", accountID).Str("operation_id", entryID).
		Msg("write reported failure but landed")
	return account, nil
}

// findEntry re-reads an account to decide whether an entry with entryID was applied.
func (uc *LedgerUseCase) findEntry(ctx context.Context, accountID, entryID string) (*domain.Account, bool, error) {
	account, err := readBack(ctx, uc.store, accountID)
	if err != nil {
		return nil, false, err
	}
	return account, account.HasEntry(entryID), nil
}

// readBack fetches an account, retrying backend failures. ErrAccountNotFound is final.
func readBack(ctx context.Context, store AccountStore, accountID string) (*domain.Account, error) {
	var account *domain.Account
	op := func() error {
		acc, err := store.Get(ctx, accountID)
		if err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		account = acc
		return nil
	}

	if err := backoff.Retry(op, legBackOff(ctx)); err != nil {
		return nil, err
	}
	return account, nil
}

func (uc *LedgerUseCase) transferError(opID, from, to string, amount int64, cause error, compensated bool) error {
	if uc.metrics != nil {
		uc.metrics.ObserveCompensation(compensated)
	}
	return &domain.TransferError{
		Cause:       cause,
		SenderID:    from,
		ReceiverID:  to,
		OperationID: opID,
		Amount:      amount,
		Compensated: compensated,
	}
}

func (uc *LedgerUseCase) newEntry(id string, kind domain.EntryKind, amount int64, counterparty string) domain.Entry {
	return domain.Entry{
		ID:           id,
		Kind:         kind,
		Amount:       amount,
		Counterparty: counterparty,
		CreatedAt:    time.Now().UTC(),
	}
}

func (uc *LedgerUseCase) publish(ctx context.Context, eventType string, entry domain.Entry, account *domain.Account) {
	if uc.publisher == nil {
		return
	}

	event := &domain.LedgerEvent{
		ID:           entry.ID,
		Type:         eventType,
		AccountID:    account.ID,
		Counterparty: entry.Counterparty,
		Amount:       entry.Amount,
		Balance:      account.Balance,
		OccurredAt:   entry.CreatedAt,
	}
	if err := uc.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		uc.logger.Warn().Err(err).Str("event_id", event.ID).Str("event_type", eventType).Msg("failed to publish ledger event")
	}
}

func (uc *LedgerUseCase) observe(operation string, start time.Time, err *error) {
	if uc.metrics != nil {
		uc.metrics.ObserveOperation(operation, *err, time.Since(start))
	}
}

func (uc *LedgerUseCase) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withDefaultDeadline(ctx, uc.timeout)
}

// withDefaultDeadline bounds ctx by d unless the caller already set a deadline.
func withDefaultDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// recoveryContext outlives the caller's cancellation so that a landed debit
// is always followed by a credit or a reversal attempt.
func recoveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), transferRecoveryTimeout)
}

func legBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = transferLegInitialInterval
	b.MaxInterval = transferLegMaxInterval
	b.MaxElapsedTime = transferLegMaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, transferLegMaxRetries), ctx)
}

// classify keeps store-level sentinels and wraps everything else as ErrStoreUnavailable.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return domain.ErrAccountNotFound
	case errors.Is(err, domain.ErrPreconditionFailed), errors.Is(err, domain.ErrAccountExists):
		return err
	}
	return domain.StoreError(err)
}

func canDebit(amount int64) Precondition {
	return func(a *domain.Account) bool {
		return a.CanDebit(amount)
	}
}

func canCredit(amount int64) Precondition {
	return func(a *domain.Account) bool {
		return a.CanCredit(amount)
	}
}

func credit(amount int64, entry domain.Entry) Mutation {
	return func(a *domain.Account) {
		a.Balance += amount
		a.Record(entry)
	}
}

func debit(amount int64, entry domain.Entry) Mutation {
	return func(a *domain.Account) {
		a.Balance -= amount
		a.Record(entry)
	}
}
