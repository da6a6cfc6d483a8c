package usecase

import "time"

const (
	// DefaultOperationTimeout bounds a single ledger operation when the caller sets no deadline.
	DefaultOperationTimeout = 10 * time.Second

	// IdempotencyKeyTTL is how long idempotency keys are cached
	IdempotencyKeyTTL = 24 * time.Hour

	// Retry policy for the internal legs of a transfer.
	transferLegMaxRetries      = 3
	transferLegInitialInterval = 20 * time.Millisecond
	transferLegMaxInterval     = 250 * time.Millisecond
	transferLegMaxElapsed      = 2 * time.Second

	// transferRecoveryTimeout bounds the credit and reversal steps once a debit has landed.
	transferRecoveryTimeout = 5 * time.Second
)

// Operation names used for metrics and logs.
const (
	OpBalance   = "balance"
	OpDeposit   = "deposit"
	OpWithdraw  = "withdraw"
	OpTransfer  = "transfer"
	OpStatement = "statement"
)
