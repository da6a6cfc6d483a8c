package domain

import (
	"errors"
	"fmt"
)

var (
	// Account errors
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceLimit      = errors.New("balance limit exceeded")

	// Operation errors
	ErrInvalidAmount  = errors.New("amount must be a positive integer")
	ErrSameAccount    = errors.New("cannot transfer to same account")
	ErrTransferFailed = errors.New("transfer failed")

	// Store errors
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrStoreUnavailable   = errors.New("account store unavailable")
	ErrOutcomeUnknown     = errors.New("operation outcome unknown")
)

// TransferError describes a transfer whose debit landed but whose credit did not.
type TransferError struct {
	Cause       error
	SenderID    string
	ReceiverID  string
	OperationID string
	Amount      int64
	Compensated bool
}

func (e *TransferError) Error() string {
	state := "debit not reversed"
	if e.Compensated {
		state = "debit reversed"
	}
	return fmt.Sprintf("transfer %s of %d from %s to %s failed (%s): %v",
		e.OperationID, e.Amount, e.SenderID, e.ReceiverID, state, e.Cause)
}

// Is matches ErrTransferFailed.
func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

func (e *TransferError) Unwrap() error {
	return e.Cause
}

// StoreError wraps a backend failure as ErrStoreUnavailable, keeping the cause.
func StoreError(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// OutcomeUnknown marks a backend failure after which it could not be
// determined whether the write landed.
func OutcomeUnknown(err error) error {
	if err == nil || errors.Is(err, ErrOutcomeUnknown) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
}

// UserMessage returns a fixed message for err that is safe to show to end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccountNotFound):
		return "Account not found"
	case errors.Is(err, ErrAccountExists):
		return "An account with this number already exists"
	case errors.Is(err, ErrInvalidAmount):
		return "Invalid amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "Insufficient balance"
	case errors.Is(err, ErrBalanceLimit):
		return "The resulting balance is too large"
	case errors.Is(err, ErrSameAccount):
		return "Cannot transfer to the same account"
	case errors.Is(err, ErrTransferFailed):
		var te *TransferError
		if errors.As(err, &te) && !te.Compensated {
			return "Transfer could not be completed; our team has been notified"
		}
		return "Transfer could not be completed; no money was moved"
	case errors.Is(err, ErrInvalidAccountID):
		return "Invalid account number"
	case errors.Is(err, ErrInvalidAccountName):
		return "Invalid account name"
	case errors.Is(err, ErrInvalidPIN):
		return "PIN must be 4 to 12 digits"
	case errors.Is(err, ErrOutcomeUnknown):
		return "The operation may not have completed; check the statement before retrying"
	case errors.Is(err, ErrStoreUnavailable):
		return "Service temporarily unavailable, please try again"
	default:
		return "Something went wrong"
	}
}
