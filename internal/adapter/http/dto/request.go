package dto

import (
	"github.com/shopspring/decimal"

	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

var maxAmount = decimal.NewFromInt(domain.MaxAmount)

// ParseAmount converts a JSON amount to whole currency units.
// Fractional or out-of-range values are rejected with domain.ErrInvalidAmount;
// zero and negative values are left for the ledger to reject.
func ParseAmount(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, domain.ErrInvalidAmount
	}
	if d.Abs().GreaterThan(maxAmount) {
		return 0, domain.ErrInvalidAmount
	}
	return d.IntPart(), nil
}

// OpenAccountRequest represents a request to open an account.
type OpenAccountRequest struct {
	AccountID      string          `json:"account_id"`
	Name           string          `json:"name"`
	PIN            string          `json:"pin"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// ToUseCaseInput converts to use case input.
func (r *OpenAccountRequest) ToUseCaseInput() (usecase.OpenAccountInput, error) {
	initial, err := ParseAmount(r.InitialBalance)
	if err != nil {
		return usecase.OpenAccountInput{}, err
	}

	return usecase.OpenAccountInput{
		AccountID:      r.AccountID,
		Name:           r.Name,
		PIN:            r.PIN,
		InitialBalance: initial,
	}, nil
}

// AmountRequest is the body of deposit and withdraw requests.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// TransferRequest represents a request to move money between accounts.
type TransferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// VerifyPINRequest carries a PIN to check.
type VerifyPINRequest struct {
	PIN string `json:"pin"`
}
