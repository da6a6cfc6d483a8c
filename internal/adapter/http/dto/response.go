package dto

import (
	"time"

	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

// AccountResponse represents an account in API responses. The PIN hash is never exposed.
type AccountResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountFromDomain converts domain account to response.
func AccountFromDomain(a *domain.Account) *AccountResponse {
	return &AccountResponse{
		ID:        a.ID,
		Name:      a.Name,
		Balance:   a.Balance,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// AccountsFromDomain converts domain accounts to responses.
func AccountsFromDomain(accounts []*domain.Account) []*AccountResponse {
	result := make([]*AccountResponse, len(accounts))
	for i, a := range accounts {
		result[i] = AccountFromDomain(a)
	}
	return result
}

// ListAccountsResponse is a page of accounts.
type ListAccountsResponse struct {
	Accounts []*AccountResponse `json:"accounts"`
	Limit    int                `json:"limit"`
	Offset   int                `json:"offset"`
}

// VerifyPINResponse reports whether a PIN matched.
type VerifyPINResponse struct {
	AccountID string `json:"account_id"`
	Valid     bool   `json:"valid"`
}

// BalanceResponse reports an account balance.
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// EntryResponse represents a statement line.
type EntryResponse struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       int64     `json:"amount"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntriesFromDomain converts domain entries to responses.
func EntriesFromDomain(entries []domain.Entry) []*EntryResponse {
	result := make([]*EntryResponse, len(entries))
	for i, e := range entries {
		result[i] = &EntryResponse{
			ID:           e.ID,
			Kind:         string(e.Kind),
			Counterparty: e.Counterparty,
			Amount:       e.Amount,
			Description:  e.Description(),
			CreatedAt:    e.CreatedAt,
		}
	}
	return result
}

// StatementResponse lists the most recent entries, newest first.
type StatementResponse struct {
	AccountID string           `json:"account_id"`
	Entries   []*EntryResponse `json:"entries"`
}

// TransferResponse represents a completed transfer.
type TransferResponse struct {
	OperationID   string `json:"operation_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        int64  `json:"amount"`
	SenderBalance int64  `json:"sender_balance"`
}

// TransferFromResult converts a transfer result to response.
func TransferFromResult(r *usecase.TransferResult) *TransferResponse {
	return &TransferResponse{
		OperationID:   r.OperationID,
		From:          r.SenderID,
		To:            r.ReceiverID,
		Amount:        r.Amount,
		SenderBalance: r.SenderBalance,
	}
}

// ViolationResponse is a single consistency violation.
type ViolationResponse struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// ConsistencyResponse reports the result of a consistency sweep.
type ConsistencyResponse struct {
	Consistent    bool                 `json:"consistent"`
	TotalAccounts int                  `json:"total_accounts"`
	TotalBalance  int64                `json:"total_balance"`
	Violations    []*ViolationResponse `json:"violations"`
	CheckedAt     time.Time            `json:"checked_at"`
}

// ConsistencyFromReport converts a consistency report to response.
func ConsistencyFromReport(r *usecase.ConsistencyReport) *ConsistencyResponse {
	violations := make([]*ViolationResponse, len(r.Violations))
	for i, v := range r.Violations {
		violations[i] = &ViolationResponse{AccountID: v.AccountID, Reason: v.Reason}
	}
	return &ConsistencyResponse{
		Consistent:    r.Consistent,
		TotalAccounts: r.TotalAccounts,
		TotalBalance:  r.TotalBalance,
		Violations:    violations,
		CheckedAt:     r.CheckedAt,
	}
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
