package domain

import "time"

// Event types
const (
	EventTypeDeposit          = "ledger.deposit"
	EventTypeWithdraw         = "ledger.withdraw"
	EventTypeTransfer         = "ledger.transfer"
	EventTypeTransferReversed = "ledger.transfer_reversed"
	EventTypeAccountOpened    = "account.opened"
	EventTypeAccountClosed    = "account.closed"
)

// LedgerEvent is emitted after a movement has been committed.
type LedgerEvent struct {
	OccurredAt   time.Time `json:"occurred_at"`
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	AccountID    string    `json:"account_id"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       int64     `json:"amount"`
	Balance      int64     `json:"balance"`
}
