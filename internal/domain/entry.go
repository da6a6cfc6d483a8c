package domain

import (
	"fmt"
	"time"
)

// EntryKind is the kind of movement an entry describes.
type EntryKind string

const (
	EntryDeposit          EntryKind = "deposit"
	EntryWithdraw         EntryKind = "withdraw"
	EntryTransferSent     EntryKind = "transfer_sent"
	EntryTransferReceived EntryKind = "transfer_received"
	EntryTransferReversed EntryKind = "transfer_reversed"
)

// Entry represents a single movement in an account's transaction log.
type Entry struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	Kind         EntryKind `json:"kind"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       int64     `json:"amount"`
}

// Description renders the human-readable statement line.
func (e Entry) Description() string {
	switch e.Kind {
	case EntryDeposit:
		return fmt.Sprintf("Deposit %d", e.Amount)
	case EntryWithdraw:
		return fmt.Sprintf("Withdraw %d", e.Amount)
	case EntryTransferSent:
		return fmt.Sprintf("Sent %d to %s", e.Amount, e.Counterparty)
	case EntryTransferReceived:
		return fmt.Sprintf("Received %d from %s", e.Amount, e.Counterparty)
	case EntryTransferReversed:
		return fmt.Sprintf("Reversed %d from %s", e.Amount, e.Counterparty)
	default:
		return fmt.Sprintf("%s %d", e.Kind, e.Amount)
	}
}
