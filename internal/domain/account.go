package domain

import (
	"math"
	"strings"
	"time"
)

// StatementSize is the number of most recent entries kept per account.
const StatementSize = 5

// Account represents a ledger account that can hold a balance.
type Account struct {
	ID        string
	Name      string
	PINHash   string
	Balance   int64
	Entries   []Entry
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanonicalAccountID normalizes an account identifier.
func CanonicalAccountID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// CanDebit reports whether amount can be taken without going negative.
func (a *Account) CanDebit(amount int64) bool {
	return a.Balance >= amount
}

// CanCredit reports whether amount can be added without overflowing the balance.
func (a *Account) CanCredit(amount int64) bool {
	return a.Balance <= math.MaxInt64-amount
}

// HasEntry reports whether an entry with the given operation ID is still in the log.
func (a *Account) HasEntry(id string) bool {
	for _, e := range a.Entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Record appends an entry and drops the oldest ones beyond StatementSize.
func (a *Account) Record(e Entry) {
	a.Entries = append(a.Entries, e)
	if n := len(a.Entries); n > StatementSize {
		a.Entries = append([]Entry(nil), a.Entries[n-StatementSize:]...)
	}
}

// Statement returns the log most-recent-first.
func (a *Account) Statement() []Entry {
	out := make([]Entry, len(a.Entries))
	for i, e := range a.Entries {
		out[len(a.Entries)-1-i] = e
	}
	return out
}

// Clone returns a deep copy so callers never share the entries slice.
func (a *Account) Clone() *Account {
	cp := *a
	if a.Entries != nil {
		cp.Entries = make([]Entry, len(a.Entries))
		copy(cp.Entries, a.Entries)
	}
	return &cp
}
