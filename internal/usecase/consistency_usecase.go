package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iho/minibank/internal/domain"
)

var (
	// ErrInconsistentLedger is returned when a stored account violates a ledger invariant.
	ErrInconsistentLedger = errors.New("ledger is inconsistent")
)

const consistencyPageSize = 100

// ConsistencyUseCase sweeps all accounts and checks the stored invariants.
type ConsistencyUseCase struct {
	store AccountStore
}

// NewConsistencyUseCase creates a new ConsistencyUseCase.
func NewConsistencyUseCase(store AccountStore) *ConsistencyUseCase {
	return &ConsistencyUseCase{store: store}
}

// Violation describes one broken invariant on one account.
type Violation struct {
	AccountID string
	Reason    string
}

// ConsistencyReport is the result of a sweep.
type ConsistencyReport struct {
	CheckedAt     time.Time
	Violations    []Violation
	TotalAccounts int
	TotalBalance  int64
	Consistent    bool
}

// CheckAccount returns the invariant violations of a single account.
func (uc *ConsistencyUseCase) CheckAccount(account *domain.Account) []Violation {
	var violations []Violation
	add := func(format string, args ...any) {
		violations = append(violations, Violation{AccountID: account.ID, Reason: fmt.Sprintf(format, args...)})
	}

	if account.Balance < 0 {
		add("negative balance %d", account.Balance)
	}
	if n := len(account.Entries); n > domain.StatementSize {
		add("log holds %d entries, limit is %d", n, domain.StatementSize)
	}
	for i, e := range account.Entries {
		if e.Amount <= 0 {
			add("entry %s has non-positive amount %d", e.ID, e.Amount)
		}
		if i > 0 && e.CreatedAt.Before(account.Entries[i-1].CreatedAt) {
			add("entry %s is older than the entry before it", e.ID)
		}
	}

	return violations
}

// CheckConsistency pages through every account. It returns the report together with
// ErrInconsistentLedger when any violation was found.
func (uc *ConsistencyUseCase) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	report := &ConsistencyReport{
		Violations: make([]Violation, 0),
	}

	for offset := 0; ; offset += consistencyPageSize {
		accounts, err := uc.store.List(ctx, consistencyPageSize, offset)
		if err != nil {
			return nil, classify(err)
		}

		for _, account := range accounts {
			report.TotalAccounts++
			report.TotalBalance += account.Balance
			report.Violations = append(report.Violations, uc.CheckAccount(account)...)
		}

		if len(accounts) < consistencyPageSize {
			break
		}
	}

	report.CheckedAt = time.Now().UTC()
	report.Consistent = len(report.Violations) == 0
	if !report.Consistent {
		return report, fmt.Errorf("%w: %d violations", ErrInconsistentLedger, len(report.Violations))
	}

	return report, nil
}
