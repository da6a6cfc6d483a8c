package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iho/minibank/internal/adapter/http/dto"
	"github.com/iho/minibank/internal/domain"
	"github.com/iho/minibank/internal/usecase"
)

// LedgerService defines the single-account ledger operations.
type LedgerService interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetStatement(ctx context.Context, accountID string) ([]domain.Entry, error)
	Deposit(ctx context.Context, accountID string, amount int64) (int64, error)
	Withdraw(ctx context.Context, accountID string, amount int64) (int64, error)
}

// ConsistencyService checks stored ledger invariants.
type ConsistencyService interface {
	CheckConsistency(ctx context.Context) (*usecase.ConsistencyReport, error)
}

// LedgerHandler handles balance, statement and single-account movements.
type LedgerHandler struct {
	ledgerUC      LedgerService
	consistencyUC ConsistencyService
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledgerUC LedgerService, consistencyUC ConsistencyService) *LedgerHandler {
	return &LedgerHandler{ledgerUC: ledgerUC, consistencyUC: consistencyUC}
}

// Balance returns the current balance of an account.
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	id := domain.CanonicalAccountID(chi.URLParam(r, "id"))

	balance, err := h.ledgerUC.GetBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.BalanceResponse{AccountID: id, Balance: balance})
}

// Statement returns the most recent entries of an account.
func (h *LedgerHandler) Statement(w http.ResponseWriter, r *http.Request) {
	id := domain.CanonicalAccountID(chi.URLParam(r, "id"))

	entries, err := h.ledgerUC.GetStatement(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.StatementResponse{
		AccountID: id,
		Entries:   dto.EntriesFromDomain(entries),
	})
}

// Deposit credits an account.
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.ledgerUC.Deposit)
}

// Withdraw debits an account.
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.ledgerUC.Withdraw)
}

func (h *LedgerHandler) move(w http.ResponseWriter, r *http.Request, op func(context.Context, string, int64) (int64, error)) {
	id := domain.CanonicalAccountID(chi.URLParam(r, "id"))

	var req dto.AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := dto.ParseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	balance, err := op(r.Context(), id, amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.BalanceResponse{AccountID: id, Balance: balance})
}

// CheckConsistency sweeps the ledger and reports invariant violations.
func (h *LedgerHandler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := h.consistencyUC.CheckConsistency(r.Context())
	if err != nil && !errors.Is(err, usecase.ErrInconsistentLedger) {
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusConflict
	}
	writeJSON(w, status, dto.ConsistencyFromReport(report))
}
