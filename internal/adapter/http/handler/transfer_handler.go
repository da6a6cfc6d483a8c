package handler

import (
	"context"
	"net/http"

	"github.com/iho/minibank/internal/adapter/http/dto"
	"github.com/iho/minibank/internal/usecase"
)

// TransferService moves money between accounts.
type TransferService interface {
	Transfer(ctx context.Context, senderID, receiverID string, amount int64) (*usecase.TransferResult, error)
}

// TransferHandler handles transfer-related HTTP requests.
type TransferHandler struct {
	transferUC TransferService
}

// NewTransferHandler creates a new TransferHandler.
func NewTransferHandler(transferUC TransferService) *TransferHandler {
	return &TransferHandler{transferUC: transferUC}
}

// Create performs a transfer.
func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := dto.ParseAmount(req.Amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := h.transferUC.Transfer(r.Context(), req.From, req.To, amount)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.TransferFromResult(result))
}
