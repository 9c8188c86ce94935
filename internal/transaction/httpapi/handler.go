// Package httpapi exposes the transaction service's HTTP surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/money"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/transaction/domain"
)

// Handler serves the transaction endpoints.
type Handler struct {
	transactions *domain.TransactionService
	log          zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(transactions *domain.TransactionService, log zerolog.Logger) *Handler {
	return &Handler{
		transactions: transactions,
		log:          log.With().Str("component", "transaction-http").Logger(),
	}
}

// Routes mounts the transaction endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/transactions", h.createTransaction)
	r.Get("/transactions", h.listTransactions)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Patch("/transactions/{id}", h.patchTransaction)
	r.Delete("/transactions/{id}", h.deleteTransaction)
	r.Post("/transactions/{id}/cancel", h.cancelTransaction)
	return r
}

type createTransactionRequest struct {
	OwnerID     uuid.UUID  `json:"ownerId"`
	AccountID   uuid.UUID  `json:"accountId"`
	CategoryID  *uuid.UUID `json:"categoryId,omitempty"`
	Amount      string     `json:"amount"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags,omitempty"`
}

type patchTransactionRequest struct {
	CategoryID  *uuid.UUID `json:"categoryId,omitempty"`
	ClearCat    bool       `json:"clearCategory,omitempty"`
	Description *string    `json:"description,omitempty"`
	Tags        *[]string  `json:"tags,omitempty"`
	Amount      *string    `json:"amount,omitempty"`
}

type transactionResponse struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"ownerId"`
	AccountID   uuid.UUID  `json:"accountId"`
	CategoryID  *uuid.UUID `json:"categoryId,omitempty"`
	Amount      string     `json:"amount"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func toTransactionResponse(transaction *domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:          transaction.ID,
		OwnerID:     transaction.OwnerID,
		AccountID:   transaction.AccountID,
		CategoryID:  transaction.CategoryID,
		Amount:      money.Format(transaction.Amount),
		Type:        string(transaction.Type),
		Description: transaction.Description,
		Tags:        transaction.Tags,
		Status:      string(transaction.Status),
		CreatedAt:   transaction.CreatedAt,
		UpdatedAt:   transaction.UpdatedAt,
	}
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to parse request body")
		return
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	transaction, err := h.transactions.Create(r.Context(),
		req.OwnerID, req.AccountID, req.CategoryID,
		amount, domain.TransactionType(req.Type), req.Description, req.Tags)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusCreated, toTransactionResponse(transaction))
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid transaction id")
		return
	}

	transaction, err := h.transactions.Get(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, toTransactionResponse(transaction))
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("ownerId"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "ownerId query parameter is required")
		return
	}

	transactions, err := h.transactions.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	out := make([]transactionResponse, 0, len(transactions))
	for _, transaction := range transactions {
		out = append(out, toTransactionResponse(transaction))
	}
	sendJSON(w, http.StatusOK, out)
}

func (h *Handler) patchTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid transaction id")
		return
	}

	var req patchTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to parse request body")
		return
	}

	patch := domain.Patch{
		CategoryID:  req.CategoryID,
		ClearCat:    req.ClearCat,
		Description: req.Description,
		Tags:        req.Tags,
	}
	if req.Amount != nil {
		amount, err := money.ParsePositive(*req.Amount)
		if err != nil {
			sendErrorResponse(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
			return
		}
		patch.Amount = &amount
	}

	transaction, err := h.transactions.ApplyPatch(r.Context(), id, patch)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, toTransactionResponse(transaction))
}

func (h *Handler) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid transaction id")
		return
	}

	if err := h.transactions.Delete(r.Context(), id); err != nil {
		h.sendDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid transaction id")
		return
	}

	transaction, err := h.transactions.Cancel(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, toTransactionResponse(transaction))
}

// sendDomainError maps domain errors to HTTP responses.
func (h *Handler) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTransactionNotFound):
		sendErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "transaction not found")
	case errors.Is(err, domain.ErrInvalidTransaction):
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrStaleTransition):
		sendErrorResponse(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		h.log.Error().Err(err).Msg("internal error")
		sendErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
	}
}

type errorResponse struct {
	ID          uuid.UUID `json:"id"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
}

// sendErrorResponse sends an error response in the expected format.
func sendErrorResponse(w http.ResponseWriter, statusCode int, code, description string) {
	sendJSON(w, statusCode, errorResponse{
		ID:          uuid.New(),
		Code:        code,
		Description: description,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
