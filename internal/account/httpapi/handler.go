// Package httpapi exposes the account service's HTTP surface. The
// update-balance endpoint is the synchronous/legacy path into the balance
// mutator; the primary path is asynchronous via events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/domain"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/money"
)

// BalanceUpdater is the slice of the balance service this handler needs.
type BalanceUpdater interface {
	UpdateBalance(ctx context.Context, accountID, operationID uuid.UUID, amount decimal.Decimal, onApplied func(txCtx context.Context) error) error
}

// Handler serves the account endpoints.
type Handler struct {
	accounts *domain.AccountService
	balance  BalanceUpdater
	log      zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(accounts *domain.AccountService, balance BalanceUpdater, log zerolog.Logger) *Handler {
	return &Handler{
		accounts: accounts,
		balance:  balance,
		log:      log.With().Str("component", "account-http").Logger(),
	}
}

// Routes mounts the account endpoints on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/accounts", h.createAccount)
	r.Get("/accounts/{id}", h.getAccount)
	r.Post("/accounts/{id}/update-balance", h.updateBalance)
	r.Post("/accounts/{id}/deactivate", h.deactivateAccount)
	return r
}

type createAccountRequest struct {
	OwnerID  uuid.UUID `json:"ownerId"`
	Currency string    `json:"currency"`
	Type     string    `json:"type"`
}

type accountResponse struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"ownerId"`
	Balance   string    `json:"balance"`
	Currency  string    `json:"currency"`
	Type      string    `json:"type"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toAccountResponse(account *domain.Account) accountResponse {
	return accountResponse{
		ID:        account.ID,
		OwnerID:   account.OwnerID,
		Balance:   money.Format(account.Balance),
		Currency:  account.Currency,
		Type:      string(account.Type),
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
		UpdatedAt: account.UpdatedAt,
	}
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to parse request body")
		return
	}
	if req.OwnerID == uuid.Nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "ownerId is required")
		return
	}

	account, err := h.accounts.Create(r.Context(), req.OwnerID, req.Currency, domain.AccountType(req.Type))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid account id")
		return
	}

	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, toAccountResponse(account))
}

// updateBalance applies a signed amount synchronously. The operation id
// comes from the X-Idempotency-Key header so client retries deduplicate; a
// missing header gets a fresh id (no dedup across retries).
func (h *Handler) updateBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid account id")
		return
	}

	amount, err := money.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	operationID := uuid.New()
	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		parsed, err := uuid.Parse(key)
		if err != nil {
			sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "X-Idempotency-Key must be a UUID")
			return
		}
		operationID = parsed
	}

	if err := h.balance.UpdateBalance(r.Context(), id, operationID, amount, nil); err != nil {
		h.sendDomainError(w, err)
		return
	}

	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid account id")
		return
	}

	account, err := h.accounts.Deactivate(r.Context(), id)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, toAccountResponse(account))
}

// sendDomainError maps domain errors to HTTP responses.
func (h *Handler) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		sendErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "account not found")
	case errors.Is(err, domain.ErrInsufficientBalance):
		sendErrorResponse(w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient balance")
	case errors.Is(err, domain.ErrAccountInactive):
		sendErrorResponse(w, http.StatusConflict, "ACCOUNT_INACTIVE", "account is inactive")
	case errors.Is(err, domain.ErrBalanceOutstanding):
		sendErrorResponse(w, http.StatusConflict, "BALANCE_OUTSTANDING", "account balance must be zero")
	case errors.Is(err, domain.ErrRetryExhausted):
		sendErrorResponse(w, http.StatusConflict, "CONFLICT", "balance update retries exhausted")
	case errors.Is(err, domain.ErrInvalidAmount):
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be non-zero")
	case errors.Is(err, domain.ErrValidation):
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
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
