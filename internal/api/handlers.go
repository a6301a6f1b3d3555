/**
 * @description
 * This file contains the HTTP handlers for the ledger API. Handlers decode the request,
 * call the application service and translate its results and errors into JSON responses.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Use cases and domain types.
 */

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
	logger  *slog.Logger
}

func NewHandlers(service *app.Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

type accountResponse struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	Balance        int64  `json:"balance"`
	PendingBalance int64  `json:"pendingBalance"`
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

type balanceResponse struct {
	EventID string `json:"eventId"`
	Balance int64  `json:"balance"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

type transferResponse struct {
	EventID   string `json:"eventId"`
	IsPending bool   `json:"isPending"`
}

type transferStatusResponse struct {
	IsPending      bool    `json:"isPending"`
	IsAccepted     bool    `json:"isAccepted"`
	ReasonRejected *string `json:"reasonRejected,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func toAccountResponse(account domain.Account) accountResponse {
	return accountResponse{
		ID:             account.ID.String(),
		Owner:          account.Owner.String(),
		Balance:        account.Balance.Int64(),
		PendingBalance: account.PendingBalance.Int64(),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func (h *Handlers) accountIDParam(w http.ResponseWriter, r *http.Request) (domain.AccountID, bool) {
	id, err := domain.ParseAccountID(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return domain.AccountID{}, false
	}
	return id, true
}

func (h *Handlers) eventIDParam(w http.ResponseWriter, r *http.Request) (domain.EventID, bool) {
	id, err := domain.ParseEventID(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return domain.EventID{}, false
	}
	return id, true
}

// ListAccountsHandler returns the caller's open accounts.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	response := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		response = append(response, toAccountResponse(account))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.OpenAccount(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountIDParam(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handlers) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.CloseAccount(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.balanceChange(w, r, h.service.Deposit)
}

func (h *Handlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.balanceChange(w, r, h.service.Withdraw)
}

type balanceChangeFunc func(ctx context.Context, id domain.AccountID, amount domain.BalanceChange) (app.BalanceResult, error)

func (h *Handlers) balanceChange(w http.ResponseWriter, r *http.Request, apply balanceChangeFunc) {
	id, ok := h.accountIDParam(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := domain.NewBalanceChange(req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := apply(r.Context(), id, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{EventID: result.EventID.String(), Balance: result.Balance.Int64()})
}

// TransferHandler answers 200 for completed transfers and 202 for held ones.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, err := domain.ParseAccountID(req.From)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	to, err := domain.ParseAccountID(req.To)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	amount, err := domain.NewBalanceChange(req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	outcome, err := h.service.Transfer(r.Context(), from, to, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if outcome.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, transferResponse{EventID: outcome.EventID.String(), IsPending: outcome.Pending})
}

func (h *Handlers) TransferStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.service.CheckTransferStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	response := transferStatusResponse{
		IsPending:  status.State == app.TransferStatePending,
		IsAccepted: status.State == app.TransferStateAccepted,
	}
	if status.State == app.TransferStateRejected {
		reason := status.Reason
		response.ReasonRejected = &reason
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) ApproveTransferHandler(w http.ResponseWriter, r *http.Request) {
	h.resolveTransfer(w, r, app.TransferDecision{Approve: true})
}

func (h *Handlers) RejectTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	h.resolveTransfer(w, r, app.TransferDecision{Reason: strings.TrimSpace(req.Reason)})
}

func (h *Handlers) resolveTransfer(w http.ResponseWriter, r *http.Request, decision app.TransferDecision) {
	id, ok := h.eventIDParam(w, r)
	if !ok {
		return
	}
	outcome, err := h.service.ResolvePendingTransfer(r.Context(), id, decision)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{EventID: outcome.EventID.String()})
}
