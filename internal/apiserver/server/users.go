// Package server 用户与账务接口
package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"proxy-market/internal/shared/model"
)

// CreateUserRequest 创建用户的请求体
type CreateUserRequest struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
	Credit  int64  `json:"credit"`
	ChatID  *int64 `json:"chat_id,omitempty"`
}

// CreateUser 创建用户
//
// 路由: POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now()
	user := &model.User{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Balance:   req.Balance,
		Credit:    req.Credit,
		ChatID:    req.ChatID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// GetUser 获取用户
//
// 路由: GET /api/v1/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// amountRequest 充值/扣费请求体
type amountRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
}

// TopUpUser 用户充值
//
// 路由: POST /api/v1/users/{id}/topup
func (h *Handler) TopUpUser(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.billing.TopUp(r.Context(), r.PathValue("id"), req.Amount, req.Note)
	if err != nil {
		writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	h.metrics.BalanceChangesTotal.WithLabelValues("credit", "top_up").Inc()
	writeJSON(w, http.StatusOK, user)
}

// ChargeUser 扣费
//
// 路由: POST /api/v1/users/{id}/charge
func (h *Handler) ChargeUser(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reason := model.TransactionReason(req.Reason)
	user, err := h.billing.Charge(r.Context(), r.PathValue("id"), req.Amount, reason, req.Note)
	if err != nil {
		writeDomainError(w, err, http.StatusBadRequest)
		return
	}
	h.metrics.BalanceChangesTotal.WithLabelValues("debit", string(reason)).Inc()
	writeJSON(w, http.StatusOK, user)
}

// ListUserTransactions 用户流水
//
// 路由: GET /api/v1/users/{id}/transactions
func (h *Handler) ListUserTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.store.ListTransactionsByUser(r.Context(), r.PathValue("id"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}
