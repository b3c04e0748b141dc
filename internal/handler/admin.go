package handler

import (
	"net/http"

	"tonsettle/internal/model"

	"github.com/gin-gonic/gin"
)

func (h *Handler) BreakerHealth(c *gin.Context) {
	ok(c, http.StatusOK, h.breakers.Health())
}

// ResetBreaker closes a named breaker by hand, e.g. after an indexer outage.
func (h *Handler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := h.breakers.Reset(name); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, h.breakers.Get(name).Snapshot())
}

// ListWithdrawals lists withdrawals by state, flagged ones by default.
func (h *Handler) ListWithdrawals(c *gin.Context) {
	states := make([]model.WithdrawalState, 0)
	for _, s := range c.QueryArray("state") {
		states = append(states, model.WithdrawalState(s))
	}
	if len(states) == 0 {
		states = append(states, model.WithdrawalFlagged)
	}
	list, err := h.withdrawals.List(c.Request.Context(), states...)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, list)
}

func (h *Handler) ApproveWithdrawal(c *gin.Context) {
	id := c.Param("id")
	if err := h.withdrawals.Approve(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id, "state": model.WithdrawalPending})
}

func (h *Handler) RejectWithdrawal(c *gin.Context) {
	var req model.ReviewWithdrawalRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	id := c.Param("id")
	if err := h.withdrawals.Reject(c.Request.Context(), id, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"id": id, "state": model.WithdrawalFailed})
}

// AdjustBalance applies an operator correction to a wallet balance.
func (h *Handler) AdjustBalance(c *gin.Context) {
	var req model.AdjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	acct, err := h.ledger.AdjustBalance(c.Request.Context(), c.Param("wallet_id"), req.Delta, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, acct)
}
