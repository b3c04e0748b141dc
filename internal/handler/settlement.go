package handler

import (
	"net/http"
	"strconv"

	"tonsettle/internal/model"
	"tonsettle/internal/withdrawal"

	"github.com/gin-gonic/gin"
)

// RequestWithdrawal holds the credits and queues (or flags) the payout.
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req model.CreateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	receipt, err := h.withdrawals.RequestWithdrawal(c.Request.Context(), req.WalletID, req.CreditAmount, req.DestinationAddress)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if receipt.State == model.WithdrawalFlagged {
		status = http.StatusAccepted
	}
	ok(c, status, receipt)
}

func (h *Handler) QuoteWithdrawal(c *gin.Context) {
	credits, err := strconv.ParseInt(c.Query("credits"), 10, 64)
	if err != nil || credits <= 0 {
		badRequest(c, "credits must be a positive integer")
		return
	}
	ok(c, http.StatusOK, h.withdrawals.Quote(credits))
}

func (h *Handler) GetWithdrawalStatus(c *gin.Context) {
	w, err := h.withdrawals.GetWithdrawalStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"withdrawal":     w,
		"estimated_time": withdrawal.EstimatedTime(w.State),
	})
}

func (h *Handler) StartMonitoring(c *gin.Context) {
	var req model.MonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.deposits.StartMonitoring(req.Address, req.WalletID); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"address": req.Address, "monitoring": true})
}

func (h *Handler) StopMonitoring(c *gin.Context) {
	address := c.Param("address")
	if err := h.deposits.StopMonitoring(address); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"address": address, "monitoring": false})
}

func (h *Handler) MonitoringStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.deposits.MonitoringStatus(c.Request.Context()))
}

func (h *Handler) PendingDeposits(c *gin.Context) {
	pending, err := h.deposits.PendingDeposits(c.Param("address"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, pending)
}

func (h *Handler) DepositByTx(c *gin.Context) {
	rec, err := h.deposits.RecordByTx(c.Param("tx_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"deposit": rec, "progress": rec.Progress()})
}
