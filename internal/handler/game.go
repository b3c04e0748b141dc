package handler

import (
	"net/http"

	"tonsettle/internal/apperr"
	"tonsettle/internal/model"

	"github.com/gin-gonic/gin"
)

func (h *Handler) InitializeSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	info, err := h.game.InitializeSession(c.Request.Context(), req.WalletID, req.ClientSeed)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, info)
}

// EndSession reveals the server seed so past rounds can be verified.
func (h *Handler) EndSession(c *gin.Context) {
	var req model.EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	info, err := h.game.EndSession(c.Request.Context(), req.WalletID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (h *Handler) GetSession(c *gin.Context) {
	info, found := h.game.Session(c.Param("wallet_id"))
	if !found {
		h.fail(c, apperr.New(apperr.KindNotFound, "handler.session", "no active session"))
		return
	}
	ok(c, http.StatusOK, info)
}

func (h *Handler) PlayRound(c *gin.Context) {
	var req model.PlayRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	res, err := h.game.PlayRound(c.Request.Context(), req.WalletID, req.BetAmount, req.Lines, req.ClientSeed)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) VerifyRound(c *gin.Context) {
	res, err := h.game.VerifyRound(c.Request.Context(), c.Param("round_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) GameStats(c *gin.Context) {
	body := gin.H{"system": h.game.SystemStats()}
	if wallet := c.Query("wallet_id"); wallet != "" {
		body["player"] = h.game.PlayerStats(wallet)
	}
	ok(c, http.StatusOK, body)
}
