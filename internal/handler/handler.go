package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/breaker"
	"tonsettle/internal/deposit"
	"tonsettle/internal/fair"
	"tonsettle/internal/model"
	"tonsettle/internal/notify"
	"tonsettle/internal/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Ledger is the part of the ledger the HTTP layer reads directly.
type Ledger interface {
	Ping(ctx context.Context) error
	GetAccount(ctx context.Context, walletID string) (*model.Account, error)
	GetUserOperations(ctx context.Context, walletID string, page, pageSize int) (*model.OperationHistory, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]model.TransactionRecord, error)
	AdjustBalance(ctx context.Context, walletID string, delta int64, reason string) (*model.Account, error)
}

type Deps struct {
	Ledger      Ledger
	Deposits    *deposit.Pipeline
	Withdrawals *withdrawal.Service
	Game        *fair.Engine
	Breakers    *breaker.Registry
	Hub         *notify.Hub
	Gatherer    prometheus.Gatherer
	AdminAPIKey string
	Logger      *zap.Logger
}

// Handler manages HTTP request handling on top of the settlement services
type Handler struct {
	ledger      Ledger
	deposits    *deposit.Pipeline
	withdrawals *withdrawal.Service
	game        *fair.Engine
	breakers    *breaker.Registry
	hub         *notify.Hub
	gatherer    prometheus.Gatherer
	adminAPIKey string
	logger      *zap.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ledger:      d.Ledger,
		deposits:    d.Deposits,
		withdrawals: d.Withdrawals,
		game:        d.Game,
		breakers:    d.Breakers,
		hub:         d.Hub,
		gatherer:    d.Gatherer,
		adminAPIKey: d.AdminAPIKey,
		logger:      logger.With(zap.String("component", "handler")),
	}
}

// Register mounts every route on router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/api/health", h.Health)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		wallets := v1.Group("/wallets")
		{
			wallets.GET("/:wallet_id", h.GetWallet)
			wallets.GET("/:wallet_id/operations", h.GetUserOperations)
			wallets.GET("/:wallet_id/transactions", h.GetTransactions)
			wallets.GET("/:wallet_id/ws", h.Stream)
		}

		withdrawals := v1.Group("/withdrawals")
		{
			withdrawals.POST("", h.RequestWithdrawal)
			withdrawals.GET("/quote", h.QuoteWithdrawal)
			withdrawals.GET("/:id", h.GetWithdrawalStatus)
		}

		deposits := v1.Group("/deposits")
		{
			deposits.GET("/monitors", h.MonitoringStatus)
			deposits.POST("/monitors", h.StartMonitoring)
			deposits.DELETE("/monitors/:address", h.StopMonitoring)
			deposits.GET("/pending/:address", h.PendingDeposits)
			deposits.GET("/tx/:tx_id", h.DepositByTx)
		}

		game := v1.Group("/game")
		{
			game.POST("/sessions", h.InitializeSession)
			game.POST("/sessions/end", h.EndSession)
			game.GET("/sessions/:wallet_id", h.GetSession)
			game.POST("/rounds", h.PlayRound)
			game.GET("/rounds/:round_id/verify", h.VerifyRound)
			game.GET("/stats", h.GameStats)
		}

		admin := v1.Group("/admin", h.AdminAuth())
		{
			admin.GET("/breakers", h.BreakerHealth)
			admin.POST("/breakers/:name/reset", h.ResetBreaker)
			admin.GET("/withdrawals", h.ListWithdrawals)
			admin.POST("/withdrawals/:id/approve", h.ApproveWithdrawal)
			admin.POST("/withdrawals/:id/reject", h.RejectWithdrawal)
			admin.PUT("/wallets/:wallet_id/balance", h.AdjustBalance)
		}
	}
}

// AdminAuth middleware checks if the request has a valid admin API key
func (h *Handler) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if h.adminAPIKey == "" || apiKey != h.adminAPIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.Response{
				Success: false,
				Error:   "invalid API key",
			})
			return
		}
		c.Next()
	}
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case apperr.KindCircuitOpen, apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindSecurityHold:
		return http.StatusLocked
	case apperr.KindChainSubmission:
		return http.StatusBadGateway
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := apperr.Message(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, model.Response{
		Success: false,
		Error:   msg,
		Kind:    string(kind),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, model.Response{
		Success: false,
		Error:   msg,
		Kind:    string(apperr.KindValidation),
	})
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, model.Response{
		Success: true,
		Data:    data,
	})
}

// Health reports breaker states and ledger reachability.
func (h *Handler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	dbStatus := "ok"
	if err := h.ledger.Ping(c.Request.Context()); err != nil {
		dbStatus = err.Error()
		status, code = "degraded", http.StatusServiceUnavailable
	}
	if !h.breakers.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body := gin.H{
		"status":   status,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"database": dbStatus,
		"breakers": h.breakers.Health(),
	}
	if h.withdrawals != nil {
		body["withdrawals"] = h.withdrawals.Status()
	}
	c.JSON(code, body)
}

func (h *Handler) GetWallet(c *gin.Context) {
	acct, err := h.ledger.GetAccount(c.Request.Context(), c.Param("wallet_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, acct)
}

// GetUserOperations returns the wallet's operation journal, newest first.
func (h *Handler) GetUserOperations(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		badRequest(c, "invalid page")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize < 1 || pageSize > 100 {
		badRequest(c, "page_size must be between 1 and 100")
		return
	}

	history, err := h.ledger.GetUserOperations(c.Request.Context(), c.Param("wallet_id"), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, history)
}

func (h *Handler) GetTransactions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		badRequest(c, "invalid limit")
		return
	}
	txs, err := h.ledger.ListTransactions(c.Request.Context(), c.Param("wallet_id"), min(limit, 500))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, txs)
}

// Stream upgrades to a websocket carrying the wallet's settlement events.
func (h *Handler) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, model.Response{Success: false, Error: "event stream disabled"})
		return
	}
	if err := h.hub.Serve(c.Writer, c.Request, c.Param("wallet_id")); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
	}
}
