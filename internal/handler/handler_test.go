package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tonsettle/internal/apperr"
	"tonsettle/internal/breaker"
	"tonsettle/internal/database"
	"tonsettle/internal/deposit"
	"tonsettle/internal/fair"
	"tonsettle/internal/model"
	"tonsettle/internal/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const adminKey = "admin-secret"

type stubChain struct{}

func (stubChain) ListRecentTransfers(context.Context, string, uint64) ([]model.Transfer, error) {
	return nil, nil
}

func (stubChain) GetTransaction(context.Context, string) (*model.ChainTx, error) {
	return nil, apperr.New(apperr.KindNotFound, "stub", "no such tx")
}

func (stubChain) GetChainHeight(context.Context) (int64, error) { return 100, nil }

func (stubChain) GetBalance(context.Context, string) (int64, error) { return 1_000_000, nil }

func (stubChain) PrepareTransfer(context.Context, string, string, int64, string) (*model.OutgoingTransfer, error) {
	return &model.OutgoingTransfer{MessageHash: "msg-out", ExpiresAt: time.Now().Add(3 * time.Minute)}, nil
}

func (stubChain) SubmitTransfer(context.Context, *model.OutgoingTransfer) (model.BroadcastResult, error) {
	return model.BroadcastResult{Success: true, TxID: "tx-out"}, nil
}

func (stubChain) FindTransfer(context.Context, string) (string, error) { return "tx-out", nil }

type env struct {
	t      *testing.T
	db     *database.Database
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.New(database.Config{Driver: "sqlite3", Path: filepath.Join(t.TempDir(), "ledger.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger, breaker.WithMetrics(reg))

	deposits, err := deposit.NewPipeline(deposit.DefaultConfig(), stubChain{}, db, nil, breakers, logger)
	require.NoError(t, err)
	wcfg := withdrawal.DefaultConfig()
	wcfg.HouseAddress = "0:house"
	withdrawals, err := withdrawal.NewService(wcfg, stubChain{}, db, nil, breakers, logger, withdrawal.WithMetrics(reg))
	require.NoError(t, err)

	h := NewHandler(Deps{
		Ledger:      db,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Game:        fair.NewEngine(fair.DefaultConfig(), logger, fair.WithLedger(db)),
		Breakers:    breakers,
		Gatherer:    reg,
		AdminAPIKey: adminKey,
		Logger:      logger,
	})
	router := gin.New()
	h.Register(router)
	return &env{t: t, db: db, router: router}
}

func (e *env) fund(wallet string, amount int64) {
	e.t.Helper()
	_, err := e.db.AtomicCreditAndRecord(context.Background(), wallet, amount, "fund-"+wallet, model.CreditMeta{})
	require.NoError(e.t, err)
}

func (e *env) do(method, path string, body any, admin bool) (int, model.Response) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("X-API-Key", adminKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp model.Response
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func data(t *testing.T, resp model.Response) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func TestStatusForKinds(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:        http.StatusBadRequest,
		apperr.KindInsufficientFunds: http.StatusPaymentRequired,
		apperr.KindCircuitOpen:       http.StatusServiceUnavailable,
		apperr.KindSecurityHold:      http.StatusLocked,
		apperr.KindLedgerConsistency: http.StatusInternalServerError,
		apperr.KindChainSubmission:   http.StatusBadGateway,
		apperr.KindNotFound:          http.StatusNotFound,
		apperr.KindConflict:          http.StatusConflict,
		apperr.KindRateLimited:       http.StatusTooManyRequests,
		apperr.KindTimeout:           http.StatusGatewayTimeout,
		apperr.KindUnknown:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, statusFor(kind), "kind %q", kind)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(http.MethodGet, "/api/v1/admin/breakers", nil, false)
	require.Equal(t, http.StatusUnauthorized, code)

	code, resp := e.do(http.MethodGet, "/api/v1/admin/breakers", nil, true)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	code, resp = e.do(http.MethodPost, "/api/v1/admin/breakers/nope/reset", nil, true)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, string(apperr.KindNotFound), resp.Kind)
}

func TestWithdrawalRoutes(t *testing.T) {
	e := newEnv(t)
	e.fund("W1", 1000)

	code, resp := e.do(http.MethodGet, "/api/v1/withdrawals/quote?credits=1000", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 980, data(t, resp)["net_token_amount"])

	code, resp = e.do(http.MethodPost, "/api/v1/withdrawals", model.CreateWithdrawalRequest{WalletID: "W1", CreditAmount: 10}, false)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, string(apperr.KindValidation), resp.Kind)

	code, resp = e.do(http.MethodPost, "/api/v1/withdrawals", model.CreateWithdrawalRequest{WalletID: "W2", CreditAmount: 100}, false)
	require.Equal(t, http.StatusPaymentRequired, code)

	// nothing wagered yet, so the request is held for review
	code, resp = e.do(http.MethodPost, "/api/v1/withdrawals", model.CreateWithdrawalRequest{WalletID: "W1", CreditAmount: 400, DestinationAddress: "0:dest"}, false)
	require.Equal(t, http.StatusAccepted, code)
	id := data(t, resp)["id"].(string)
	require.Equal(t, "flagged", data(t, resp)["state"])

	code, resp = e.do(http.MethodGet, "/api/v1/withdrawals/"+id, nil, false)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "24-48 hours (manual review)", data(t, resp)["estimated_time"])

	code, resp = e.do(http.MethodGet, "/api/v1/admin/withdrawals", nil, true)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Data, 1)

	code, _ = e.do(http.MethodPost, "/api/v1/admin/withdrawals/"+id+"/reject", model.ReviewWithdrawalRequest{Reason: "no play"}, true)
	require.Equal(t, http.StatusOK, code)
	code, resp = e.do(http.MethodPost, "/api/v1/admin/withdrawals/"+id+"/approve", nil, true)
	require.Equal(t, http.StatusConflict, code)

	code, resp = e.do(http.MethodGet, "/api/v1/wallets/W1", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1000, data(t, resp)["balance"])

	code, _ = e.do(http.MethodGet, "/api/v1/withdrawals/unknown", nil, false)
	require.Equal(t, http.StatusNotFound, code)
}

func TestDepositMonitorRoutes(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(http.MethodPost, "/api/v1/deposits/monitors", model.MonitorRequest{Address: "addr1", WalletID: "W1"}, false)
	require.Equal(t, http.StatusOK, code)

	code, resp := e.do(http.MethodGet, "/api/v1/deposits/monitors", nil, false)
	require.Equal(t, http.StatusOK, code)
	monitors := data(t, resp)["monitors"].([]any)
	require.Len(t, monitors, 1)
	require.EqualValues(t, 100, data(t, resp)["chain_height"])

	code, resp = e.do(http.MethodGet, "/api/v1/deposits/pending/addr1", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, resp.Data)

	code, _ = e.do(http.MethodDelete, "/api/v1/deposits/monitors/addr1", nil, false)
	require.Equal(t, http.StatusOK, code)
	code, _ = e.do(http.MethodDelete, "/api/v1/deposits/monitors/addr1", nil, false)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(http.MethodGet, "/api/v1/deposits/tx/unknown", nil, false)
	require.Equal(t, http.StatusNotFound, code)
}

func TestGameRoutes(t *testing.T) {
	e := newEnv(t)
	e.fund("W1", 1000)

	code, resp := e.do(http.MethodPost, "/api/v1/game/sessions", model.CreateSessionRequest{WalletID: "W1", ClientSeed: "lucky"}, false)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, data(t, resp)["server_seed_hash"])

	code, resp = e.do(http.MethodPost, "/api/v1/game/rounds", model.PlayRoundRequest{WalletID: "W1", BetAmount: 10}, false)
	require.Equal(t, http.StatusOK, code)
	round := data(t, resp)["round"].(map[string]any)
	roundID := round["round_id"].(string)

	code, _ = e.do(http.MethodPost, "/api/v1/game/rounds", model.PlayRoundRequest{WalletID: "W1", BetAmount: 1_000_000}, false)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(http.MethodPost, "/api/v1/game/sessions/end", model.EndSessionRequest{WalletID: "W1"}, false)
	require.Equal(t, http.StatusOK, code)

	code, resp = e.do(http.MethodGet, "/api/v1/game/rounds/"+roundID+"/verify", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, data(t, resp)["valid"])
	require.Equal(t, true, data(t, resp)["revealed"])

	code, resp = e.do(http.MethodGet, "/api/v1/game/stats?wallet_id=W1", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, data(t, resp), "player")
}

func TestAdjustBalanceAndJournal(t *testing.T) {
	e := newEnv(t)
	code, resp := e.do(http.MethodPut, "/api/v1/admin/wallets/W9/balance", model.AdjustBalanceRequest{Delta: 250, Reason: "goodwill"}, true)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 250, data(t, resp)["balance"])

	code, resp = e.do(http.MethodPut, "/api/v1/admin/wallets/W9/balance", model.AdjustBalanceRequest{Delta: -500, Reason: "oops"}, true)
	require.Equal(t, http.StatusPaymentRequired, code)

	code, resp = e.do(http.MethodGet, "/api/v1/wallets/W9/operations?page=1&page_size=10", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, data(t, resp)["total"])

	code, _ = e.do(http.MethodGet, "/api/v1/wallets/W9/operations?page_size=1000", nil, false)
	require.Equal(t, http.StatusBadRequest, code)
}
