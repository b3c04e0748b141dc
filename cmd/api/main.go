package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tonsettle/internal/breaker"
	"tonsettle/internal/config"
	"tonsettle/internal/database"
	"tonsettle/internal/deposit"
	"tonsettle/internal/fair"
	"tonsettle/internal/handler"
	"tonsettle/internal/logging"
	"tonsettle/internal/middleware"
	"tonsettle/internal/notify"
	"tonsettle/internal/scheduler"
	"tonsettle/internal/ton"
	"tonsettle/internal/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	events, hub, closeSinks := setupNotifier(cfg, logger)
	defer closeSinks()

	breakers := breaker.NewRegistry(cfg.Breakers.Default, logger,
		breaker.WithOverrides(cfg.Breakers.Overrides),
		breaker.WithMetrics(reg),
	)
	breakers.Subscribe(func(change breaker.StateChange) {
		// events is async, so publishing under the breaker lock is fine
		_ = events.Publish(context.Background(), notify.SystemWallet, notify.BreakerStateChanged, change)
	})

	chain := ton.NewClient(cfg.TON, logger)

	deposits, err := deposit.NewPipeline(cfg.Deposit, chain, db, events, breakers, logger,
		deposit.WithAddressNormalizer(ton.NormalizeAddress),
		deposit.WithMetrics(reg),
	)
	if err != nil {
		return err
	}

	wcfg := cfg.Withdrawal
	if wcfg.HouseAddress == "" {
		if wcfg.HouseAddress, err = chain.HouseAddress(ctx); err != nil {
			logger.Warn("house address unavailable, withdrawals will fail until configured", zap.Error(err))
		}
	}
	withdrawals, err := withdrawal.NewService(wcfg, chain, db, events, breakers, logger,
		withdrawal.WithAddressValidator(ton.ValidateAddress),
		withdrawal.WithMetrics(reg),
	)
	if err != nil {
		return err
	}
	if n, err := withdrawals.Resume(ctx); err != nil {
		logger.Error("failed to resume pending withdrawals", zap.Error(err))
	} else if n > 0 {
		logger.Info("resumed pending withdrawals", zap.Int("count", n))
	}

	game := fair.NewEngine(cfg.Game, logger, fair.WithLedger(db))
	if _, err := game.Restore(ctx); err != nil {
		return err
	}
	rateLimiter := middleware.NewIPRateLimiter(cfg.RateLimit)

	jobs := scheduler.New(logger)
	sc := cfg.Schedule
	for _, j := range []struct {
		name     string
		interval time.Duration
		fn       func(context.Context)
	}{
		{"deposit_detect", sc.DepositDetect, deposits.DetectTick},
		{"deposit_sweep", sc.DepositSweep, deposits.SweepTick},
		{"withdrawal_drain", sc.WithdrawalDrain, withdrawals.ProcessQueue},
		{"withdrawal_finalize", sc.WithdrawalFinalize, withdrawals.FinalizeTick},
		{"prune", sc.Prune, func(context.Context) {
			deposits.Prune()
			sessions := game.Prune()
			limiters := rateLimiter.Cleanup()
			logger.Debug("pruned idle state", zap.Int("sessions", sessions), zap.Int("rate_limiters", limiters))
		}},
	} {
		if err := jobs.Every(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	jobs.Start(ctx)
	defer jobs.Stop()
	if sc.Heartbeat > 0 {
		go hub.Heartbeat(ctx, sc.Heartbeat)
	}

	h := handler.NewHandler(handler.Deps{
		Ledger:      db,
		Deposits:    deposits,
		Withdrawals: withdrawals,
		Game:        game,
		Breakers:    breakers,
		Hub:         hub,
		Gatherer:    reg,
		AdminAPIKey: cfg.AdminAPIKey,
		Logger:      logger,
	})
	router := setupRouter(h, rateLimiter, logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port), zap.Strings("jobs", jobs.Jobs()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// setupNotifier builds the event fan-out. Only the log sink and the websocket
// hub are always on; the rest are enabled by their configuration.
func setupNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, *notify.Hub, func()) {
	hub := notify.NewHub(logger)
	sinks := notify.Multi{notify.NewLog(logger), hub}
	var closers []func()

	if cfg.Redis.URL != "" {
		client, err := notify.Connect(cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, notify.NewRedis(client, cfg.Redis.Prefix))
			closers = append(closers, func() { _ = client.Close() })
		}
	}
	if cfg.AMQP.URL != "" {
		a, err := notify.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			logger.Warn("amqp notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, a)
			closers = append(closers, a.Close)
		}
	}
	if cfg.Telegram.Token != "" {
		t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Warn("telegram alerts disabled", zap.Error(err))
		} else {
			sinks = append(sinks, t)
		}
	}

	async := notify.NewAsync(sinks, cfg.Notify.QueueSize, logger)
	return async, hub, func() {
		async.Close()
		for _, c := range closers {
			c()
		}
	}
}

func setupRouter(h *handler.Handler, limiter *middleware.IPRateLimiter, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Cors())
	router.Use(limiter.RateLimit())

	h.Register(router)
	return router
}
