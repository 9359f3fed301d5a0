package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/broker/paper"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/execution"
	"github.com/ksred/klear-exec/internal/journal"
	"github.com/ksred/klear-exec/internal/metrics"
	"github.com/ksred/klear-exec/internal/orders"
	"github.com/ksred/klear-exec/internal/reconcile"
	"github.com/ksred/klear-exec/internal/risk"
	"github.com/ksred/klear-exec/internal/runtime"
	"github.com/ksred/klear-exec/internal/txlog"
	"github.com/ksred/klear-exec/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const signalQueueSize = 1024

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth      *auth.GinHandlers
	orders    *execution.GinHandlers
	journal   *journal.GinHandlers
	risk      *risk.GinHandlers
	reconcile *reconcile.GinHandlers
	signals   *runtime.GinHandlers
	metrics   *metrics.Metrics
}

// main recovers order state from the transaction log, starts the runtime
// loop, paper broker and reconciler, and serves the operator API until
// SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := database.Close(db); err != nil {
			zlog.Error().Err(err).Msg("Failed to close database")
		}
	}()

	m := metrics.NewMetrics()
	txLog := txlog.New(db)
	tradeJournal := journal.NewJournal(db)
	machine := orders.NewMachine(txLog)
	gate := risk.NewGate(cfg.Risk)

	venue := paper.DefaultVenue
	venue.SuccessRate = cfg.PaperSuccessRate
	broker := paper.NewBroker(paper.Config{
		Venue:       venue,
		Seed:        cfg.PaperSeed,
		ExpireAfter: cfg.PaperExpireAfter,
	})

	engine := execution.NewEngine(machine, txLog, tradeJournal, gate, broker, m, execution.Config{
		RequireTradeID: cfg.RequireTradeID,
		BrokerTimeout:  cfg.BrokerTimeout,
	})
	broker.SetHandler(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovery, err := engine.Recover(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to recover order state")
	}
	zlog.Info().
		Int("restored_orders", len(recovery.RestoredOrders)).
		Int("seeded_ids", recovery.SeededIDs).
		Int("unacknowledged", len(recovery.Unacknowledged)).
		Msg("Recovered order state")

	queue := runtime.NewQueueStrategy(signalQueueSize)
	loop := runtime.NewLoop(engine, queue, broker, broker, m, runtime.Config{
		Interval: cfg.CycleInterval,
		Policy:   cfg.Policy,
	})
	loop.SetHaltCheck(func() bool { return gate.Status().Config.KillSwitch })

	reconciler := reconcile.NewService(machine, tradeJournal, broker, db, m)

	workers := startWorkers(ctx,
		func(ctx context.Context) { broker.Run(ctx, cfg.MatchInterval) },
		loop.Start,
		func(ctx context.Context) { reconciler.Start(ctx, cfg.ReconcileInterval) },
	)

	authService := auth.NewService(cfg.JWTSecret)
	authService.RegisterOperator(cfg.OperatorKey, cfg.OperatorSecret)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, authService.Secret(), handlers{
		auth:      auth.NewGinHandlers(authService),
		orders:    execution.NewGinHandlers(engine, txLog),
		journal:   journal.NewGinHandlers(tradeJournal),
		risk:      risk.NewGinHandlers(gate),
		reconcile: reconcile.NewGinHandlers(reconciler),
		signals:   runtime.NewGinHandlers(queue),
		metrics:   m,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the loop and broker first so no submission races the shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// The database closes on return; in-flight cycles must finish first
	workers.Wait()

	zlog.Info().Msg("Server exiting")
}

// startWorkers runs each worker in its own goroutine. Wait on the returned
// group after cancelling ctx.
func startWorkers(ctx context.Context, workers ...func(context.Context)) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, work := range workers {
		wg.Add(1)
		go func(work func(context.Context)) {
			defer wg.Done()
			work(ctx)
		}(work)
	}
	return &wg
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public token issuance
// - Read routes: JWT protected
// - Internal routes: JWT with the operate permission
func setupRoutes(router *gin.Engine, secret []byte, h handlers) {
	router.GET("/metrics", h.metrics.Handler())

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		read := v1.Group("")
		read.Use(middleware.JWTAuth(secret))
		{
			read.GET("/orders", h.orders.ListOrdersHandler())
			read.GET("/orders/:order_id", h.orders.GetOrderHandler())
			read.GET("/orders/:order_id/history", h.orders.GetOrderHistoryHandler())
			read.GET("/journal/trades/:trade_id", h.journal.GetTradeHandler())
			read.GET("/risk", h.risk.GetStatusHandler())
			read.GET("/reconcile", h.reconcile.GetLatestHandler())
			read.GET("/reconcile/runs", h.reconcile.ListRunsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(secret))
		{
			internal.POST("/signals", h.signals.PostSignalHandler())
			internal.POST("/orders/:order_id/cancel", h.orders.CancelOrderHandler())
			internal.POST("/risk/kill-switch", h.risk.KillSwitchHandler())
			internal.POST("/reconcile", h.reconcile.RunHandler())
		}
	}
}
