package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"gopkg.in/natefinch/lumberjack.v2"

	"raffle/internal/auth"
	"raffle/internal/cache"
	"raffle/internal/config"
	"raffle/internal/handlers"
	"raffle/internal/models"
	"raffle/internal/payment"
	"raffle/internal/services"
	"raffle/internal/store"
	"raffle/internal/worker"
)

func main() {
	issueToken := flag.String("issue-token", "", "print an operator token for the given operator name and exit")
	flag.Parse()

	// 1. Load configuration (YAML from RAFFLE_CONFIG, RAFFLE_* env overrides).
	path := os.Getenv("RAFFLE_CONFIG")
	cfg, err := config.Load(path, path == "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logging, rotating to a file when one is configured.
	var logFile io.Writer = io.Discard
	if cfg.Log.File != "" {
		logFile = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxDays,
			Compress:   cfg.Log.Compress,
		}
	}
	defer logger.Init("raffle", cfg.Log.Verbose, false, logFile).Close()

	authManager := auth.NewManager(cfg.Auth)
	if *issueToken != "" {
		token, exp, err := authManager.Issue(*issueToken)
		if err != nil {
			logger.Fatalf("Failed to issue operator token: %v", err)
		}
		fmt.Printf("%s\n# expires %s\n", token, exp.Format(time.RFC3339))
		return
	}

	// 3. Open the database and apply the schema.
	st, err := store.Open(cfg.DB)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	if cfg.DB.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := st.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Fatalf("Failed to migrate database: %v", err)
		}
	}

	// 4. Connect Redis when configured. Settlement works without it.
	rdb := cache.NewClient(cfg.Redis)
	idem := cache.New(rdb, cfg.Settlement.IdemLockTTL, cfg.Settlement.IdemResultTTL)
	if idem.Enabled() {
		defer rdb.Close()
		if err := idem.Ping(context.Background(), 2*time.Second); err != nil {
			logger.Warningf("Redis unreachable at startup, continuing on the ledger only: %v", err)
		}
	}

	// 5. Initialize the services.
	opts := services.OptionsFrom(cfg.Settlement)
	verifier := payment.NewHTTPVerifier(cfg.Verifier)
	settlement := services.NewSettlementService(st, idem, verifier, opts)
	draws := services.NewDrawService(st, idem, opts)
	grants := services.NewGrantService(st, opts)
	competitions := services.NewCompetitionService(st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	// 6. Start the outbox dispatcher.
	dispatcher := worker.NewDispatcher(st, cfg.Outbox)
	if idem.Enabled() {
		dispatcher.OnAll(worker.NewStreamPublisher(rdb, cfg.Outbox.Stream))
		dispatcher.On(models.TopicTicketsSettled, worker.NewSpendHook(rdb))
	}
	if cfg.Reconciler.AutoDraw {
		dispatcher.On(models.TopicSoldOut, worker.NewStageHook(draws))
	}
	dispatcher.Start(ctx, &wg)

	// 7. Schedule the reconciler, inventory audit and expired-window draws.
	runner := worker.NewRunner(ctx)
	if cfg.Reconciler.Enabled {
		rec := worker.NewReconciler(st, verifier, settlement.Ledger(), draws, cfg.Reconciler)
		type job struct {
			name, spec string
			run        func(context.Context)
		}
		jobs := []job{
			{"reconcile-payments", cfg.Reconciler.Spec, func(ctx context.Context) { rec.ReconcilePayments(ctx) }},
			{"audit-inventory", cfg.Reconciler.AuditSpec, func(ctx context.Context) { _, _ = rec.AuditInventory(ctx) }},
		}
		if cfg.Reconciler.AutoDraw {
			jobs = append(jobs, job{"draw-closed", cfg.Reconciler.DrawSpec, func(ctx context.Context) { rec.DrawClosed(ctx) }})
		}
		for _, j := range jobs {
			if _, err := runner.Add(j.name, j.spec, j.run); err != nil {
				logger.Fatalf("Failed to schedule %s (%q): %v", j.name, j.spec, err)
			}
		}
	}
	runner.Start()

	// 8. Set up the Gin router.
	gin.SetMode(cfg.Server.Mode)
	checks := map[string]handlers.HealthCheck{"db": st.Ping}
	if idem.Enabled() {
		checks["redis"] = func(ctx context.Context) error { return idem.Ping(ctx, time.Second) }
	}
	httpHandler := handlers.NewHTTPHandler(settlement, draws, grants, competitions, checks)
	if !authManager.Enabled() {
		logger.Warning("auth.operator_secret is empty, operator endpoints will reject every request")
	}
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handlers.NewRouter(httpHandler, authManager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 9. Run the server until a signal arrives, then drain.
	go func() {
		logger.Infof("Server starting on %s", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to run server: %v", err)
			stop()
		}
	}()
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("HTTP shutdown: %v", err)
	}
	runner.Stop()
	wg.Wait()
}
