package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fleetops/costrecon/internal/alerting"
	"github.com/fleetops/costrecon/internal/api"
	"github.com/fleetops/costrecon/internal/config"
	"github.com/fleetops/costrecon/internal/logger"
	"github.com/fleetops/costrecon/internal/recon"
	"github.com/fleetops/costrecon/internal/repository"
	"github.com/fleetops/costrecon/internal/workflow"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	slog.Info("initializing database", "path", cfg.DB.Path)
	db, err := repository.InitDB(cfg.DB.Path)
	if err != nil {
		slog.Error("failed to init db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tolAbs, err := decimal.NewFromString(cfg.Tolerance.Absolute)
	if err != nil {
		slog.Error("invalid absolute tolerance", "value", cfg.Tolerance.Absolute, "error", err)
		os.Exit(1)
	}
	tolPct, err := decimal.NewFromString(cfg.Tolerance.Percent)
	if err != nil {
		slog.Error("invalid percent tolerance", "value", cfg.Tolerance.Percent, "error", err)
		os.Exit(1)
	}

	// Repositories.
	invoiceRepo := repository.NewInvoiceLineRepo(db)
	costRepo := repository.NewCostRecordRepo(db)
	budgetRepo := repository.NewBudgetRepo(db)
	runRepo := repository.NewRunRepo(db)
	discRepo := repository.NewDiscrepancyRepo(db)
	alertRepo := repository.NewAlertRepo(db)

	// Services.
	alertMgr := alerting.NewManager(alertRepo, logger.For("alerting"))
	executor := recon.NewExecutor(
		runRepo, discRepo, alertMgr,
		recon.StoreInvoiceSource{Repo: invoiceRepo},
		recon.StoreCostSource{Repo: costRepo},
		recon.NewTolerance(tolAbs, tolPct),
		recon.RetryPolicy{
			MaxAttempts:    cfg.Fetch.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Fetch.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		logger.For("executor"),
	)
	scheduler := recon.NewScheduler(executor, logger.For("scheduler"))
	workflowSvc := workflow.NewService(discRepo)

	// Periodic reconciliation for every configured tenant. A failure
	// here is fatal: the host must know scheduling never began.
	interval := time.Duration(cfg.Scheduler.IntervalMinutes) * time.Minute
	for _, tenant := range cfg.Scheduler.Tenants {
		if _, err := scheduler.Start(tenant, interval); err != nil {
			slog.Error("failed to start scheduler", "tenant", tenant, "error", err)
			os.Exit(1)
		}
	}

	router := api.NewRouter(api.Deps{
		Scheduler: scheduler,
		Runs:      runRepo,
		Discs:     discRepo,
		Workflow:  workflowSvc,
		Alerts:    alertMgr,
		Invoices:  invoiceRepo,
		Costs:     costRepo,
		Budgets:   budgetRepo,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("cost reconciliation engine listening",
			"port", cfg.Server.Port,
			"tenants", cfg.Scheduler.Tenants,
			"interval_minutes", cfg.Scheduler.IntervalMinutes,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	scheduler.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	slog.Info("server exited")
}
