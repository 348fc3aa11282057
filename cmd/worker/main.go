package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/billing"
	"github.com/tidebill/renewd/internal/config"
	"github.com/tidebill/renewd/internal/executor"
	"github.com/tidebill/renewd/internal/ledger"
	"github.com/tidebill/renewd/internal/lock"
	"github.com/tidebill/renewd/internal/queue"
	"github.com/tidebill/renewd/internal/retry"
	"github.com/tidebill/renewd/internal/tenant"
	"github.com/tidebill/renewd/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	sessions := tenant.NewSessions(db, logger)
	ledg := ledger.New(db)
	locker := lock.New(rdb, cfg.LockTTL(), logger)
	store := billing.NewStore()

	var gw billing.Gateway = billing.DevGateway{}
	renewer := executor.NewBillingRenewer(sessions, store, ledg, gw, cfg.GatewayTimeout(), logger)
	exec := executor.New(ledg, locker, renewer, cfg.LockTTL(), logger)

	router := queue.New(rdb, queue.DefaultRoutes(), cfg.JobHardTimeout()+30*time.Second, logger)
	policy := retry.Policy{BaseDelay: cfg.RetryBaseDelay(), MaxAttempts: cfg.RetryMaxAttempts}

	w := worker.New(router, exec, ledg, policy, cfg.WorkerDomain, cfg.WorkerConcurrency, cfg.JobSoftTimeout(), logger)
	logger.Info("worker starting",
		zap.String("domain", cfg.WorkerDomain),
		zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := w.Run(ctx); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}
