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
	"github.com/tidebill/renewd/internal/domain"
	"github.com/tidebill/renewd/internal/fingerprint"
	"github.com/tidebill/renewd/internal/queue"
	"github.com/tidebill/renewd/internal/tenant"
)

// advisoryKey elects one scheduler instance as the ticking leader.
const advisoryKey = 7741

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
	store := billing.NewStore()
	router := queue.New(rdb, queue.DefaultRoutes(), cfg.JobHardTimeout()+30*time.Second, logger)

	// Advisory locks are session-scoped, so leader election holds one
	// dedicated connection for the process lifetime.
	leaderConn, err := db.Acquire(ctx)
	if err != nil {
		logger.Fatal("acquire leader connection", zap.Error(err))
	}
	defer leaderConn.Release()

	s := &scheduler{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		router:   router,
		log:      logger,
	}

	tick := time.NewTicker(cfg.SchedulerTick())
	defer tick.Stop()

	logger.Info("scheduler starting")
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		var leader bool
		if err := leaderConn.QueryRow(ctx, "select pg_try_advisory_lock($1)", advisoryKey).Scan(&leader); err != nil {
			logger.Error("leader election", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}
		s.tick(ctx)
	}
}

type scheduler struct {
	cfg      config.Config
	sessions *tenant.Sessions
	store    *billing.Store
	router   *queue.Router
	log      *zap.Logger
}

func (s *scheduler) tick(ctx context.Context) {
	tenants, err := s.fetchTenants(ctx)
	if err != nil {
		s.log.Error("list tenants", zap.Error(err))
		return
	}

	for _, id := range tenants {
		if err := s.enqueueDueRenewals(ctx, id); err != nil {
			s.log.Error("enqueue due renewals", zap.Int64("tenant", id), zap.Error(err))
		}
	}

	now := time.Now().UTC().Unix()
	for _, rt := range queue.DefaultRoutes() {
		if err := s.router.MoveDue(ctx, rt.Domain, now, 200); err != nil {
			s.log.Error("move due", zap.String("domain", rt.Domain), zap.Error(err))
		}
		if err := s.router.Reclaim(ctx, rt.Domain, now, 200); err != nil {
			s.log.Error("reclaim", zap.String("domain", rt.Domain), zap.Error(err))
		}
	}
}

// fetchTenants reads the tenant registry. The registry is infrastructure,
// not tenant-scoped data, so it goes through the admin session.
func (s *scheduler) fetchTenants(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.sessions.WithAdminSession(ctx, "enumerate-tenants", func(ctx context.Context, conn tenant.Conn) error {
		rows, err := conn.Query(ctx, `select id from tenants where active`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// enqueueDueRenewals opens a tenant session and enqueues one renewal per
// due subscription. Duplicate enqueues across ticks are expected; the
// executor absorbs them by fingerprint.
func (s *scheduler) enqueueDueRenewals(ctx context.Context, tenantID int64) error {
	return s.sessions.WithTenantSession(ctx, tenantID, func(ctx context.Context, conn tenant.Conn) error {
		due, err := s.store.ListDue(ctx, conn, time.Now().UTC(), 500)
		if err != nil {
			return err
		}
		for _, sub := range due {
			period, err := billing.NextPeriod(sub.CurrentPeriod)
			if err != nil {
				s.log.Error("bad current period",
					zap.String("subscription", sub.ID),
					zap.String("period", sub.CurrentPeriod))
				continue
			}
			payload := domain.RenewalPayload{SubscriptionID: sub.ID, BillingPeriod: period}
			msg := &domain.Message{
				Domain:      "billing",
				Job:         "subscription.renew",
				TenantID:    tenantID,
				Fingerprint: fingerprint.Renewal(sub.ID, period),
				Payload:     payload.Encode(),
			}
			if err := s.router.Enqueue(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}
