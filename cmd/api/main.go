package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/config"
	"github.com/tidebill/renewd/internal/domain"
	"github.com/tidebill/renewd/internal/fingerprint"
	"github.com/tidebill/renewd/internal/ledger"
	"github.com/tidebill/renewd/internal/queue"
	"github.com/tidebill/renewd/internal/tenant"
)

func main() {
	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx := context.Background()
	migrate(cfg, logger)

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	a := &api{
		ledg:   ledger.New(db),
		router: queue.New(rdb, queue.DefaultRoutes(), cfg.JobHardTimeout()+30*time.Second, logger),
		log:    logger,
	}

	rtr := chi.NewRouter()
	rtr.Post("/v1/renewals", a.enqueueRenewal)
	rtr.Get("/v1/ledger/{fingerprint}", a.getLedgerRecord)
	rtr.Get("/v1/dlq/{domain}", a.listDLQ)
	rtr.Post("/v1/dlq/{domain}/replay", a.replayDLQ)

	logger.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		logger.Fatal("api server", zap.Error(err))
	}
}

func migrate(cfg config.Config, logger *zap.Logger) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("open for migrations", zap.Error(err))
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Fatal("goose dialect", zap.Error(err))
	}
	if err := goose.Up(db, "migrations"); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
}

type api struct {
	ledg   *ledger.Ledger
	router *queue.Router
	log    *zap.Logger
}

type enqueueRenewalRequest struct {
	TenantID       int64  `json:"tenant_id"`
	SubscriptionID string `json:"subscription_id"`
	BillingPeriod  string `json:"billing_period"`
}

func (a *api) enqueueRenewal(w http.ResponseWriter, req *http.Request) {
	var body enqueueRenewalRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	if body.TenantID <= 0 || body.SubscriptionID == "" || body.BillingPeriod == "" {
		httpError(w, http.StatusBadRequest, "tenant_id, subscription_id and billing_period are required")
		return
	}

	payload := domain.RenewalPayload{SubscriptionID: body.SubscriptionID, BillingPeriod: body.BillingPeriod}
	msg := &domain.Message{
		Domain:      "billing",
		Job:         "subscription.renew",
		TenantID:    body.TenantID,
		Fingerprint: fingerprint.Renewal(body.SubscriptionID, body.BillingPeriod),
		Payload:     payload.Encode(),
	}
	if err := a.router.Enqueue(req.Context(), msg); err != nil {
		a.log.Error("enqueue renewal", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message_id":  msg.ID,
		"fingerprint": msg.Fingerprint,
	})
}

func (a *api) getLedgerRecord(w http.ResponseWriter, req *http.Request) {
	fp := chi.URLParam(req, "fingerprint")
	rec, err := a.ledg.Get(req.Context(), fp)
	if err != nil {
		a.log.Error("read ledger", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}
	if rec == nil {
		httpError(w, http.StatusNotFound, "no ledger record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) listDLQ(w http.ResponseWriter, req *http.Request) {
	dom := chi.URLParam(req, "domain")
	limit := int64(50)
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := a.router.ListDLQ(req.Context(), dom, limit)
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) replayDLQ(w http.ResponseWriter, req *http.Request) {
	if !tenant.ParseRole(req.Header.Get("X-Role")).CanBypassTenantScope() {
		httpError(w, http.StatusForbidden, "admin role required")
		return
	}
	dom := chi.URLParam(req, "domain")
	n, err := a.router.ReplayDLQ(req.Context(), dom, 100)
	if err != nil {
		a.log.Error("dlq replay", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
