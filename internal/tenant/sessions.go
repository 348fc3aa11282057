package tenant

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
)

// session is one checked-out pooled connection. The indirection over
// *pgxpool.Conn lets tests drive the whole lifecycle without a live pool.
type session interface {
	Conn
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
	// CloseUnderlying tears down the physical connection so the pool
	// discards it on Release instead of reusing it.
	CloseUnderlying(ctx context.Context) error
}

type poolSession struct {
	*pgxpool.Conn
}

func (s poolSession) CloseUnderlying(ctx context.Context) error {
	return s.Conn.Conn().Close(ctx)
}

// Sessions hands out tenant-scoped database sessions. Components receive a
// *Sessions at construction; there is no package-level pool.
type Sessions struct {
	acquire func(ctx context.Context) (session, error)
	mgr     *ContextManager
	log     *zap.Logger
}

func NewSessions(pool *pgxpool.Pool, log *zap.Logger) *Sessions {
	return &Sessions{
		acquire: func(ctx context.Context) (session, error) {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return poolSession{conn}, nil
		},
		mgr: NewContextManager(log),
		log: log,
	}
}

// WithTenantSession acquires a connection, binds and validates the tenant
// id, invokes fn, and guarantees clear + release on every exit path. This is
// the only sanctioned way to obtain a tenant-scoped session.
func (s *Sessions) WithTenantSession(ctx context.Context, tenantID int64, fn func(ctx context.Context, conn Conn) error) error {
	return s.withTenantSession(ctx, tenantID, func(ctx context.Context, sess session) error {
		return fn(ctx, sess)
	})
}

func (s *Sessions) withTenantSession(ctx context.Context, tenantID int64, fn func(ctx context.Context, sess session) error) (err error) {
	if tenantID <= 0 {
		return domain.Validationf("tenant id must be a positive integer, got %d", tenantID)
	}

	sess, err := s.acquire(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "acquire connection")
	}
	defer func() {
		// Clear runs even when fn panicked or returned an error; a
		// connection must never return to the pool still bound.
		cleanup := context.WithoutCancel(ctx)
		if cerr := s.mgr.Clear(cleanup, sess); cerr != nil {
			err = multierr.Append(err, cerr)
			// Clear failed, so the binding may still be in place. Destroy
			// the connection rather than hand it back for reuse.
			if closeErr := sess.CloseUnderlying(cleanup); closeErr != nil {
				s.log.Error("closing tainted connection failed", zap.Error(closeErr))
			}
		}
		sess.Release()
	}()

	if err = s.mgr.Bind(ctx, sess, tenantID); err != nil {
		return err
	}
	if err = s.mgr.Validate(ctx, sess, tenantID); err != nil {
		return err
	}
	return fn(ctx, sess)
}

// WithTenantTx runs fn inside a single transaction on a tenant-scoped
// session. Commit happens only when fn returns nil; any error rolls the
// whole transaction back.
func (s *Sessions) WithTenantTx(ctx context.Context, tenantID int64, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return s.withTenantSession(ctx, tenantID, func(ctx context.Context, sess session) error {
		tx, err := sess.Begin(ctx)
		if err != nil {
			return pkgerrors.Wrap(err, "begin tx")
		}
		defer tx.Rollback(context.WithoutCancel(ctx))

		if err := fn(ctx, tx); err != nil {
			return err
		}
		return pkgerrors.Wrap(tx.Commit(ctx), "commit tx")
	})
}

// WithAdminSession is the escape hatch for cross-tenant administrative
// operations. It yields an unbound connection that sees nothing in
// tenant-scoped tables; callers may only touch infrastructure tables. Every
// use is logged.
func (s *Sessions) WithAdminSession(ctx context.Context, op string, fn func(ctx context.Context, conn Conn) error) error {
	s.log.Warn("cross-tenant admin session opened", zap.String("operation", op))

	sess, err := s.acquire(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "acquire connection")
	}
	defer sess.Release()

	if err := s.mgr.Clear(ctx, sess); err != nil {
		// Possibly still bound from a previous use; do not reuse it.
		if closeErr := sess.CloseUnderlying(context.WithoutCancel(ctx)); closeErr != nil {
			s.log.Error("closing tainted connection failed", zap.Error(closeErr))
		}
		return err
	}
	return fn(ctx, sess)
}
