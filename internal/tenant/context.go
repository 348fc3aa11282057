// Package tenant owns the per-connection tenant binding and the only
// sanctioned way application code obtains a tenant-scoped database session.
// The bound value feeds the row-level security policies on tenant-scoped
// tables, so binding is done once, as early as possible, and independently
// re-validated rather than trusted.
package tenant

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
)

// settingName is the connection-scoped GUC consumed by RLS policies.
const settingName = "app.tenant_id"

// Conn is the slice of a pgx connection the context manager needs.
// *pgxpool.Conn and pgx.Tx both satisfy it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ContextManager binds, validates, and clears the tenant id on a single
// database connection.
type ContextManager struct {
	log *zap.Logger
}

func NewContextManager(log *zap.Logger) *ContextManager {
	return &ContextManager{log: log}
}

// Bind sets the tenant id on the connection. Every query issued afterwards
// on this connection is implicitly scoped to that tenant.
func (m *ContextManager) Bind(ctx context.Context, conn Conn, tenantID int64) error {
	if tenantID <= 0 {
		return domain.Validationf("tenant id must be a positive integer, got %d", tenantID)
	}
	_, err := conn.Exec(ctx, "select set_config($1, $2, false)", settingName, strconv.FormatInt(tenantID, 10))
	return pkgerrors.Wrap(err, "bind tenant")
}

// Validate re-reads the bound value and fails with IsolationViolation if it
// does not exactly match. A silent failure to bind would leak one tenant's
// rows into another's request, so the binding is double-checked instead of
// trusted.
func (m *ContextManager) Validate(ctx context.Context, conn Conn, expected int64) error {
	var bound string
	err := conn.QueryRow(ctx, "select coalesce(current_setting($1, true), '')", settingName).Scan(&bound)
	if err != nil {
		return pkgerrors.Wrap(err, "read tenant binding")
	}
	if bound != strconv.FormatInt(expected, 10) {
		iv := &domain.IsolationViolation{Expected: expected, Actual: bound}
		m.log.Error("tenant isolation violation detected",
			zap.Int64("expected_tenant", expected),
			zap.String("bound_tenant", bound))
		return iv
	}
	return nil
}

// Clear unsets the binding. Called unconditionally before a connection goes
// back to the pool, on every exit path.
func (m *ContextManager) Clear(ctx context.Context, conn Conn) error {
	_, err := conn.Exec(ctx, "select set_config($1, '', false)", settingName)
	return pkgerrors.Wrap(err, "clear tenant")
}
