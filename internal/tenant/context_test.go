package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/tidebill/renewd/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

// fakeConn records Exec calls and serves the currently bound value back
// through QueryRow, mimicking set_config/current_setting.
type fakeConn struct {
	execs []execCall
	bound string
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	switch len(args) {
	case 2: // set_config(name, value, false)
		f.bound = args[1].(string)
	case 1: // set_config(name, '', false)
		f.bound = ""
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{value: f.bound}
}

type fakeRow struct{ value string }

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*string)) = r.value
	return nil
}

func TestBindRejectsNonPositiveTenant(t *testing.T) {
	m := NewContextManager(zap.NewNop())
	conn := &fakeConn{}
	for _, id := range []int64{0, -1, -42} {
		err := m.Bind(context.Background(), conn, id)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("Bind(%d) = %v, want validation error", id, err)
		}
	}
	if len(conn.execs) != 0 {
		t.Fatal("invalid tenant id reached the connection")
	}
}

func TestBindThenValidate(t *testing.T) {
	m := NewContextManager(zap.NewNop())
	conn := &fakeConn{}
	ctx := context.Background()

	if err := m.Bind(ctx, conn, 7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(conn.execs) != 1 || conn.execs[0].args[1] != "7" {
		t.Fatalf("unexpected bind call: %+v", conn.execs)
	}
	if err := m.Validate(ctx, conn, 7); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateMismatchIsIsolationViolation(t *testing.T) {
	m := NewContextManager(zap.NewNop())
	conn := &fakeConn{}
	ctx := context.Background()

	// Connection is bound to tenant 9; caller expected tenant 7.
	if err := m.Bind(ctx, conn, 9); err != nil {
		t.Fatalf("bind: %v", err)
	}
	err := m.Validate(ctx, conn, 7)
	var iv *domain.IsolationViolation
	if !errors.As(err, &iv) {
		t.Fatalf("err = %v, want isolation violation", err)
	}
	if iv.Expected != 7 || iv.Actual != "9" {
		t.Fatalf("violation = %+v", iv)
	}
}

func TestValidateUnboundConnection(t *testing.T) {
	m := NewContextManager(zap.NewNop())
	err := m.Validate(context.Background(), &fakeConn{}, 7)
	var iv *domain.IsolationViolation
	if !errors.As(err, &iv) {
		t.Fatalf("err = %v, want isolation violation for unbound connection", err)
	}
}

func TestClearUnbinds(t *testing.T) {
	m := NewContextManager(zap.NewNop())
	conn := &fakeConn{}
	ctx := context.Background()

	if err := m.Bind(ctx, conn, 7); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := m.Clear(ctx, conn); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if conn.bound != "" {
		t.Fatalf("still bound to %q after clear", conn.bound)
	}
}

func TestWithTenantSessionFailsFastOnBadTenant(t *testing.T) {
	// The nil pool proves no connection is acquired before validation.
	s := NewSessions(nil, zap.NewNop())
	called := false
	err := s.WithTenantSession(context.Background(), 0, func(ctx context.Context, conn Conn) error {
		called = true
		return nil
	})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if called {
		t.Fatal("fn ran despite invalid tenant id")
	}
}

func TestRoleCapability(t *testing.T) {
	if ParseRole("admin") != RoleAdmin || !RoleAdmin.CanBypassTenantScope() {
		t.Fatal("admin role must be able to bypass tenant scope")
	}
	for _, r := range []Role{RoleMember, RoleBillingOps} {
		if r.CanBypassTenantScope() {
			t.Fatalf("role %d must not bypass tenant scope", r)
		}
	}
	if ParseRole("anything-else") != RoleMember {
		t.Fatal("unknown roles must default to member")
	}
}
