package tenant

// Role is the closed set of caller roles carried alongside a tenant
// context. Capability checks go through CanBypassTenantScope rather than
// string comparisons scattered through handlers.
type Role int

const (
	RoleMember Role = iota
	RoleBillingOps
	RoleAdmin
)

func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "billing-ops":
		return RoleBillingOps
	default:
		return RoleMember
	}
}

// CanBypassTenantScope reports whether the role may use the cross-tenant
// admin session. Only RoleAdmin qualifies.
func (r Role) CanBypassTenantScope() bool { return r == RoleAdmin }
