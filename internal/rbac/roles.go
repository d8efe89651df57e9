package rbac

// Role names carried in ops tokens.
const (
	RoleTenantAdmin = "tenant_admin"
	RoleSupervisor  = "supervisor"
	RoleAgent       = "agent"
	RoleSuperAdmin  = "super_admin"
	RoleSupport     = "support_engineer" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
