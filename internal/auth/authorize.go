package auth

// Role is the caller's position in the hierarchy
// superadmin > tenant-admin > member > anonymous.
type Role int

const (
	RoleAnonymous Role = iota
	RoleMember
	RoleTenantAdmin
	RoleSuperAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleTenantAdmin:
		return "tenant-admin"
	case RoleSuperAdmin:
		return "superadmin"
	default:
		return "anonymous"
	}
}

// RoleOf maps stored role flags onto a Role.
func RoleOf(isAdmin, isTenantAdmin bool) Role {
	switch {
	case isAdmin:
		return RoleSuperAdmin
	case isTenantAdmin:
		return RoleTenantAdmin
	default:
		return RoleMember
	}
}

// Requirement describes what a protected operation needs from the caller.
type Requirement struct {
	// MinRole is the lowest role allowed to perform the operation.
	MinRole Role
	// Tenant is the tenant owning the resource; empty means not tenant scoped.
	Tenant string
	// Owner is the identity owning a self-scoped resource.
	Owner string
	// AllowMembers grants members read access to resources of their own tenant.
	AllowMembers bool
}

// Decision is the outcome of Authorize. Reason is ErrUnauthorized or
// ErrForbidden when access is denied.
type Decision struct {
	Allowed bool
	Reason  error
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(reason error) Decision { return Decision{Reason: reason} }

// Err returns nil for an allowed decision and the deny reason otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == nil {
		return ErrForbidden
	}
	return d.Reason
}

// Authorize decides whether claims satisfy req. It never mutates state.
func Authorize(c *Claims, req Requirement) Decision {
	role := c.Role()
	if role == RoleAnonymous {
		return Deny(ErrUnauthorized)
	}
	if role == RoleSuperAdmin {
		return Allow()
	}
	if req.Owner != "" && req.Owner == c.Subject {
		return Allow()
	}
	if role < req.MinRole {
		return Deny(ErrForbidden)
	}

	switch role {
	case RoleTenantAdmin:
		if req.Tenant == "" || req.Tenant == c.TenantID {
			return Allow()
		}
	case RoleMember:
		if req.AllowMembers && req.Tenant != "" && req.Tenant == c.TenantID {
			return Allow()
		}
	}
	return Deny(ErrForbidden)
}

// AffiliationRequirement is the blanket check applied to every tenant-scoped
// route before a handler runs.
func AffiliationRequirement(tenant string) Requirement {
	return Requirement{MinRole: RoleMember, Tenant: tenant, AllowMembers: true}
}
