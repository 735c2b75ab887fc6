package domain

// Role is the caller's role as asserted by the upstream identity layer.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleAgent     Role = "agent"
	RoleRequester Role = "requester"
	RoleViewer    Role = "viewer"
)

// Valid reports whether r is a declared role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAgent, RoleRequester, RoleViewer:
		return true
	}
	return false
}

// IsStaff reports whether the role belongs to support staff.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleAgent
}

// Actor identifies who is acting on an aggregate.
type Actor struct {
	ID       string
	Role     Role
	TenantID string
}
