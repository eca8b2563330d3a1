package auth

import "time"

// Roles carried in the role claim
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleApprover = "approver"
)

// Scopes checked by the HTTP surface
const (
	ScopeRunsRead         = "runs:read"
	ScopeRunsWrite        = "runs:write"
	ScopeApprovalsResolve = "approvals:resolve"
)

// Identity is the authenticated caller of a request
type Identity struct {
	Subject   string    `json:"subject"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	TokenType string    `json:"token_type"` // jwt, static or anonymous
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// HasScope reports whether the identity carries scope
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verified reports whether the subject comes from a signed token
func (id *Identity) Verified() bool { return id.TokenType == "jwt" }

func scopesForRole(role string) []string {
	switch role {
	case RoleApprover:
		return []string{ScopeRunsRead, ScopeRunsWrite, ScopeApprovalsResolve}
	case RoleOperator:
		return []string{ScopeRunsRead, ScopeRunsWrite}
	default:
		return []string{ScopeRunsRead}
	}
}

func allScopes() []string {
	return []string{ScopeRunsRead, ScopeRunsWrite, ScopeApprovalsResolve}
}
