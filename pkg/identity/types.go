package identity

// Role is an operator's administrative role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "read_only"
)

// Operator is a human or CI principal authorized to call the
// administrative HTTP surface (create-agent, generate-token, admin/*).
// It is distinct from an agent identity, which is authenticated by the
// HMAC token format in pkg/tokens rather than a JWT.
type Operator struct {
	OperatorID string
	Role       Role
}
