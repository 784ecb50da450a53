package models

const (
	RoleAdmin   = "admin"
	RoleScanner = "scanner"
)

// Operator is the authenticated identity behind a privileged call.
type Operator struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func (o Operator) IsAdmin() bool {
	return o.Role == RoleAdmin
}

// CanManualEntry reports whether the operator may check in a ticket without a verify hash.
func (o Operator) CanManualEntry() bool {
	return o.Role == RoleAdmin
}
