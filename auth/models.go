package auth

import "time"

type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Operator is a back-office user of the recovery firm. It mirrors the
// operators table and carries no JSON annotations.
type Operator struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanFinalize reports whether the role may turn approved rows into cases.
func (r Role) CanFinalize() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// RegisterRequest contains operator registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains operator login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
