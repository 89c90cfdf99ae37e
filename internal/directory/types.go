package directory

import (
	"time"

	"custodia.org/internal/access"
)

// UserStatus is the lifecycle state of a directory user.
type UserStatus string

const (
	UserActive      UserStatus = "active"
	UserDeactivated UserStatus = "deactivated"
)

// User is an org-scoped principal.
type User struct {
	ID        string      `json:"id"`
	OrgID     string      `json:"org_id"`
	Email     string      `json:"email"`
	Role      access.Role `json:"role"`
	Status    UserStatus  `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Version   uint64      `json:"version"`
}
