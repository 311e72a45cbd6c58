// Package user implements the User entity: admin CRUD, login/session
// lifecycle, and the set/reset password token flows.
package user

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleDev   = "DEV"
	RoleAdmin = "ADMIN"
	RoleView  = "VIEW"
)

// CreateRequest is the JSON body for POST /admin/users.
type CreateRequest struct {
	ADUsername             string `json:"ad_username" validate:"required,min=2"`
	Email                  string `json:"email" validate:"omitempty,email"`
	DisplayName            string `json:"display_name"`
	Role                   string `json:"role" validate:"required,oneof=DEV ADMIN VIEW"`
	AutoApproveInstallJobs bool   `json:"auto_approve_install_jobs"`
	Password               string `json:"password" validate:"required,min=12"`
}

// UpdateRequest is the JSON body for PATCH /admin/users/:id. Role and
// IsActive are pointers so an update can leave them untouched; only DEV may
// change them (enforced in Service.Update).
type UpdateRequest struct {
	Email                  *string `json:"email" validate:"omitempty,email"`
	DisplayName            *string `json:"display_name"`
	Role                   *string `json:"role" validate:"omitempty,oneof=DEV ADMIN VIEW"`
	IsActive               *bool   `json:"is_active"`
	AutoApproveInstallJobs *bool   `json:"auto_approve_install_jobs"`
}

// Response is the JSON response for a single user. Never carries password_hash.
type Response struct {
	ID                     uuid.UUID  `json:"id"`
	OrgID                  uuid.UUID  `json:"org_id"`
	ADUsername             string     `json:"ad_username"`
	Email                  string     `json:"email,omitempty"`
	DisplayName            string     `json:"display_name,omitempty"`
	IsActive               bool       `json:"is_active"`
	RoleGlobal             string     `json:"role_global"`
	AutoApproveInstallJobs bool       `json:"auto_approve_install_jobs"`
	FailedLoginAttempts    int        `json:"failed_login_attempts"`
	LockedUntil            *time.Time `json:"locked_until,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	ADUsername string `json:"ad_username" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// LoginResponse is returned on successful login; the refresh token is set as
// an HttpOnly cookie, never included in the body.
type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	User        Response `json:"user"`
}
