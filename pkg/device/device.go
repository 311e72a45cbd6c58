// Package device implements the Device entity: operator CRUD, token
// rotation, and the allow-list (UserDevice) lookups the install-job and
// installed-cert layers depend on to decide which devices a VIEW user may
// target.
package device

import (
	"time"

	"github.com/google/uuid"
)

// CreateRequest is the JSON body for POST /admin/devices.
type CreateRequest struct {
	Hostname     string     `json:"hostname" validate:"required,min=2"`
	OSName       string     `json:"os_name"`
	OSVersion    string     `json:"os_version"`
	AssignedUser *uuid.UUID `json:"assigned_user_id"`
	AutoApprove  bool       `json:"auto_approve"`
	AllowKeepUntil bool     `json:"allow_keep_until"`
	AllowExempt  bool       `json:"allow_exempt"`
}

// UpdateRequest is the JSON body for PATCH /admin/devices/:id. AutoApprove
// may only be changed by DEV (enforced in Service.Update); every other field
// is ADMIN-or-DEV.
type UpdateRequest struct {
	Hostname       *string    `json:"hostname" validate:"omitempty,min=2"`
	OSName         *string    `json:"os_name"`
	OSVersion      *string    `json:"os_version"`
	AgentVersion   *string    `json:"agent_version"`
	IsAllowed      *bool      `json:"is_allowed"`
	AutoApprove    *bool      `json:"auto_approve"`
	AssignedUser   *uuid.UUID `json:"assigned_user_id"`
	AllowKeepUntil *bool      `json:"allow_keep_until"`
	AllowExempt    *bool      `json:"allow_exempt"`
}

// Response is the JSON response for a device. Never carries device_token_hash.
type Response struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	Hostname       string     `json:"hostname"`
	OSName         string     `json:"os_name,omitempty"`
	OSVersion      string     `json:"os_version,omitempty"`
	AgentVersion   string     `json:"agent_version,omitempty"`
	IsAllowed      bool       `json:"is_allowed"`
	AutoApprove    bool       `json:"auto_approve"`
	AssignedUserID *uuid.UUID `json:"assigned_user_id,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat_at,omitempty"`
	AllowKeepUntil bool       `json:"allow_keep_until"`
	AllowExempt    bool       `json:"allow_exempt"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RotateTokenResponse carries the new raw device token exactly once.
type RotateTokenResponse struct {
	DeviceToken string `json:"device_token"`
}
