// Package installjob implements the Install-Job State Machine (C7): request,
// approve/deny, claim, single-use payload lease, result reporting, and
// timeout reap, exactly as spec.md §4.7 describes.
package installjob

import (
	"time"

	"github.com/google/uuid"
)

// Status values. EXPIRED is reserved: no operation in this package
// transitions a job into it, per the explicit open question in spec.md §9.
const (
	StatusRequested  = "REQUESTED"
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
	StatusCanceled   = "CANCELED"
	StatusExpired    = "EXPIRED"
)

func IsTerminal(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// CreateRequest is the JSON body for POST /certificados/:id/install.
type CreateRequest struct {
	DeviceID    uuid.UUID  `json:"device_id" validate:"required"`
	CleanupMode string     `json:"cleanup_mode" validate:"omitempty,oneof=DEFAULT KEEP_UNTIL EXEMPT"`
	KeepUntil   *time.Time `json:"keep_until"`
	KeepReason  string     `json:"keep_reason"`
}

// ResultRequest is the JSON body for POST /agent/jobs/:id/result.
type ResultRequest struct {
	Status       string `json:"status" validate:"required,oneof=DONE FAILED"`
	Thumbprint   string `json:"thumbprint"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Response is the JSON response for a job, as seen by operators.
type Response struct {
	ID                    uuid.UUID  `json:"id"`
	OrgID                 uuid.UUID  `json:"org_id"`
	CertID                uuid.UUID  `json:"cert_id"`
	DeviceID              uuid.UUID  `json:"device_id"`
	RequestedByUserID     uuid.UUID  `json:"requested_by_user_id"`
	Status                string     `json:"status"`
	ApprovedByUserID      *uuid.UUID `json:"approved_by_user_id,omitempty"`
	ApprovedAt            *time.Time `json:"approved_at,omitempty"`
	ClaimedByDeviceID     *uuid.UUID `json:"claimed_by_device_id,omitempty"`
	ClaimedAt             *time.Time `json:"claimed_at,omitempty"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	ErrorCode             string     `json:"error_code,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	Thumbprint            string     `json:"thumbprint,omitempty"`
	CleanupMode           string     `json:"cleanup_mode"`
	KeepUntil             *time.Time `json:"keep_until,omitempty"`
	KeepReason            string     `json:"keep_reason,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ClaimResponse is the JSON response for a successful claim: the job view
// plus the freshly minted payload token, which is never persisted in the
// clear and never returned again after this call.
type ClaimResponse struct {
	Response
	PayloadToken string `json:"payload_token"`
}

// PayloadResponse is the JSON response for a successful payload fetch.
type PayloadResponse struct {
	JobID       uuid.UUID  `json:"job_id"`
	CertID      uuid.UUID  `json:"cert_id"`
	PFXBase64   string     `json:"pfx_base64"`
	Password    string     `json:"password"`
	SourcePath  string     `json:"source_path"`
	GeneratedAt time.Time  `json:"generated_at"`
	CleanupMode string     `json:"cleanup_mode,omitempty"`
	KeepUntil   *time.Time `json:"keep_until,omitempty"`
	KeepReason  string     `json:"keep_reason,omitempty"`
}

// ReapResponse is the JSON response for the reaper endpoint.
type ReapResponse struct {
	Reaped int `json:"reaped"`
}

const payloadLease = 120 * time.Second

// PayloadDenialReason identifies why a payload fetch was refused, for the
// PAYLOAD_DENIED audit row.
type PayloadDenialReason string

const (
	DenyMissingToken     PayloadDenialReason = "missing_token"
	DenyTokenUsed        PayloadDenialReason = "token_used"
	DenyTokenExpired     PayloadDenialReason = "token_expired"
	DenyTokenMismatch    PayloadDenialReason = "token_mismatch"
	DenyDeviceMismatch   PayloadDenialReason = "device_mismatch"
	DenyJobNotInProgress PayloadDenialReason = "job_not_in_progress"
	DenyRateLimited      PayloadDenialReason = "rate_limited"
)
