// Package devicecert implements the Installed-Cert Reconciler (C11): agents
// report the full set of certificates present in their local store, and this
// package reconciles that snapshot against device_installed_certs, marking
// entries absent from the report as removed, per spec.md §4.11.
package devicecert

import (
	"time"

	"github.com/google/uuid"
)

// ReportItem is one certificate entry in an agent's installed-cert report.
type ReportItem struct {
	Thumbprint  string     `json:"thumbprint" validate:"required"`
	Subject     string     `json:"subject"`
	Issuer      string     `json:"issuer"`
	NotAfter    *time.Time `json:"not_after"`
	CleanupMode string     `json:"cleanup_mode"`
	KeepUntil   *time.Time `json:"keep_until"`
	KeepReason  string     `json:"keep_reason"`
}

// ReportRequest is the JSON body for POST /agent/installed-certs/report. The
// set of items is treated as a full snapshot of what the agent sees locally.
type ReportRequest struct {
	DeviceID uuid.UUID    `json:"device_id" validate:"required"`
	Items    []ReportItem `json:"items"`
}

// ReportResult summarizes the upsert/mark-absent reconciliation.
type ReportResult struct {
	Upserted    int `json:"upserted"`
	MarkedAbsent int `json:"marked_absent"`
}

// Response is the JSON view of a device_installed_certs row.
type Response struct {
	OrgID              uuid.UUID  `json:"org_id"`
	DeviceID           uuid.UUID  `json:"device_id"`
	Thumbprint         string     `json:"thumbprint"`
	Subject            string     `json:"subject,omitempty"`
	Issuer             string     `json:"issuer,omitempty"`
	NotAfter           *time.Time `json:"not_after,omitempty"`
	InstalledViaAgent  bool       `json:"installed_via_agent"`
	CleanupMode        string     `json:"cleanup_mode,omitempty"`
	KeepUntil          *time.Time `json:"keep_until,omitempty"`
	KeepReason         string     `json:"keep_reason,omitempty"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	RemovedAt          *time.Time `json:"removed_at,omitempty"`
}

// Scope filters the view endpoint: all rows, or agent-installed only.
type Scope string

const (
	ScopeAll   Scope = "all"
	ScopeAgent Scope = "agent"
)

// ListParams configures GET /devices/:id/installed-certs.
type ListParams struct {
	Scope          Scope
	IncludeRemoved bool
}

// CleanupReportRequest is the JSON body for the audit-only POST /agent/cleanup
// endpoint: a count of certificates the agent removed locally after the
// 18-hour retention horizon, per spec.md's CERT_REMOVED_18H audit action.
type CleanupReportRequest struct {
	DeviceID uuid.UUID `json:"device_id" validate:"required"`
	Removed  int       `json:"removed" validate:"required,min=1"`
	Reason   string    `json:"reason"`
}
