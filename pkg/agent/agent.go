// Package agent implements the Agent Protocol Surface (C8): device
// authentication and heartbeat. Job listing, claiming, payload fetch, result
// reporting, and installed-cert reporting are served by installjob and
// devicecert directly, mounted alongside this package behind the same
// device-authenticated route group, per spec.md §4.8.
package agent

import "github.com/google/uuid"

// AuthRequest is the JSON body for POST /agent/auth.
type AuthRequest struct {
	DeviceID    uuid.UUID `json:"device_id" validate:"required"`
	DeviceToken string    `json:"device_token" validate:"required"`
}

// AuthResponse carries the freshly minted device access token.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
}

// HeartbeatRequest is the JSON body for POST /agent/heartbeat.
type HeartbeatRequest struct {
	AgentVersion string `json:"agent_version"`
}
