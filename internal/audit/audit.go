// Package audit writes the append-only audit trail. Unlike a buffered,
// best-effort event log, every entry here is written synchronously on the
// caller's own transaction: if the enclosing business transaction rolls
// back, the audit row rolls back with it, and a state change can never
// commit without its audit row alongside it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/db"
)

// Entry represents a single audit log event.
type Entry struct {
	OrgID        uuid.UUID
	Action       string
	EntityType   string
	EntityID     *string
	ActorUserID  *uuid.UUID
	ActorDeviceID *uuid.UUID
	IP           string
	Meta         map[string]any
}

// Log writes entry on tx. Callers must pass only primitive values in Meta
// (strings, numbers, bools) — ids as strings, enums as their string form.
func Log(ctx context.Context, tx db.DBTX, entry Entry) error {
	var metaJSON []byte
	if entry.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(entry.Meta)
		if err != nil {
			return fmt.Errorf("marshaling audit meta: %w", err)
		}
	}

	var ip *string
	if entry.IP != "" {
		ip = &entry.IP
	}

	const q = `
		INSERT INTO audit_logs (org_id, action, entity_type, entity_id, actor_user_id, actor_device_id, ip, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`

	_, err := tx.Exec(ctx, q,
		entry.OrgID,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.ActorUserID,
		entry.ActorDeviceID,
		ip,
		metaJSON,
	)
	if err != nil {
		return fmt.Errorf("writing audit log entry %s: %w", entry.Action, err)
	}
	return nil
}

// FromRequest builds an Entry populated from the authenticated identity and
// client IP of r, leaving Action/EntityType/EntityID/Meta for the caller.
func FromRequest(r *http.Request, action, entityType string) Entry {
	entry := Entry{
		Action:     action,
		EntityType: entityType,
		IP:         clientIP(r),
	}

	if id := auth.FromContext(r.Context()); id != nil {
		entry.OrgID = id.OrgID
		entry.ActorUserID = id.UserID
		entry.ActorDeviceID = id.DeviceID
	}

	return entry
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
