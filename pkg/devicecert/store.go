package devicecert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/certhub/certhub/internal/db"
)

// Store provides database operations for device_installed_certs.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const rowColumns = `org_id, device_id, thumbprint, subject, issuer, not_after,
	installed_via_agent, cleanup_mode, keep_until, keep_reason, last_seen_at, removed_at`

// Row represents a full device_installed_certs row.
type Row struct {
	OrgID             uuid.UUID
	DeviceID          uuid.UUID
	Thumbprint        string
	Subject           *string
	Issuer            *string
	NotAfter          *time.Time
	InstalledViaAgent bool
	CleanupMode       *string
	KeepUntil         *time.Time
	KeepReason        *string
	LastSeenAt        time.Time
	RemovedAt         *time.Time
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *Row) ToResponse() Response {
	return Response{
		OrgID:             r.OrgID,
		DeviceID:          r.DeviceID,
		Thumbprint:        r.Thumbprint,
		Subject:           strVal(r.Subject),
		Issuer:            strVal(r.Issuer),
		NotAfter:          r.NotAfter,
		InstalledViaAgent: r.InstalledViaAgent,
		CleanupMode:       strVal(r.CleanupMode),
		KeepUntil:         r.KeepUntil,
		KeepReason:        strVal(r.KeepReason),
		LastSeenAt:        r.LastSeenAt,
		RemovedAt:         r.RemovedAt,
	}
}

func scanRow(row pgx.Row) (Row, error) {
	var r Row
	err := row.Scan(
		&r.OrgID, &r.DeviceID, &r.Thumbprint, &r.Subject, &r.Issuer, &r.NotAfter,
		&r.InstalledViaAgent, &r.CleanupMode, &r.KeepUntil, &r.KeepReason, &r.LastSeenAt, &r.RemovedAt,
	)
	return r, err
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	var items []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning installed-cert row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// UpsertParams carries one reported certificate's fields for the upsert half
// of the reconciliation.
type UpsertParams struct {
	OrgID       uuid.UUID
	DeviceID    uuid.UUID
	Thumbprint  string
	Subject     string
	Issuer      string
	NotAfter    *time.Time
	CleanupMode string
	KeepUntil   *time.Time
	KeepReason  string
}

// Upsert inserts or updates a reported certificate, always marking it
// installed_via_agent, refreshing last_seen_at, and clearing removed_at.
func (s *Store) Upsert(ctx context.Context, p UpsertParams) error {
	const q = `
		INSERT INTO device_installed_certs
			(org_id, device_id, thumbprint, subject, issuer, not_after,
			 installed_via_agent, cleanup_mode, keep_until, keep_reason, last_seen_at, removed_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8, $9, now(), NULL)
		ON CONFLICT (org_id, device_id, thumbprint) DO UPDATE SET
			subject = EXCLUDED.subject,
			issuer = EXCLUDED.issuer,
			not_after = EXCLUDED.not_after,
			installed_via_agent = true,
			cleanup_mode = EXCLUDED.cleanup_mode,
			keep_until = EXCLUDED.keep_until,
			keep_reason = EXCLUDED.keep_reason,
			last_seen_at = now(),
			removed_at = NULL`
	_, err := s.dbtx.Exec(ctx, q, p.OrgID, p.DeviceID, p.Thumbprint, nullify(p.Subject), nullify(p.Issuer),
		p.NotAfter, nullify(p.CleanupMode), p.KeepUntil, nullify(p.KeepReason))
	if err != nil {
		return fmt.Errorf("upserting installed cert: %w", err)
	}
	return nil
}

func nullify(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MarkAbsent sets removed_at = now() for every still-present row of this
// device whose thumbprint is not in keep, per spec.md §4.11 step 2. Returns
// the number of rows marked.
func (s *Store) MarkAbsent(ctx context.Context, orgID, deviceID uuid.UUID, keep []string) (int, error) {
	const q = `
		UPDATE device_installed_certs
		SET removed_at = now()
		WHERE org_id = $1 AND device_id = $2 AND removed_at IS NULL AND NOT (thumbprint = ANY($3))`
	tag, err := s.dbtx.Exec(ctx, q, orgID, deviceID, keep)
	if err != nil {
		return 0, fmt.Errorf("marking absent installed certs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// List returns a device's installed-cert rows filtered by scope and removal state.
func (s *Store) List(ctx context.Context, orgID, deviceID uuid.UUID, scope Scope, includeRemoved bool) ([]Row, error) {
	q := `SELECT ` + rowColumns + ` FROM device_installed_certs WHERE org_id = $1 AND device_id = $2`
	args := []any{orgID, deviceID}
	if scope == ScopeAgent {
		q += ` AND installed_via_agent = true`
	}
	if !includeRemoved {
		q += ` AND removed_at IS NULL`
	}
	q += ` ORDER BY last_seen_at DESC`

	rows, err := s.dbtx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing installed certs: %w", err)
	}
	return scanRows(rows)
}
