package device

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/certhub/certhub/internal/db"
)

// Store provides database operations for devices and the UserDevice allow-list.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const deviceColumns = `id, org_id, hostname, os_name, os_version, agent_version, is_allowed,
	auto_approve, assigned_user_id, device_token_hash, token_created_at, last_seen_at,
	last_heartbeat_at, allow_keep_until, allow_exempt, created_at, updated_at`

// Row represents a full devices row, including device_token_hash which is
// never serialized to JSON.
type Row struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	Hostname         string
	OSName           *string
	OSVersion        *string
	AgentVersion     *string
	IsAllowed        bool
	AutoApprove      bool
	AssignedUserID   *uuid.UUID
	DeviceTokenHash  *string
	TokenCreatedAt   *time.Time
	LastSeenAt       *time.Time
	LastHeartbeatAt  *time.Time
	AllowKeepUntil   bool
	AllowExempt      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (d *Row) ToResponse() Response {
	return Response{
		ID:             d.ID,
		OrgID:          d.OrgID,
		Hostname:       d.Hostname,
		OSName:         strVal(d.OSName),
		OSVersion:      strVal(d.OSVersion),
		AgentVersion:   strVal(d.AgentVersion),
		IsAllowed:      d.IsAllowed,
		AutoApprove:    d.AutoApprove,
		AssignedUserID: d.AssignedUserID,
		LastSeenAt:     d.LastSeenAt,
		LastHeartbeat:  d.LastHeartbeatAt,
		AllowKeepUntil: d.AllowKeepUntil,
		AllowExempt:    d.AllowExempt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func scanRow(row pgx.Row) (Row, error) {
	var d Row
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Hostname, &d.OSName, &d.OSVersion, &d.AgentVersion, &d.IsAllowed,
		&d.AutoApprove, &d.AssignedUserID, &d.DeviceTokenHash, &d.TokenCreatedAt, &d.LastSeenAt,
		&d.LastHeartbeatAt, &d.AllowKeepUntil, &d.AllowExempt, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	var items []Row
	for rows.Next() {
		d, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// List returns every device in the org ordered by hostname.
func (s *Store) List(ctx context.Context, orgID uuid.UUID) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+deviceColumns+` FROM devices WHERE org_id = $1 ORDER BY hostname`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return scanRows(rows)
}

// ListForUser returns devices the given user may target: assigned_user_id
// match, or an explicit user_devices allow-list row.
func (s *Store) ListForUser(ctx context.Context, orgID, userID uuid.UUID) ([]Row, error) {
	const q = `
		SELECT ` + deviceColumns + `
		FROM devices d
		WHERE d.org_id = $1 AND (
			d.assigned_user_id = $2
			OR EXISTS (SELECT 1 FROM user_devices ud WHERE ud.org_id = $1 AND ud.user_id = $2 AND ud.device_id = d.id)
		)
		ORDER BY d.hostname`
	rows, err := s.dbtx.Query(ctx, q, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices for user: %w", err)
	}
	return scanRows(rows)
}

// Get returns a single device scoped to orgID.
func (s *Store) Get(ctx context.Context, orgID, id uuid.UUID) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1 AND org_id = $2`, id, orgID))
}

// GetByID looks up a device by id alone, used by the agent protocol before
// the org is otherwise established (device auth).
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

// IsOwnedByUser reports whether device id is assigned to or allow-listed for userID.
func (s *Store) IsOwnedByUser(ctx context.Context, orgID, deviceID, userID uuid.UUID) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM devices WHERE id = $2 AND org_id = $1 AND assigned_user_id = $3
			UNION
			SELECT 1 FROM user_devices WHERE org_id = $1 AND device_id = $2 AND user_id = $3
		)`
	var ok bool
	err := s.dbtx.QueryRow(ctx, q, orgID, deviceID, userID).Scan(&ok)
	return ok, err
}

// CreateParams holds the fields needed to create a device.
type CreateParams struct {
	OrgID          uuid.UUID
	Hostname       string
	OSName         string
	OSVersion      string
	AutoApprove    bool
	AssignedUser   *uuid.UUID
	AllowKeepUntil bool
	AllowExempt    bool
}

// Create inserts a new device.
func (s *Store) Create(ctx context.Context, p CreateParams) (Row, error) {
	const q = `
		INSERT INTO devices (org_id, hostname, os_name, os_version, auto_approve, assigned_user_id, allow_keep_until, allow_exempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + deviceColumns
	return scanRow(s.dbtx.QueryRow(ctx, q, p.OrgID, p.Hostname, p.OSName, p.OSVersion, p.AutoApprove, p.AssignedUser, p.AllowKeepUntil, p.AllowExempt))
}

// UpdateParams holds the fields a partial device update may change.
type UpdateParams struct {
	Hostname       *string
	OSName         *string
	OSVersion      *string
	AgentVersion   *string
	IsAllowed      *bool
	AutoApprove    *bool
	AssignedUser   *uuid.UUID
	AssignedUserSet bool
	AllowKeepUntil *bool
	AllowExempt    *bool
}

// Update applies a partial update and returns the resulting row.
func (s *Store) Update(ctx context.Context, orgID, id uuid.UUID, p UpdateParams) (Row, error) {
	const q = `
		UPDATE devices SET
			hostname = COALESCE($3, hostname),
			os_name = COALESCE($4, os_name),
			os_version = COALESCE($5, os_version),
			agent_version = COALESCE($6, agent_version),
			is_allowed = COALESCE($7, is_allowed),
			auto_approve = COALESCE($8, auto_approve),
			assigned_user_id = CASE WHEN $9 THEN $10 ELSE assigned_user_id END,
			allow_keep_until = COALESCE($11, allow_keep_until),
			allow_exempt = COALESCE($12, allow_exempt),
			updated_at = now()
		WHERE id = $1 AND org_id = $2
		RETURNING ` + deviceColumns
	return scanRow(s.dbtx.QueryRow(ctx, q,
		id, orgID, p.Hostname, p.OSName, p.OSVersion, p.AgentVersion, p.IsAllowed, p.AutoApprove,
		p.AssignedUserSet, p.AssignedUser, p.AllowKeepUntil, p.AllowExempt,
	))
}

// RotateToken replaces a device's token hash.
func (s *Store) RotateToken(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE devices SET device_token_hash = $2, token_created_at = now(), updated_at = now() WHERE id = $1`, id, hash)
	return err
}

// Heartbeat updates last_seen_at/last_heartbeat_at and optionally agent_version.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, agentVersion string) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE devices SET last_seen_at = now(), last_heartbeat_at = now(),
			agent_version = COALESCE(NULLIF($2, ''), agent_version), updated_at = now()
		WHERE id = $1`, id, agentVersion)
	return err
}
