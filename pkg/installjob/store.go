package installjob

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/certhub/certhub/internal/db"
)

// Store provides database operations for install jobs.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const jobColumns = `id, org_id, cert_id, device_id, requested_by_user_id, status,
	approved_by_user_id, approved_at, claimed_by_device_id, claimed_at, started_at, finished_at,
	error_code, error_message, thumbprint, payload_token_hash, payload_token_expires_at,
	payload_token_used_at, payload_token_device_id, cleanup_mode, keep_until, keep_reason,
	keep_set_by_user_id, keep_set_at, created_at, updated_at`

// Row is a full cert_install_jobs row.
type Row struct {
	ID                    uuid.UUID
	OrgID                 uuid.UUID
	CertID                uuid.UUID
	DeviceID              uuid.UUID
	RequestedByUserID     uuid.UUID
	Status                string
	ApprovedByUserID      *uuid.UUID
	ApprovedAt            *time.Time
	ClaimedByDeviceID     *uuid.UUID
	ClaimedAt             *time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
	ErrorCode             *string
	ErrorMessage          *string
	Thumbprint            *string
	PayloadTokenHash      *string
	PayloadTokenExpiresAt *time.Time
	PayloadTokenUsedAt    *time.Time
	PayloadTokenDeviceID  *uuid.UUID
	CleanupMode           string
	KeepUntil             *time.Time
	KeepReason            *string
	KeepSetByUserID       *uuid.UUID
	KeepSetAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (j *Row) ToResponse() Response {
	return Response{
		ID: j.ID, OrgID: j.OrgID, CertID: j.CertID, DeviceID: j.DeviceID,
		RequestedByUserID: j.RequestedByUserID, Status: j.Status,
		ApprovedByUserID: j.ApprovedByUserID, ApprovedAt: j.ApprovedAt,
		ClaimedByDeviceID: j.ClaimedByDeviceID, ClaimedAt: j.ClaimedAt,
		StartedAt: j.StartedAt, FinishedAt: j.FinishedAt,
		ErrorCode: strVal(j.ErrorCode), ErrorMessage: strVal(j.ErrorMessage),
		Thumbprint: strVal(j.Thumbprint), CleanupMode: j.CleanupMode,
		KeepUntil: j.KeepUntil, KeepReason: strVal(j.KeepReason),
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func scanRow(row pgx.Row) (Row, error) {
	var j Row
	err := row.Scan(
		&j.ID, &j.OrgID, &j.CertID, &j.DeviceID, &j.RequestedByUserID, &j.Status,
		&j.ApprovedByUserID, &j.ApprovedAt, &j.ClaimedByDeviceID, &j.ClaimedAt, &j.StartedAt, &j.FinishedAt,
		&j.ErrorCode, &j.ErrorMessage, &j.Thumbprint, &j.PayloadTokenHash, &j.PayloadTokenExpiresAt,
		&j.PayloadTokenUsedAt, &j.PayloadTokenDeviceID, &j.CleanupMode, &j.KeepUntil, &j.KeepReason,
		&j.KeepSetByUserID, &j.KeepSetAt, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	var items []Row
	for rows.Next() {
		j, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning install job row: %w", err)
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

// Get returns a single job scoped to orgID.
func (s *Store) Get(ctx context.Context, orgID, id uuid.UUID) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+jobColumns+` FROM cert_install_jobs WHERE id = $1 AND org_id = $2`, id, orgID))
}

// GetForUpdate locks the job row for the payload-lease check-and-mark sequence.
func (s *Store) GetForUpdate(ctx context.Context, tx pgx.Tx, orgID, id uuid.UUID) (Row, error) {
	return scanRow(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM cert_install_jobs WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID))
}

// ListParams filters the job listing queries.
type ListParams struct {
	OrgID             uuid.UUID
	RequestedByUserID *uuid.UUID
	DeviceID          *uuid.UUID
	DeviceIDs         []uuid.UUID
	Statuses          []string
}

// List returns jobs matching the given filters, newest first.
func (s *Store) List(ctx context.Context, p ListParams) ([]Row, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM cert_install_jobs
		WHERE org_id = $1
			AND ($2::uuid IS NULL OR requested_by_user_id = $2)
			AND ($3::uuid IS NULL OR device_id = $3)
			AND ($4::text[] IS NULL OR status = ANY($4))
			AND ($5::uuid[] IS NULL OR device_id = ANY($5))
		ORDER BY created_at DESC`
	rows, err := s.dbtx.Query(ctx, q, p.OrgID, p.RequestedByUserID, p.DeviceID, statusesOrNil(p.Statuses), deviceIDsOrNil(p.DeviceIDs))
	if err != nil {
		return nil, fmt.Errorf("listing install jobs: %w", err)
	}
	return scanRows(rows)
}

func deviceIDsOrNil(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func statusesOrNil(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// CreateParams holds the fields needed to create a job.
type CreateParams struct {
	OrgID             uuid.UUID
	CertID            uuid.UUID
	DeviceID          uuid.UUID
	RequestedByUserID uuid.UUID
	Status            string
	ApprovedByUserID  *uuid.UUID
	ApprovedAt        *time.Time
	CleanupMode       string
	KeepUntil         *time.Time
	KeepReason        *string
	KeepSetByUserID   *uuid.UUID
	KeepSetAt         *time.Time
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, p CreateParams) (Row, error) {
	const q = `
		INSERT INTO cert_install_jobs (org_id, cert_id, device_id, requested_by_user_id, status,
			approved_by_user_id, approved_at, cleanup_mode, keep_until, keep_reason, keep_set_by_user_id, keep_set_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + jobColumns
	return scanRow(s.dbtx.QueryRow(ctx, q,
		p.OrgID, p.CertID, p.DeviceID, p.RequestedByUserID, p.Status,
		p.ApprovedByUserID, p.ApprovedAt, p.CleanupMode, p.KeepUntil, p.KeepReason, p.KeepSetByUserID, p.KeepSetAt,
	))
}

// Approve transitions REQUESTED -> PENDING. Returns pgx.ErrNoRows if the
// job wasn't in REQUESTED (the guard is the WHERE clause).
func (s *Store) Approve(ctx context.Context, tx pgx.Tx, orgID, id, approverID uuid.UUID) (Row, error) {
	const q = `
		UPDATE cert_install_jobs SET status = $3, approved_by_user_id = $4, approved_at = now(), updated_at = now()
		WHERE id = $1 AND org_id = $2 AND status = $5
		RETURNING ` + jobColumns
	return scanRow(tx.QueryRow(ctx, q, id, orgID, StatusPending, approverID, StatusRequested))
}

// Deny transitions REQUESTED -> CANCELED.
func (s *Store) Deny(ctx context.Context, tx pgx.Tx, orgID, id uuid.UUID) (Row, error) {
	const q = `
		UPDATE cert_install_jobs SET status = $3, finished_at = now(), updated_at = now()
		WHERE id = $1 AND org_id = $2 AND status = $4
		RETURNING ` + jobColumns
	return scanRow(tx.QueryRow(ctx, q, id, orgID, StatusCanceled, StatusRequested))
}

// Claim atomically transitions PENDING -> IN_PROGRESS for the claiming
// device, minting a fresh payload token. Returns pgx.ErrNoRows if the job is
// not PENDING or assigned to a different device — spec.md §4.7's critical
// section.
func (s *Store) Claim(ctx context.Context, tx pgx.Tx, orgID, id, deviceID uuid.UUID, tokenHash string, expiresAt time.Time) (Row, error) {
	const q = `
		UPDATE cert_install_jobs SET
			status = $5, claimed_by_device_id = $3, claimed_at = now(), started_at = now(),
			payload_token_hash = $6, payload_token_expires_at = $7, payload_token_used_at = NULL,
			payload_token_device_id = $3, updated_at = now()
		WHERE id = $1 AND org_id = $2 AND device_id = $3 AND status = $4
		RETURNING ` + jobColumns
	return scanRow(tx.QueryRow(ctx, q, id, orgID, deviceID, StatusPending, StatusInProgress, tokenHash, expiresAt))
}

// RefreshClaim re-mints the payload token on an already IN_PROGRESS job
// claimed by the same device, invalidating the previous token.
func (s *Store) RefreshClaim(ctx context.Context, tx pgx.Tx, orgID, id, deviceID uuid.UUID, tokenHash string, expiresAt time.Time) (Row, error) {
	const q = `
		UPDATE cert_install_jobs SET
			payload_token_hash = $5, payload_token_expires_at = $6, payload_token_used_at = NULL,
			payload_token_device_id = $3, updated_at = now()
		WHERE id = $1 AND org_id = $2 AND claimed_by_device_id = $3 AND status = $4
		RETURNING ` + jobColumns
	return scanRow(tx.QueryRow(ctx, q, id, orgID, deviceID, StatusInProgress, tokenHash, expiresAt))
}

// MarkPayloadUsed stamps payload_token_used_at, the single-use mark of the
// lease check-and-mark sequence. Must run on the same tx/row lock as the
// precondition checks in GetForUpdate.
func (s *Store) MarkPayloadUsed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE cert_install_jobs SET payload_token_used_at = now(), updated_at = now() WHERE id = $1`, id)
	return err
}

// Result conditionally transitions IN_PROGRESS -> DONE/FAILED for the
// claiming device.
func (s *Store) Result(ctx context.Context, tx pgx.Tx, orgID, id, deviceID uuid.UUID, status, errorCode, errorMessage, thumbprint string) (Row, error) {
	const q = `
		UPDATE cert_install_jobs SET
			status = $5, finished_at = now(),
			error_code = NULLIF($6, ''), error_message = NULLIF($7, ''), thumbprint = NULLIF($8, ''),
			updated_at = now()
		WHERE id = $1 AND org_id = $2 AND claimed_by_device_id = $3 AND status = $4
		RETURNING ` + jobColumns
	return scanRow(tx.QueryRow(ctx, q, id, orgID, deviceID, StatusInProgress, status, errorCode, errorMessage, thumbprint))
}

// ReapStuck transitions every IN_PROGRESS job with started_at older than the
// threshold to FAILED/TIMEOUT and returns the affected rows.
func (s *Store) ReapStuck(ctx context.Context, tx pgx.Tx, threshold time.Duration) ([]Row, error) {
	const q = `
		UPDATE cert_install_jobs SET
			status = $1, error_code = 'TIMEOUT', finished_at = now(), updated_at = now()
		WHERE status = $2 AND started_at <= now() - $3::interval
		RETURNING ` + jobColumns
	rows, err := tx.Query(ctx, q, StatusFailed, StatusInProgress, fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("reaping stuck jobs: %w", err)
	}
	return scanRows(rows)
}
