package user

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/certhub/certhub/internal/db"
)

// Store provides database operations for users, sessions, and auth tokens.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const userColumns = `id, org_id, ad_username, email, display_name, is_active, role_global,
	auto_approve_install_jobs, password_hash, password_set_at, failed_login_attempts, locked_until,
	created_at, updated_at`

// Row represents a row from the users table, including fields never
// serialized to JSON (password_hash).
type Row struct {
	ID                     uuid.UUID
	OrgID                  uuid.UUID
	ADUsername             string
	Email                  string
	DisplayName            string
	IsActive               bool
	RoleGlobal             string
	AutoApproveInstallJobs bool
	PasswordHash           *string
	PasswordSetAt          *time.Time
	FailedLoginAttempts    int
	LockedUntil            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (u *Row) ToResponse() Response {
	return Response{
		ID:                     u.ID,
		OrgID:                  u.OrgID,
		ADUsername:             u.ADUsername,
		Email:                  u.Email,
		DisplayName:            u.DisplayName,
		IsActive:               u.IsActive,
		RoleGlobal:             u.RoleGlobal,
		AutoApproveInstallJobs: u.AutoApproveInstallJobs,
		FailedLoginAttempts:    u.FailedLoginAttempts,
		LockedUntil:            u.LockedUntil,
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
	}
}

func scanRow(row pgx.Row) (Row, error) {
	var u Row
	err := row.Scan(
		&u.ID, &u.OrgID, &u.ADUsername, &u.Email, &u.DisplayName, &u.IsActive, &u.RoleGlobal,
		&u.AutoApproveInstallJobs, &u.PasswordHash, &u.PasswordSetAt, &u.FailedLoginAttempts, &u.LockedUntil,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	var items []Row
	for rows.Next() {
		u, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return items, nil
}

// List returns all users in the org ordered by AD username.
func (s *Store) List(ctx context.Context, orgID uuid.UUID) ([]Row, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE org_id = $1 ORDER BY ad_username`
	rows, err := s.dbtx.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return scanRows(rows)
}

// Get returns a single user scoped to orgID.
func (s *Store) Get(ctx context.Context, orgID, id uuid.UUID) (Row, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND org_id = $2`
	return scanRow(s.dbtx.QueryRow(ctx, query, id, orgID))
}

// GetByUsername looks up a user by (org, ad_username) for login.
func (s *Store) GetByUsername(ctx context.Context, orgID uuid.UUID, adUsername string) (Row, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE org_id = $1 AND ad_username = $2`
	return scanRow(s.dbtx.QueryRow(ctx, query, orgID, adUsername))
}

// CreateParams holds parameters for creating a user.
type CreateParams struct {
	OrgID                  uuid.UUID
	ADUsername             string
	Email                  string
	DisplayName            string
	RoleGlobal             string
	AutoApproveInstallJobs bool
	PasswordHash           string
}

// Create inserts a new user.
func (s *Store) Create(ctx context.Context, p CreateParams) (Row, error) {
	query := `INSERT INTO users (org_id, ad_username, email, display_name, role_global,
			auto_approve_install_jobs, password_hash, password_set_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING ` + userColumns
	return scanRow(s.dbtx.QueryRow(ctx, query,
		p.OrgID, p.ADUsername, p.Email, p.DisplayName, p.RoleGlobal, p.AutoApproveInstallJobs, p.PasswordHash,
	))
}

// UpdateParams holds the fields an update may change.
type UpdateParams struct {
	Email                  *string
	DisplayName            *string
	Role                   *string
	IsActive               *bool
	AutoApproveInstallJobs *bool
}

// Update applies a partial update and returns the resulting row.
func (s *Store) Update(ctx context.Context, orgID, id uuid.UUID, p UpdateParams) (Row, error) {
	query := `UPDATE users SET
			email = COALESCE($3, email),
			display_name = COALESCE($4, display_name),
			role_global = COALESCE($5, role_global),
			is_active = COALESCE($6, is_active),
			auto_approve_install_jobs = COALESCE($7, auto_approve_install_jobs),
			updated_at = now()
		WHERE id = $1 AND org_id = $2
		RETURNING ` + userColumns
	return scanRow(s.dbtx.QueryRow(ctx, query,
		id, orgID, p.Email, p.DisplayName, p.Role, p.IsActive, p.AutoApproveInstallJobs,
	))
}

// SetPasswordHash replaces a user's password hash and resets lockout state.
func (s *Store) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE users SET password_hash = $2, password_set_at = now(),
			failed_login_attempts = 0, locked_until = NULL, updated_at = now()
		WHERE id = $1`, id, hash)
	return err
}

// RegisterFailedLogin increments the failed-attempt counter and, if the
// attempt crosses maxAttempts, sets locked_until. Returns the updated row.
func (s *Store) RegisterFailedLogin(ctx context.Context, id uuid.UUID, maxAttempts int, lockout time.Duration) (Row, error) {
	query := `UPDATE users SET
			failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE WHEN failed_login_attempts + 1 >= $2 THEN now() + $3::interval ELSE locked_until END,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns
	return scanRow(s.dbtx.QueryRow(ctx, query, id, maxAttempts, lockout.String()))
}

// ResetFailedLogins clears the failed-attempt counter on a successful login.
func (s *Store) ResetFailedLogins(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, updated_at = now() WHERE id = $1`, id)
	return err
}

// --- Sessions (refresh tokens) ---

// CreateSession stores a refresh-token session.
func (s *Store) CreateSession(ctx context.Context, orgID, userID uuid.UUID, hash string, expiresAt time.Time, ip, ua string) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO user_sessions (org_id, user_id, refresh_token_hash, expires_at, ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`, orgID, userID, hash, expiresAt, ip, ua)
	return err
}

// SessionRow is a user_sessions row.
type SessionRow struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// GetSessionByHash looks up a live session by its refresh token hash.
func (s *Store) GetSessionByHash(ctx context.Context, hash string) (SessionRow, error) {
	var r SessionRow
	err := s.dbtx.QueryRow(ctx,
		`SELECT id, org_id, user_id, expires_at, revoked_at FROM user_sessions WHERE refresh_token_hash = $1`,
		hash).Scan(&r.ID, &r.OrgID, &r.UserID, &r.ExpiresAt, &r.RevokedAt)
	return r, err
}

// RevokeSession marks a session revoked.
func (s *Store) RevokeSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE user_sessions SET revoked_at = now() WHERE id = $1`, id)
	return err
}

// RevokeSessionByHash revokes a session looked up by its refresh token hash.
func (s *Store) RevokeSessionByHash(ctx context.Context, hash string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE user_sessions SET revoked_at = now() WHERE refresh_token_hash = $1`, hash)
	return err
}

// --- Auth tokens (set/reset password) ---

// CreateAuthToken stores a single-purpose opaque token.
func (s *Store) CreateAuthToken(ctx context.Context, orgID, userID uuid.UUID, hash, purpose string, expiresAt time.Time) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO auth_tokens (org_id, user_id, token_hash, purpose, expires_at)
		VALUES ($1, $2, $3, $4, $5)`, orgID, userID, hash, purpose, expiresAt)
	return err
}

// AuthTokenRow is an auth_tokens row.
type AuthTokenRow struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	UserID    uuid.UUID
	Purpose   string
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// GetAuthTokenByHash looks up a token row by its hash, locking it for update
// so the check-and-mark-used sequence is race-free.
func (s *Store) GetAuthTokenByHash(ctx context.Context, tx db.DBTX, hash string) (AuthTokenRow, error) {
	var r AuthTokenRow
	err := tx.QueryRow(ctx,
		`SELECT id, org_id, user_id, purpose, expires_at, used_at FROM auth_tokens WHERE token_hash = $1 FOR UPDATE`,
		hash).Scan(&r.ID, &r.OrgID, &r.UserID, &r.Purpose, &r.ExpiresAt, &r.UsedAt)
	return r, err
}

// MarkAuthTokenUsed marks a token consumed.
func (s *Store) MarkAuthTokenUsed(ctx context.Context, tx db.DBTX, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE auth_tokens SET used_at = now() WHERE id = $1`, id)
	return err
}
