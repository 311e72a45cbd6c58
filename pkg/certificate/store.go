package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/certhub/certhub/internal/db"
)

// Store provides database operations for the certificate catalog.
type Store struct {
	dbtx db.DBTX
}

func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const certColumns = `id, org_id, name, subject, issuer, serial_number, not_before, not_after,
	sha1_fingerprint, source_path, parse_ok, parse_error, last_ingested_at, last_error_at,
	created_at, updated_at`

// Row is a full certificates row.
type Row struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Name           string
	Subject        *string
	Issuer         *string
	SerialNumber   *string
	NotBefore      *time.Time
	NotAfter       *time.Time
	SHA1           *string
	SourcePath     *string
	ParseOK        bool
	ParseError     *string
	LastIngestedAt *time.Time
	LastErrorAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (c *Row) ToResponse() Response {
	return Response{
		ID:             c.ID,
		OrgID:          c.OrgID,
		Name:           c.Name,
		Subject:        strVal(c.Subject),
		Issuer:         strVal(c.Issuer),
		SerialNumber:   strVal(c.SerialNumber),
		NotBefore:      c.NotBefore,
		NotAfter:       c.NotAfter,
		SHA1:           strVal(c.SHA1),
		SourcePath:     strVal(c.SourcePath),
		ParseOK:        c.ParseOK,
		ParseError:     strVal(c.ParseError),
		LastIngestedAt: c.LastIngestedAt,
		LastErrorAt:    c.LastErrorAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func scanRow(row pgx.Row) (Row, error) {
	var c Row
	err := row.Scan(
		&c.ID, &c.OrgID, &c.Name, &c.Subject, &c.Issuer, &c.SerialNumber, &c.NotBefore, &c.NotAfter,
		&c.SHA1, &c.SourcePath, &c.ParseOK, &c.ParseError, &c.LastIngestedAt, &c.LastErrorAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func scanRows(rows pgx.Rows) ([]Row, error) {
	defer rows.Close()
	var items []Row
	for rows.Next() {
		c, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning certificate row: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// List returns every certificate in the org ordered by name.
func (s *Store) List(ctx context.Context, orgID uuid.UUID) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+certColumns+` FROM certificates WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	return scanRows(rows)
}

// Get returns a single certificate scoped to orgID.
func (s *Store) Get(ctx context.Context, orgID, id uuid.UUID) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE id = $1 AND org_id = $2`, id, orgID))
}

// FindBySHA1 looks up a certificate by (org, sha1).
func (s *Store) FindBySHA1(ctx context.Context, orgID uuid.UUID, sha1 string) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE org_id = $1 AND sha1_fingerprint = $2`, orgID, sha1))
}

// FindBySerial looks up a certificate by (org, serial_number).
func (s *Store) FindBySerial(ctx context.Context, orgID uuid.UUID, serial string) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE org_id = $1 AND serial_number = $2`, orgID, serial))
}

// FindByName looks up a certificate by (org, name).
func (s *Store) FindByName(ctx context.Context, orgID uuid.UUID, name string) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE org_id = $1 AND name = $2`, orgID, name))
}

// UpsertParams holds the fields reconciled onto a certificate row.
type UpsertParams struct {
	OrgID        uuid.UUID
	Name         string
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    *time.Time
	NotAfter     *time.Time
	SHA1         string
	SourcePath   string
}

// Insert creates a new successfully-parsed certificate row.
func (s *Store) Insert(ctx context.Context, p UpsertParams) (Row, error) {
	const q = `
		INSERT INTO certificates (org_id, name, subject, issuer, serial_number, not_before, not_after,
			sha1_fingerprint, source_path, parse_ok, last_ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, now())
		RETURNING ` + certColumns
	return scanRow(s.dbtx.QueryRow(ctx, q,
		p.OrgID, p.Name, p.Subject, p.Issuer, p.SerialNumber, p.NotBefore, p.NotAfter, p.SHA1, p.SourcePath,
	))
}

// Update overwrites an existing row's parsed metadata on a successful re-parse.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpsertParams) (Row, error) {
	const q = `
		UPDATE certificates SET
			name = $2, subject = $3, issuer = $4, serial_number = $5, not_before = $6, not_after = $7,
			sha1_fingerprint = $8, source_path = $9, parse_ok = true, parse_error = NULL,
			last_ingested_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING ` + certColumns
	return scanRow(s.dbtx.QueryRow(ctx, q,
		id, p.Name, p.Subject, p.Issuer, p.SerialNumber, p.NotBefore, p.NotAfter, p.SHA1, p.SourcePath,
	))
}

// MarkParseFailed records a parse failure on an existing row, preserving its
// prior metadata per spec.md §4.4 step 5.
func (s *Store) MarkParseFailed(ctx context.Context, id uuid.UUID, parseErr string) (Row, error) {
	const q = `
		UPDATE certificates SET parse_ok = false, parse_error = $2, last_error_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING ` + certColumns
	return scanRow(s.dbtx.QueryRow(ctx, q, id, parseErr))
}

// InsertParseFailure creates a brand-new row for a file that never parsed.
func (s *Store) InsertParseFailure(ctx context.Context, orgID uuid.UUID, name, sourcePath, parseErr string) (Row, error) {
	const q = `
		INSERT INTO certificates (org_id, name, source_path, parse_ok, parse_error, last_error_at)
		VALUES ($1, $2, $3, false, $4, now())
		ON CONFLICT (org_id, name) DO UPDATE SET
			source_path = EXCLUDED.source_path, parse_ok = false, parse_error = EXCLUDED.parse_error, last_error_at = now(), updated_at = now()
		RETURNING ` + certColumns
	return scanRow(s.dbtx.QueryRow(ctx, q, orgID, name, sourcePath, parseErr))
}

// FindBySourcePath looks up a certificate by (org, source_path), used by the
// watcher's delete-by-path handling.
func (s *Store) FindBySourcePath(ctx context.Context, orgID uuid.UUID, path string) (Row, error) {
	return scanRow(s.dbtx.QueryRow(ctx, `SELECT `+certColumns+` FROM certificates WHERE org_id = $1 AND source_path = $2`, orgID, path))
}

// ListWithSourcePath returns every row whose source_path is set, used by
// the prune step to detect catalog entries whose backing file is gone.
func (s *Store) ListWithSourcePath(ctx context.Context, orgID uuid.UUID) ([]Row, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+certColumns+` FROM certificates WHERE org_id = $1 AND source_path IS NOT NULL`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates with source path: %w", err)
	}
	return scanRows(rows)
}

// Delete removes a certificate row outright (used by prune).
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM certificates WHERE id = $1`, id)
	return err
}

// ErrNotFound is returned by lookups with no matching row, aliasing pgx's
// sentinel so callers don't need to import pgx directly.
var ErrNotFound = pgx.ErrNoRows

func isNotFound(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
