package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certhub/certhub/internal/audit"
	"github.com/certhub/certhub/internal/db"
	"github.com/certhub/certhub/internal/telemetry"
)

// Service implements the ingestion pipeline (C4): parse-candidate-password,
// reconcile-by-(sha1,serial,name), and the batch ingest_from_fs mode with
// optional prune/dedupe.
type Service struct {
	pool        *pgxpool.Pool
	rootPath    string
	opensslPath string
	logger      *slog.Logger
}

func NewService(pool *pgxpool.Pool, rootPath, opensslPath string, logger *slog.Logger) *Service {
	return &Service{pool: pool, rootPath: rootPath, opensslPath: opensslPath, logger: logger}
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]Response, error) {
	rows, err := NewStore(s.pool).List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (Response, error) {
	row, err := NewStore(s.pool).Get(ctx, orgID, id)
	if err != nil {
		return Response{}, err
	}
	return row.ToResponse(), nil
}

func (s *Service) GetRow(ctx context.Context, orgID, id uuid.UUID) (Row, error) {
	return NewStore(s.pool).Get(ctx, orgID, id)
}

// Ingest processes a single dropped file and reconciles it into the catalog,
// all within one transaction, per spec.md §4.4 steps 1-5.
func (s *Service) Ingest(ctx context.Context, orgID uuid.UUID, path string) (Row, bool /*inserted*/, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path constrained to the configured drop zone
	if err != nil {
		return Row{}, false, fmt.Errorf("reading %s: %w", path, err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	candidates := candidatePasswords(stem)

	var (
		row      Row
		inserted bool
	)
	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)

		pc, parseErr := tryParse(data, candidates, s.opensslPath)
		if parseErr != nil {
			telemetry.IngestedTotal.WithLabelValues("failed").Inc()
			existing, findErr := store.FindByName(ctx, orgID, stem)
			if findErr == nil {
				updated, markErr := store.MarkParseFailed(ctx, existing.ID, parseErr.Error())
				if markErr != nil {
					return markErr
				}
				row = updated
				return nil
			}
			created, insErr := store.InsertParseFailure(ctx, orgID, stem, path, parseErr.Error())
			if insErr != nil {
				return insErr
			}
			row = created
			inserted = true
			return nil
		}

		existing, found := lookupExisting(ctx, store, orgID, pc, stem)
		params := UpsertParams{
			OrgID: orgID, Name: stem, Subject: pc.Subject, Issuer: pc.Issuer,
			SerialNumber: pc.SerialNumber, NotBefore: &pc.NotBefore, NotAfter: &pc.NotAfter,
			SHA1: pc.SHA1, SourcePath: path,
		}

		var upsertErr error
		if found {
			row, upsertErr = store.Update(ctx, existing.ID, params)
			telemetry.IngestedTotal.WithLabelValues("updated").Inc()
		} else {
			row, upsertErr = store.Insert(ctx, params)
			inserted = true
			telemetry.IngestedTotal.WithLabelValues("inserted").Inc()
		}
		if upsertErr != nil {
			return upsertErr
		}

		entry := audit.Entry{OrgID: orgID, Action: "CERT_INGEST_FROM_FS", EntityType: "certificate"}
		id := row.ID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"name": row.Name, "sha1_fingerprint": row.SHA1OrEmpty()}
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Row{}, false, fmt.Errorf("ingesting %s: %w", path, err)
	}
	return row, inserted, nil
}

// SHA1OrEmpty returns the fingerprint or "" if unset, for audit metadata.
func (c *Row) SHA1OrEmpty() string { return strVal(c.SHA1) }

// ResolvePassword re-derives the PKCS#12 unlock password for an already
// cataloged bundle by re-running candidate derivation against its filename,
// the same inference used during ingest. The password is never persisted at
// rest — each payload fetch recomputes it from the file on disk.
func (s *Service) ResolvePassword(row Row) (string, error) {
	if row.SourcePath == nil {
		return "", fmt.Errorf("certificate %s has no source file", row.ID)
	}
	data, err := os.ReadFile(*row.SourcePath) //nolint:gosec // path sourced from the certificate catalog, not user input
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", *row.SourcePath, err)
	}
	stem := strings.TrimSuffix(filepath.Base(*row.SourcePath), filepath.Ext(*row.SourcePath))
	candidates := candidatePasswords(stem)
	pc, err := tryParse(data, candidates, s.opensslPath)
	if err != nil {
		return "", fmt.Errorf("resolving bundle password: %w", err)
	}
	return pc.Password, nil
}

// DeleteByPath removes the catalog row backed by path, if one exists. Used
// by the watcher's delete and move-out translations. A missing row is not
// an error: the file may never have parsed successfully.
func (s *Service) DeleteByPath(ctx context.Context, orgID uuid.UUID, path string) (bool, error) {
	var deleted bool
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		row, findErr := store.FindBySourcePath(ctx, orgID, path)
		if errors.Is(findErr, pgx.ErrNoRows) {
			return nil
		}
		if findErr != nil {
			return findErr
		}
		if delErr := store.Delete(ctx, row.ID); delErr != nil {
			return delErr
		}
		deleted = true

		entry := audit.Entry{OrgID: orgID, Action: "CERT_INGEST_FROM_FS", EntityType: "certificate"}
		id := row.ID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"name": row.Name, "deleted": true, "source_path": path}
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return false, fmt.Errorf("deleting certificate at %s: %w", path, err)
	}
	return deleted, nil
}

// lookupExisting reconciles by sha1, then serial, then name, per spec.md §4.4 step 5.
func lookupExisting(ctx context.Context, store *Store, orgID uuid.UUID, pc parsedCert, stem string) (Row, bool) {
	if pc.SHA1 != "" {
		if row, err := store.FindBySHA1(ctx, orgID, pc.SHA1); err == nil {
			return row, true
		}
	}
	if pc.SerialNumber != "" {
		if row, err := store.FindBySerial(ctx, orgID, pc.SerialNumber); err == nil {
			return row, true
		}
	}
	if row, err := store.FindByName(ctx, orgID, stem); err == nil {
		return row, true
	}
	return Row{}, false
}

// CreateFromFilename re-ingests an already-dropped file by name, the manual
// counterpart to the watcher-triggered pipeline, emitting CERT_CREATED.
func (s *Service) CreateFromFilename(ctx context.Context, r *http.Request, orgID uuid.UUID, filename string) (Response, error) {
	path := filepath.Join(s.rootPath, filepath.Base(filename))
	row, _, err := s.Ingest(ctx, orgID, path)
	if err != nil {
		return Response{}, err
	}

	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.FromRequest(r, "CERT_CREATED", "certificate")
		entry.OrgID = orgID
		id := row.ID.String()
		entry.EntityID = &id
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("auditing manual certificate creation: %w", err)
	}
	return row.ToResponse(), nil
}

// IngestFromFS scans the drop-zone directory non-recursively for .pfx/.p12
// files, ingests up to limit of them, and optionally prunes catalog rows
// whose file is gone and deduplicates rows sharing a SHA-1 (then serial).
func (s *Service) IngestFromFS(ctx context.Context, r *http.Request, orgID uuid.UUID, req IngestFromFSRequest) (IngestResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}

	entries, err := os.ReadDir(s.rootPath)
	if err != nil {
		return IngestResult{}, fmt.Errorf("reading drop zone %s: %w", s.rootPath, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".pfx" && ext != ".p12" {
			continue
		}
		paths = append(paths, filepath.Join(s.rootPath, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) > limit {
		paths = paths[:limit]
	}

	result := IngestResult{Total: len(paths)}
	for _, path := range paths {
		_, inserted, ingestErr := s.Ingest(ctx, orgID, path)
		if ingestErr != nil {
			result.Failed++
			if len(result.Errors) < maxIngestErrors {
				result.Errors = append(result.Errors, ingestErr.Error())
			}
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if req.Prune {
		pruned, pruneErr := s.prune(ctx, orgID)
		if pruneErr != nil {
			return result, fmt.Errorf("pruning: %w", pruneErr)
		}
		result.Pruned = pruned
	}

	if req.Dedupe {
		deduped, dedupeErr := s.dedupe(ctx, orgID)
		if dedupeErr != nil {
			return result, fmt.Errorf("deduplicating: %w", dedupeErr)
		}
		result.Deduped = deduped
	}

	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.FromRequest(r, "CERT_INGEST_FROM_FS", "certificate")
		entry.OrgID = orgID
		entry.Meta = map[string]any{
			"inserted": result.Inserted, "updated": result.Updated, "failed": result.Failed,
			"total": result.Total, "pruned": result.Pruned, "deduped": result.Deduped,
		}
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return result, fmt.Errorf("auditing batch ingest: %w", err)
	}
	return result, nil
}

// prune removes catalog rows whose source_path no longer exists on disk.
func (s *Service) prune(ctx context.Context, orgID uuid.UUID) (int, error) {
	store := NewStore(s.pool)
	rows, err := store.ListWithSourcePath(ctx, orgID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		if row.SourcePath == nil {
			continue
		}
		if _, statErr := os.Stat(*row.SourcePath); errors.Is(statErr, os.ErrNotExist) {
			if delErr := store.Delete(ctx, row.ID); delErr != nil {
				return count, delErr
			}
			count++
		}
	}
	return count, nil
}

// dedupe retains, per SHA-1 (then serial), only the most recently ingested
// row, deleting the rest, per spec.md §4.4's batch-mode description.
func (s *Service) dedupe(ctx context.Context, orgID uuid.UUID) (int, error) {
	store := NewStore(s.pool)
	rows, err := store.List(ctx, orgID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	deleted += dedupeByKey(rows, func(r Row) string { return strVal(r.SHA1) }, store, ctx)
	rows, err = store.List(ctx, orgID)
	if err != nil {
		return deleted, err
	}
	deleted += dedupeByKey(rows, func(r Row) string { return strVal(r.SerialNumber) }, store, ctx)
	return deleted, nil
}

func dedupeByKey(rows []Row, key func(Row) string, store *Store, ctx context.Context) int {
	byKey := map[string][]Row{}
	for _, row := range rows {
		k := key(row)
		if k == "" {
			continue
		}
		byKey[k] = append(byKey[k], row)
	}

	deleted := 0
	for _, group := range byKey {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			ti, tj := group[i].LastIngestedAt, group[j].LastIngestedAt
			if ti == nil {
				return false
			}
			if tj == nil {
				return true
			}
			return ti.After(*tj)
		})
		for _, stale := range group[1:] {
			if err := store.Delete(ctx, stale.ID); err == nil {
				deleted++
			}
		}
	}
	return deleted
}
