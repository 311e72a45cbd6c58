package devicecert

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certhub/certhub/internal/audit"
	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/db"
	"github.com/certhub/certhub/pkg/device"
)

var ErrForbidden = errors.New("not permitted to view this device's installed certs")

// Service implements the installed-cert reconciliation and view endpoint.
type Service struct {
	pool    *pgxpool.Pool
	devices *device.Service
}

func NewService(pool *pgxpool.Pool, devices *device.Service) *Service {
	return &Service{pool: pool, devices: devices}
}

// Report reconciles an agent's full snapshot of locally installed
// certificates: upsert every reported thumbprint, then mark removed_at for
// any previously-seen row of this device absent from the report, per
// spec.md §4.11.
func (s *Service) Report(ctx context.Context, r *http.Request, orgID uuid.UUID, req ReportRequest) (ReportResult, error) {
	var result ReportResult
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		keep := make([]string, 0, len(req.Items))
		for _, item := range req.Items {
			if item.Thumbprint == "" {
				continue
			}
			keep = append(keep, item.Thumbprint)
			if err := store.Upsert(ctx, UpsertParams{
				OrgID: orgID, DeviceID: req.DeviceID, Thumbprint: item.Thumbprint,
				Subject: item.Subject, Issuer: item.Issuer, NotAfter: item.NotAfter,
				CleanupMode: item.CleanupMode, KeepUntil: item.KeepUntil, KeepReason: item.KeepReason,
			}); err != nil {
				return err
			}
			result.Upserted++
		}

		absent, absentErr := store.MarkAbsent(ctx, orgID, req.DeviceID, keep)
		if absentErr != nil {
			return absentErr
		}
		result.MarkedAbsent = absent
		return nil
	})
	if err != nil {
		return ReportResult{}, fmt.Errorf("reconciling installed certs: %w", err)
	}
	return result, nil
}

// List returns a device's installed-cert rows, enforcing the same
// ownership rule as the rest of the device-scoped API: a VIEW actor may only
// read devices they own or are allow-listed for.
func (s *Service) List(ctx context.Context, orgID uuid.UUID, deviceID uuid.UUID, actor *auth.Identity, params ListParams) ([]Response, error) {
	allowed, err := s.devices.CanTarget(ctx, orgID, deviceID, actor)
	if err != nil {
		return nil, fmt.Errorf("checking device ownership: %w", err)
	}
	if !allowed {
		return nil, ErrForbidden
	}

	scope := params.Scope
	if scope == "" {
		scope = ScopeAll
	}
	rows, err := NewStore(s.pool).List(ctx, orgID, deviceID, scope, params.IncludeRemoved)
	if err != nil {
		return nil, fmt.Errorf("listing installed certs: %w", err)
	}
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, nil
}

// ReportCleanup records an audit-only event: the agent locally removed
// certificates past their retention horizon. No rows are touched here; the
// agent's own Report call already reconciled the catalog.
func (s *Service) ReportCleanup(ctx context.Context, r *http.Request, orgID uuid.UUID, req CleanupReportRequest) error {
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.FromRequest(r, "CERT_REMOVED_18H", "device")
		entry.OrgID = orgID
		deviceID := req.DeviceID.String()
		entry.EntityID = &deviceID
		entry.Meta = map[string]any{"removed": req.Removed, "reason": req.Reason}
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return fmt.Errorf("auditing cleanup report: %w", err)
	}
	return nil
}
