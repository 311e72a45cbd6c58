package installjob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certhub/certhub/internal/audit"
	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/db"
	"github.com/certhub/certhub/internal/telemetry"
	"github.com/certhub/certhub/pkg/certificate"
	"github.com/certhub/certhub/pkg/device"
	"github.com/certhub/certhub/pkg/retention"
)

var (
	ErrForbidden    = errors.New("not permitted to act on this job")
	ErrPayloadDenied = errors.New("payload fetch denied")
)

// Service implements the install-job state machine (C7).
type Service struct {
	pool              *pgxpool.Pool
	devices           *device.Service
	certs             *certificate.Service
	limiter           *auth.RateLimiter
	maxKeepUntilHours int
	jobTimeout        time.Duration
}

func NewService(pool *pgxpool.Pool, devices *device.Service, certs *certificate.Service, limiter *auth.RateLimiter, maxKeepUntilHours int, jobTimeout time.Duration) *Service {
	return &Service{
		pool: pool, devices: devices, certs: certs, limiter: limiter,
		maxKeepUntilHours: maxKeepUntilHours, jobTimeout: jobTimeout,
	}
}

// Create requests a new install job for certID onto req.DeviceID. Per
// spec.md §4.7: DEV/ADMIN requests land PENDING (pre-approved); VIEW
// requests land REQUESTED unless the target device has auto_approve set, in
// which case they also land PENDING.
func (s *Service) Create(ctx context.Context, r *http.Request, orgID uuid.UUID, actor *auth.Identity, certID uuid.UUID, req CreateRequest) (Response, error) {
	canTarget, err := s.devices.CanTarget(ctx, orgID, req.DeviceID, actor)
	if err != nil {
		return Response{}, fmt.Errorf("checking device target permission: %w", err)
	}
	if !canTarget {
		return Response{}, ErrForbidden
	}

	dev, err := s.devices.Get(ctx, orgID, req.DeviceID)
	if err != nil {
		return Response{}, fmt.Errorf("loading target device: %w", err)
	}
	if !dev.IsAllowed {
		return Response{}, fmt.Errorf("%w: device is blocked", ErrForbidden)
	}
	if _, err := s.certs.Get(ctx, orgID, certID); err != nil {
		return Response{}, fmt.Errorf("loading certificate: %w", err)
	}

	decision, err := retention.Evaluate(
		retention.Request{CleanupMode: req.CleanupMode, KeepUntil: req.KeepUntil, KeepReason: req.KeepReason},
		actor.Role,
		retention.DeviceGate{AllowKeepUntil: dev.AllowKeepUntil, AllowExempt: dev.AllowExempt},
		s.maxKeepUntilHours,
		time.Now(),
	)
	if err != nil {
		return Response{}, err
	}

	status := StatusRequested
	var approvedBy *uuid.UUID
	var approvedAt *time.Time
	if actor.Role == auth.RoleDev || actor.Role == auth.RoleAdmin || dev.AutoApprove {
		status = StatusPending
		if actor.UserID != nil {
			approvedBy = actor.UserID
		}
		now := time.Now()
		approvedAt = &now
	}

	var keepSetBy *uuid.UUID
	var keepSetAt *time.Time
	if decision.CleanupMode != retention.ModeDefault {
		keepSetBy = actor.UserID
		now := time.Now()
		keepSetAt = &now
	}

	var row Row
	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		created, createErr := NewStore(tx).Create(ctx, CreateParams{
			OrgID: orgID, CertID: certID, DeviceID: req.DeviceID, RequestedByUserID: derefUser(actor.UserID),
			Status: status, ApprovedByUserID: approvedBy, ApprovedAt: approvedAt,
			CleanupMode: decision.CleanupMode, KeepUntil: decision.KeepUntil, KeepReason: decision.KeepReason,
			KeepSetByUserID: keepSetBy, KeepSetAt: keepSetAt,
		})
		if createErr != nil {
			return createErr
		}
		row = created

		entry := audit.FromRequest(r, "INSTALL_REQUESTED", "cert_install_job")
		entry.OrgID = orgID
		id := row.ID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"status": row.Status, "cleanup_mode": row.CleanupMode}
		if logErr := audit.Log(ctx, tx, entry); logErr != nil {
			return logErr
		}

		if decision.CleanupMode != retention.ModeDefault {
			retentionEntry := audit.FromRequest(r, "RETENTION_SET", "cert_install_job")
			retentionEntry.OrgID = orgID
			retentionEntry.EntityID = &id
			retentionEntry.Meta = map[string]any{"cleanup_mode": row.CleanupMode}
			if logErr := audit.Log(ctx, tx, retentionEntry); logErr != nil {
				return logErr
			}
		}
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("creating install job: %w", err)
	}
	return row.ToResponse(), nil
}

func derefUser(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// Approve transitions a REQUESTED job to PENDING.
func (s *Service) Approve(ctx context.Context, r *http.Request, orgID, id uuid.UUID, approverID uuid.UUID) (Response, error) {
	var row Row
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updated, approveErr := NewStore(tx).Approve(ctx, tx, orgID, id, approverID)
		if approveErr != nil {
			return approveErr
		}
		row = updated
		entry := audit.FromRequest(r, "INSTALL_APPROVED", "cert_install_job")
		entry.OrgID = orgID
		entryID := row.ID.String()
		entry.EntityID = &entryID
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("approving install job: %w", err)
	}
	return row.ToResponse(), nil
}

// Deny transitions a REQUESTED job to CANCELED.
func (s *Service) Deny(ctx context.Context, r *http.Request, orgID, id uuid.UUID) (Response, error) {
	var row Row
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updated, denyErr := NewStore(tx).Deny(ctx, tx, orgID, id)
		if denyErr != nil {
			return denyErr
		}
		row = updated
		entry := audit.FromRequest(r, "INSTALL_DENIED", "cert_install_job")
		entry.OrgID = orgID
		entryID := row.ID.String()
		entry.EntityID = &entryID
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("denying install job: %w", err)
	}
	return row.ToResponse(), nil
}

// List returns all jobs in the org.
func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]Response, error) {
	rows, err := NewStore(s.pool).List(ctx, ListParams{OrgID: orgID})
	if err != nil {
		return nil, fmt.Errorf("listing install jobs: %w", err)
	}
	return toResponses(rows), nil
}

// ListMine returns jobs requested by userID.
func (s *Service) ListMine(ctx context.Context, orgID, userID uuid.UUID) ([]Response, error) {
	rows, err := NewStore(s.pool).List(ctx, ListParams{OrgID: orgID, RequestedByUserID: &userID})
	if err != nil {
		return nil, fmt.Errorf("listing install jobs for user: %w", err)
	}
	return toResponses(rows), nil
}

// ListForMyDevice returns jobs targeting devices userID owns or is
// allow-listed for. Distinct from ListMine, which returns jobs userID
// personally requested regardless of which device they target.
func (s *Service) ListForMyDevice(ctx context.Context, orgID, userID uuid.UUID) ([]Response, error) {
	owned, err := s.devices.ListMine(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing owned devices: %w", err)
	}
	if len(owned) == 0 {
		return []Response{}, nil
	}
	ids := make([]uuid.UUID, len(owned))
	for i, d := range owned {
		ids[i] = d.ID
	}
	rows, err := NewStore(s.pool).List(ctx, ListParams{OrgID: orgID, DeviceIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("listing install jobs for owned devices: %w", err)
	}
	return toResponses(rows), nil
}

// ListForDevice returns jobs targeting deviceID, used by the agent to poll its queue.
func (s *Service) ListForDevice(ctx context.Context, orgID, deviceID uuid.UUID) ([]Response, error) {
	rows, err := NewStore(s.pool).List(ctx, ListParams{OrgID: orgID, DeviceID: &deviceID, Statuses: []string{StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("listing install jobs for device: %w", err)
	}
	return toResponses(rows), nil
}

func toResponses(rows []Row) []Response {
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items
}

// Claim atomically assigns a PENDING job claimed for deviceID to IN_PROGRESS
// and mints a fresh single-use payload token.
func (s *Service) Claim(ctx context.Context, orgID, jobID, deviceID uuid.UUID) (ClaimResponse, error) {
	dev, err := s.devices.Get(ctx, orgID, deviceID)
	if err != nil {
		return ClaimResponse{}, fmt.Errorf("loading claiming device: %w", err)
	}
	if !dev.IsAllowed {
		return ClaimResponse{}, fmt.Errorf("%w: device is blocked", ErrForbidden)
	}

	raw, hash, expiresAt, err := auth.MintPayloadToken(payloadLease)
	if err != nil {
		return ClaimResponse{}, fmt.Errorf("minting payload token: %w", err)
	}

	var row Row
	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		claimed, claimErr := NewStore(tx).Claim(ctx, tx, orgID, jobID, deviceID, hash, expiresAt)
		if errors.Is(claimErr, pgx.ErrNoRows) {
			refreshed, refreshErr := NewStore(tx).RefreshClaim(ctx, tx, orgID, jobID, deviceID, hash, expiresAt)
			if refreshErr != nil {
				return refreshErr
			}
			row = refreshed
			return nil
		}
		if claimErr != nil {
			return claimErr
		}
		row = claimed
		telemetry.JobsClaimedTotal.Inc()

		entry := audit.Entry{OrgID: orgID, Action: "INSTALL_CLAIMED", EntityType: "cert_install_job", ActorDeviceID: &deviceID}
		id := row.ID.String()
		entry.EntityID = &id
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return ClaimResponse{}, fmt.Errorf("claiming install job: %w", err)
	}
	return ClaimResponse{Response: row.ToResponse(), PayloadToken: raw}, nil
}

// Payload returns the decrypted PFX bundle for an IN_PROGRESS job, enforcing
// the single-use token lease under a row lock and rate-limiting repeated
// fetch attempts per device.
func (s *Service) Payload(ctx context.Context, r *http.Request, orgID, jobID, deviceID uuid.UUID, rawToken string) (PayloadResponse, error) {
	if dev, devErr := s.devices.Get(ctx, orgID, deviceID); devErr == nil && !dev.IsAllowed {
		s.denyPayload(ctx, orgID, jobID, deviceID, DenyDeviceMismatch)
		return PayloadResponse{}, ErrPayloadDenied
	}

	if s.limiter != nil {
		result, rlErr := s.limiter.Check(ctx, auth.DevicePayloadKey(deviceID.String()), 5, time.Minute)
		if rlErr == nil && !result.Allowed {
			s.auditRateLimited(ctx, orgID, jobID, deviceID)
			telemetry.PayloadDeniedTotal.WithLabelValues(string(DenyRateLimited)).Inc()
			return PayloadResponse{}, ErrPayloadDenied
		}
	}

	if rawToken == "" {
		s.denyPayload(ctx, orgID, jobID, deviceID, DenyMissingToken)
		return PayloadResponse{}, ErrPayloadDenied
	}

	var (
		resp       PayloadResponse
		cert       certificate.Row
		denyReason PayloadDenialReason
	)
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		row, getErr := store.GetForUpdate(ctx, tx, orgID, jobID)
		if getErr != nil {
			return getErr
		}

		reason, ok := checkPayloadPreconditions(row, deviceID, rawToken)
		if !ok {
			denyReason = reason
			s.auditDenial(ctx, tx, orgID, jobID, deviceID, reason)
			return ErrPayloadDenied
		}

		if markErr := store.MarkPayloadUsed(ctx, tx, jobID); markErr != nil {
			return markErr
		}

		certRow, certErr := certificate.NewStore(tx).Get(ctx, orgID, row.CertID)
		if certErr != nil {
			return fmt.Errorf("loading certificate for payload: %w", certErr)
		}
		cert = certRow

		entry := audit.Entry{OrgID: orgID, Action: "PAYLOAD_ISSUED", EntityType: "cert_install_job", ActorDeviceID: &deviceID}
		id := row.ID.String()
		entry.EntityID = &id
		if auditErr := audit.Log(ctx, tx, entry); auditErr != nil {
			return auditErr
		}

		resp = PayloadResponse{
			JobID: row.ID, CertID: row.CertID, GeneratedAt: time.Now(),
			CleanupMode: row.CleanupMode, KeepUntil: row.KeepUntil, KeepReason: strVal(row.KeepReason),
		}
		return nil
	})
	if errors.Is(err, ErrPayloadDenied) {
		telemetry.PayloadDeniedTotal.WithLabelValues(string(denyReason)).Inc()
		return PayloadResponse{}, ErrPayloadDenied
	}
	if err != nil {
		return PayloadResponse{}, fmt.Errorf("fetching install job payload: %w", err)
	}

	if cert.SourcePath != nil {
		data, readErr := os.ReadFile(*cert.SourcePath) //nolint:gosec // path sourced from the certificate catalog, not user input
		if readErr != nil {
			return PayloadResponse{}, fmt.Errorf("reading certificate bundle: %w", readErr)
		}
		resp.PFXBase64 = base64.StdEncoding.EncodeToString(data)
		resp.SourcePath = *cert.SourcePath

		password, pwErr := s.certs.ResolvePassword(cert)
		if pwErr != nil {
			return PayloadResponse{}, fmt.Errorf("resolving bundle password: %w", pwErr)
		}
		resp.Password = password
	}
	return resp, nil
}

// checkPayloadPreconditions validates the lease against row under its lock,
// implementing the six denial reasons enumerated in spec.md §4.7.
func checkPayloadPreconditions(row Row, deviceID uuid.UUID, rawToken string) (PayloadDenialReason, bool) {
	if row.Status != StatusInProgress {
		return DenyJobNotInProgress, false
	}
	if row.ClaimedByDeviceID == nil || *row.ClaimedByDeviceID != deviceID {
		return DenyDeviceMismatch, false
	}
	if row.PayloadTokenHash == nil {
		return DenyMissingToken, false
	}
	if row.PayloadTokenUsedAt != nil {
		return DenyTokenUsed, false
	}
	if row.PayloadTokenExpiresAt == nil || time.Now().After(*row.PayloadTokenExpiresAt) {
		return DenyTokenExpired, false
	}
	if !auth.CompareTokenHash(rawToken, *row.PayloadTokenHash) {
		return DenyTokenMismatch, false
	}
	return "", true
}

func (s *Service) auditDenial(ctx context.Context, tx pgx.Tx, orgID, jobID, deviceID uuid.UUID, reason PayloadDenialReason) {
	entry := audit.Entry{OrgID: orgID, Action: "PAYLOAD_DENIED", EntityType: "cert_install_job", ActorDeviceID: &deviceID}
	id := jobID.String()
	entry.EntityID = &id
	entry.Meta = map[string]any{"reason": string(reason)}
	_ = audit.Log(ctx, tx, entry)
}

// denyPayload audits a denial that occurs before the row lock is taken
// (a blocked device, or a request with no token).
func (s *Service) denyPayload(ctx context.Context, orgID, jobID, deviceID uuid.UUID, reason PayloadDenialReason) {
	_ = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		s.auditDenial(ctx, tx, orgID, jobID, deviceID, reason)
		return nil
	})
	telemetry.PayloadDeniedTotal.WithLabelValues(string(reason)).Inc()
}

// auditRateLimited writes the dedicated PAYLOAD_RATE_LIMITED entry, kept
// distinct from PAYLOAD_DENIED per spec.md §7's audit vocabulary.
func (s *Service) auditRateLimited(ctx context.Context, orgID, jobID, deviceID uuid.UUID) {
	_ = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.Entry{OrgID: orgID, Action: "PAYLOAD_RATE_LIMITED", EntityType: "cert_install_job", ActorDeviceID: &deviceID}
		id := jobID.String()
		entry.EntityID = &id
		return audit.Log(ctx, tx, entry)
	})
}

// Result records the outcome reported by the claiming device, conditionally
// transitioning IN_PROGRESS -> DONE/FAILED. A report against a job that's
// already terminal is a RESULT_DUPLICATE; a report against a job claimed by
// a different device (or not found) is a RESULT_DENIED.
func (s *Service) Result(ctx context.Context, orgID, jobID, deviceID uuid.UUID, req ResultRequest) (Response, error) {
	var row Row
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updated, resultErr := NewStore(tx).Result(ctx, tx, orgID, jobID, deviceID, req.Status, req.ErrorCode, req.ErrorMessage, req.Thumbprint)
		if resultErr != nil {
			return resultErr
		}
		row = updated

		action := "INSTALL_DONE"
		if req.Status == StatusFailed {
			action = "INSTALL_FAILED"
		}
		entry := audit.Entry{OrgID: orgID, Action: action, EntityType: "cert_install_job", ActorDeviceID: &deviceID}
		id := row.ID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"error_code": req.ErrorCode}
		return audit.Log(ctx, tx, entry)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		s.auditResultRejected(ctx, orgID, jobID, deviceID)
		return Response{}, fmt.Errorf("%w: job not found or not in progress for this device", ErrForbidden)
	}
	if err != nil {
		return Response{}, fmt.Errorf("recording install job result: %w", err)
	}
	return row.ToResponse(), nil
}

// auditResultRejected distinguishes a duplicate result report (job already
// terminal) from an outright denial (wrong device or missing job).
func (s *Service) auditResultRejected(ctx context.Context, orgID, jobID, deviceID uuid.UUID) {
	action := "RESULT_DENIED"
	if existing, err := NewStore(s.pool).Get(ctx, orgID, jobID); err == nil && IsTerminal(existing.Status) {
		action = "RESULT_DUPLICATE"
	}
	_ = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.Entry{OrgID: orgID, Action: action, EntityType: "cert_install_job", ActorDeviceID: &deviceID}
		id := jobID.String()
		entry.EntityID = &id
		return audit.Log(ctx, tx, entry)
	})
}

// defaultTimeout returns the configured stuck-job threshold used by the
// ticker loop, and as the admin endpoint's default when threshold_minutes is
// omitted from the request.
func (s *Service) defaultTimeout() time.Duration {
	return s.jobTimeout
}

// Reap transitions every IN_PROGRESS job with started_at older than
// threshold to FAILED, returning the count affected. Called from a ticker
// loop (with the configured default) and from the admin endpoint (with an
// optional per-request override).
func (s *Service) Reap(ctx context.Context, threshold time.Duration) (ReapResponse, error) {
	var reaped int
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, reapErr := NewStore(tx).ReapStuck(ctx, tx, threshold)
		if reapErr != nil {
			return reapErr
		}
		reaped = len(rows)
		if reaped == 0 {
			return nil
		}
		telemetry.JobsReapedTotal.Add(float64(reaped))
		for _, row := range rows {
			entry := audit.Entry{OrgID: row.OrgID, Action: "JOB_REAPED", EntityType: "cert_install_job"}
			id := row.ID.String()
			entry.EntityID = &id
			if auditErr := audit.Log(ctx, tx, entry); auditErr != nil {
				return auditErr
			}
		}
		return nil
	})
	if err != nil {
		return ReapResponse{}, fmt.Errorf("reaping stuck install jobs: %w", err)
	}
	return ReapResponse{Reaped: reaped}, nil
}

// RunReapLoop ticks Reap at interval until ctx is canceled, the same
// self-contained worker-loop shape pkg/jobqueue uses for its own loop.
func (s *Service) RunReapLoop(ctx context.Context, interval time.Duration, onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reap(ctx, s.jobTimeout); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
