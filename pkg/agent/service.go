package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certhub/certhub/internal/audit"
	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/db"
	"github.com/certhub/certhub/pkg/device"
)

const agentAuthWindow = time.Minute

var (
	ErrBadCredential = errors.New("invalid device credentials")
	ErrBlocked       = errors.New("device is blocked or has no token provisioned")
	ErrRateLimited   = errors.New("too many authentication attempts")
)

// Service implements device authentication and heartbeat.
type Service struct {
	pool    *pgxpool.Pool
	devices *device.Service
	tokens  *auth.TokenService
	limiter *auth.RateLimiter
}

func NewService(pool *pgxpool.Pool, devices *device.Service, tokens *auth.TokenService, limiter *auth.RateLimiter) *Service {
	return &Service{pool: pool, devices: devices, tokens: tokens, limiter: limiter}
}

// Auth validates a device's provisioned token and mints a fresh access
// token, per spec.md §4.8: rate-limited, constant-time compare against the
// stored hash, device must be allowed and have a token provisioned.
func (s *Service) Auth(ctx context.Context, r *http.Request, req AuthRequest) (AuthResponse, error) {
	limitRes, limitErr := s.limiter.Check(ctx, auth.DeviceAuthKey(req.DeviceID.String()), 10, agentAuthWindow)
	if limitErr == nil && !limitRes.Allowed {
		return AuthResponse{}, ErrRateLimited
	}

	dev, err := s.devices.GetByID(ctx, req.DeviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.auditFailure(ctx, r, uuid.Nil, req.DeviceID, "no_such_device")
		return AuthResponse{}, ErrBadCredential
	}
	if err != nil {
		return AuthResponse{}, fmt.Errorf("loading device: %w", err)
	}

	if !dev.IsAllowed || dev.DeviceTokenHash == nil {
		s.auditFailure(ctx, r, dev.OrgID, req.DeviceID, "blocked_or_unprovisioned")
		return AuthResponse{}, ErrBlocked
	}

	if !auth.CompareTokenHash(req.DeviceToken, *dev.DeviceTokenHash) {
		s.auditFailure(ctx, r, dev.OrgID, req.DeviceID, "bad_token")
		return AuthResponse{}, ErrBadCredential
	}

	access, mintErr := s.tokens.MintDeviceAccessToken(dev.ID, dev.OrgID)
	if mintErr != nil {
		return AuthResponse{}, fmt.Errorf("minting device access token: %w", mintErr)
	}

	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.FromRequest(r, "LOGIN_SUCCESS", "device")
		entry.OrgID = dev.OrgID
		entry.ActorDeviceID = &dev.ID
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return AuthResponse{}, fmt.Errorf("auditing device login: %w", err)
	}
	return AuthResponse{AccessToken: access}, nil
}

// auditFailure records a failed device auth attempt. orgID is uuid.Nil when
// the device id in the request doesn't resolve to a real device, and the row
// is then recorded under that nil org id; the write is best-effort and its
// error is ignored.
func (s *Service) auditFailure(ctx context.Context, r *http.Request, orgID, deviceID uuid.UUID, reason string) {
	_ = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		entry := audit.FromRequest(r, "LOGIN_FAILED", "device")
		entry.OrgID = orgID
		id := deviceID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"reason": reason}
		return audit.Log(ctx, tx, entry)
	})
}

// Heartbeat records agent liveness and optionally refreshes agent_version.
func (s *Service) Heartbeat(ctx context.Context, deviceID uuid.UUID, agentVersion string) error {
	if err := s.devices.Heartbeat(ctx, deviceID, agentVersion); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}
