package device

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
)

var ErrForbidden = errors.New("insufficient role to perform this change")

// Service encapsulates device business logic.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]Response, error) {
	rows, err := NewStore(s.pool).List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return toResponses(rows), nil
}

// ListMine returns devices assigned to or allow-listed for userID.
func (s *Service) ListMine(ctx context.Context, orgID, userID uuid.UUID) ([]Response, error) {
	rows, err := NewStore(s.pool).ListForUser(ctx, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices for user: %w", err)
	}
	return toResponses(rows), nil
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (Response, error) {
	row, err := NewStore(s.pool).Get(ctx, orgID, id)
	if err != nil {
		return Response{}, err
	}
	return row.ToResponse(), nil
}

// GetByID looks up a device by id alone, for the agent auth handshake where
// the org is not yet established. Returns the full Row, including the
// token hash, for credential comparison.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (Row, error) {
	return NewStore(s.pool).GetByID(ctx, id)
}

// Heartbeat records agent liveness.
func (s *Service) Heartbeat(ctx context.Context, id uuid.UUID, agentVersion string) error {
	return NewStore(s.pool).Heartbeat(ctx, id, agentVersion)
}

// CanTarget reports whether actor may install certs on device deviceID: a
// DEV/ADMIN can target any device in-org; a VIEW user only devices they own
// or are allow-listed for.
func (s *Service) CanTarget(ctx context.Context, orgID, deviceID uuid.UUID, actor *auth.Identity) (bool, error) {
	if actor.Role == auth.RoleDev || actor.Role == auth.RoleAdmin {
		_, err := NewStore(s.pool).Get(ctx, orgID, deviceID)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return err == nil, err
	}
	return NewStore(s.pool).IsOwnedByUser(ctx, orgID, deviceID, *actor.UserID)
}

func (s *Service) Create(ctx context.Context, r *http.Request, orgID uuid.UUID, actorRole string, req CreateRequest) (Response, error) {
	if req.AutoApprove && actorRole != auth.RoleDev {
		return Response{}, ErrForbidden
	}

	var row Row
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		created, createErr := NewStore(tx).Create(ctx, CreateParams{
			OrgID:          orgID,
			Hostname:       req.Hostname,
			OSName:         req.OSName,
			OSVersion:      req.OSVersion,
			AutoApprove:    req.AutoApprove,
			AssignedUser:   req.AssignedUser,
			AllowKeepUntil: req.AllowKeepUntil,
			AllowExempt:    req.AllowExempt,
		})
		if createErr != nil {
			return createErr
		}
		row = created

		entry := audit.FromRequest(r, "DEVICE_CREATED", "device")
		entry.OrgID = orgID
		id := row.ID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"hostname": row.Hostname}
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("creating device: %w", err)
	}
	return row.ToResponse(), nil
}

func (s *Service) Update(ctx context.Context, r *http.Request, orgID, id uuid.UUID, actorRole string, req UpdateRequest) (Response, error) {
	if req.AutoApprove != nil && actorRole != auth.RoleDev {
		return Response{}, ErrForbidden
	}

	var row Row
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		updated, updateErr := NewStore(tx).Update(ctx, orgID, id, UpdateParams{
			Hostname:        req.Hostname,
			OSName:          req.OSName,
			OSVersion:       req.OSVersion,
			AgentVersion:    req.AgentVersion,
			IsAllowed:       req.IsAllowed,
			AutoApprove:     req.AutoApprove,
			AssignedUser:    req.AssignedUser,
			AssignedUserSet: req.AssignedUser != nil,
			AllowKeepUntil:  req.AllowKeepUntil,
			AllowExempt:     req.AllowExempt,
		})
		if updateErr != nil {
			return updateErr
		}
		row = updated

		entry := audit.FromRequest(r, "DEVICE_UPDATED", "device")
		entry.OrgID = orgID
		entryID := row.ID.String()
		entry.EntityID = &entryID
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("updating device: %w", err)
	}
	return row.ToResponse(), nil
}

// RotateToken mints a fresh device credential and replaces the stored hash.
func (s *Service) RotateToken(ctx context.Context, r *http.Request, orgID, id uuid.UUID) (string, error) {
	raw, hash, err := auth.MintDeviceCredential()
	if err != nil {
		return "", fmt.Errorf("minting device credential: %w", err)
	}

	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		if _, getErr := store.Get(ctx, orgID, id); getErr != nil {
			return getErr
		}
		if rotErr := store.RotateToken(ctx, id, hash); rotErr != nil {
			return rotErr
		}
		entry := audit.FromRequest(r, "DEVICE_TOKEN_ROTATED", "device")
		entry.OrgID = orgID
		entryID := id.String()
		entry.EntityID = &entryID
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return "", fmt.Errorf("rotating device token: %w", err)
	}
	return raw, nil
}

func toResponses(rows []Row) []Response {
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items
}
