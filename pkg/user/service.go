package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/certhub/certhub/internal/audit"
	"github.com/certhub/certhub/internal/auth"
	"github.com/certhub/certhub/internal/db"
)

var (
	ErrInactive      = errors.New("user account is inactive")
	ErrLocked        = errors.New("user account is locked")
	ErrBadCredential = errors.New("invalid credentials")
	ErrForbidden     = errors.New("insufficient role to perform this change")
)

// Config holds the tunables Service needs from the environment.
type Config struct {
	LockoutMaxAttempts  int
	LockoutDuration     time.Duration
	SetPasswordTTL      time.Duration
	ResetPasswordTTL    time.Duration
	BcryptCost          int
}

// Service encapsulates user, session, and auth-token business logic.
type Service struct {
	pool    *pgxpool.Pool
	store   *Store
	tokens  *auth.TokenService
	limiter *auth.RateLimiter
	mailer  *Mailer
	logger  *slog.Logger
	cfg     Config
}

func NewService(pool *pgxpool.Pool, tokens *auth.TokenService, limiter *auth.RateLimiter, mailer *Mailer, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		pool:    pool,
		store:   NewStore(pool),
		mailer:  mailer,
		tokens:  tokens,
		limiter: limiter,
		logger:  logger,
		cfg:     cfg,
	}
}

func (s *Service) List(ctx context.Context, orgID uuid.UUID) ([]Response, error) {
	rows, err := s.store.List(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, nil
}

func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (Response, error) {
	row, err := s.store.Get(ctx, orgID, id)
	if err != nil {
		return Response{}, err
	}
	return row.ToResponse(), nil
}

// Create creates a new user. Only DEV actors reach this (POST /admin/users is
// DEV-only at the route level), so the role being granted is not further
// restricted here.
func (s *Service) Create(ctx context.Context, r *http.Request, orgID uuid.UUID, req CreateRequest) (Response, error) {
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		return Response{}, err
	}
	hash, err := auth.HashPassword(req.Password, s.cfg.BcryptCost)
	if err != nil {
		return Response{}, fmt.Errorf("hashing password: %w", err)
	}

	var row Row
	err = db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		created, createErr := store.Create(ctx, CreateParams{
			OrgID:                  orgID,
			ADUsername:             req.ADUsername,
			Email:                  req.Email,
			DisplayName:            req.DisplayName,
			RoleGlobal:             req.Role,
			AutoApproveInstallJobs: req.AutoApproveInstallJobs,
			PasswordHash:           hash,
		})
		if createErr != nil {
			return createErr
		}
		row = created

		entry := audit.FromRequest(r, "USER_CREATED", "user")
		entry.OrgID = orgID
		id := row.ID.String()
		entry.EntityID = &id
		entry.Meta = map[string]any{"ad_username": row.ADUsername, "role_global": row.RoleGlobal}
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("creating user: %w", err)
	}
	return row.ToResponse(), nil
}

// Update applies a partial update. actorRole must be DEV to change Role or
// IsActive; ADMIN may still change email/display name/auto-approve flag.
func (s *Service) Update(ctx context.Context, r *http.Request, orgID, id uuid.UUID, actorRole string, req UpdateRequest) (Response, error) {
	if (req.Role != nil || req.IsActive != nil) && actorRole != RoleDev {
		return Response{}, ErrForbidden
	}

	var row Row
	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		updated, updateErr := store.Update(ctx, orgID, id, UpdateParams{
			Email:                  req.Email,
			DisplayName:            req.DisplayName,
			Role:                   req.Role,
			IsActive:               req.IsActive,
			AutoApproveInstallJobs: req.AutoApproveInstallJobs,
		})
		if updateErr != nil {
			return updateErr
		}
		row = updated

		entry := audit.FromRequest(r, "USER_UPDATED", "user")
		entry.OrgID = orgID
		entryID := row.ID.String()
		entry.EntityID = &entryID
		return audit.Log(ctx, tx, entry)
	})
	if err != nil {
		return Response{}, fmt.Errorf("updating user: %w", err)
	}
	return row.ToResponse(), nil
}

// Login validates credentials, applies lockout/failed-attempt bookkeeping,
// mints an access token, and opens a refresh-token session. Every outcome is
// audited in the same transaction as the state change it caused.
func (s *Service) Login(ctx context.Context, r *http.Request, orgID uuid.UUID, req LoginRequest, ip, ua string) (LoginResponse, string, error) {
	var (
		resp       LoginResponse
		refreshRaw string
		// denied carries a refused login out of the transaction, so the
		// failed-attempt bookkeeping and its audit row commit rather than
		// roll back with an error return.
		denied error
	)

	err := db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		row, getErr := store.GetByUsername(ctx, orgID, req.ADUsername)
		if getErr != nil {
			// Do not distinguish "no such user" from "wrong password" in the
			// response, but still record an audit row scoped to the org.
			entry := audit.FromRequest(r, "LOGIN_FAILED", "user")
			entry.OrgID = orgID
			entry.IP = ip
			entry.Meta = map[string]any{"ad_username": req.ADUsername, "reason": "no_such_user"}
			if auditErr := audit.Log(ctx, tx, entry); auditErr != nil {
				return auditErr
			}
			denied = ErrBadCredential
			return nil
		}

		if !row.IsActive {
			return ErrInactive
		}
		if row.LockedUntil != nil && row.LockedUntil.After(time.Now()) {
			entry := audit.FromRequest(r, "LOGIN_LOCKED", "user")
			entry.OrgID = orgID
			entry.ActorUserID = &row.ID
			entry.IP = ip
			if auditErr := audit.Log(ctx, tx, entry); auditErr != nil {
				return auditErr
			}
			denied = ErrLocked
			return nil
		}

		if row.PasswordHash == nil || !auth.VerifyPassword(*row.PasswordHash, req.Password) {
			updated, regErr := store.RegisterFailedLogin(ctx, row.ID, s.cfg.LockoutMaxAttempts, s.cfg.LockoutDuration)
			if regErr != nil {
				return regErr
			}
			action := "LOGIN_FAILED"
			if updated.LockedUntil != nil {
				action = "LOGIN_LOCKED"
			}
			entry := audit.FromRequest(r, action, "user")
			entry.OrgID = orgID
			entry.ActorUserID = &row.ID
			entry.IP = ip
			if auditErr := audit.Log(ctx, tx, entry); auditErr != nil {
				return auditErr
			}
			if updated.LockedUntil != nil {
				denied = ErrLocked
			} else {
				denied = ErrBadCredential
			}
			return nil
		}

		if resetErr := store.ResetFailedLogins(ctx, row.ID); resetErr != nil {
			return resetErr
		}

		access, mintErr := s.tokens.MintUserAccessToken(row.ID, orgID, row.RoleGlobal)
		if mintErr != nil {
			return mintErr
		}
		raw, hash, expiresAt, refreshErr := s.tokens.MintRefreshToken()
		if refreshErr != nil {
			return refreshErr
		}
		if sessErr := store.CreateSession(ctx, orgID, row.ID, hash, expiresAt, ip, ua); sessErr != nil {
			return sessErr
		}

		entry := audit.FromRequest(r, "LOGIN_SUCCESS", "user")
		entry.OrgID = orgID
		entry.ActorUserID = &row.ID
		entry.IP = ip
		if auditErr := audit.Log(ctx, tx, entry); auditErr != nil {
			return auditErr
		}

		refreshRaw = raw
		resp = LoginResponse{AccessToken: access, User: row.ToResponse()}
		return nil
	})
	if err != nil {
		return LoginResponse{}, "", err
	}
	if denied != nil {
		return LoginResponse{}, "", denied
	}
	return resp, refreshRaw, nil
}

// Refresh mints a fresh access token from a live refresh-token session.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (string, error) {
	hash := auth.HashToken(rawRefresh)
	sess, err := s.store.GetSessionByHash(ctx, hash)
	if err != nil {
		return "", ErrBadCredential
	}
	if sess.RevokedAt != nil || sess.ExpiresAt.Before(time.Now()) {
		return "", ErrBadCredential
	}
	row, err := s.store.Get(ctx, sess.OrgID, sess.UserID)
	if err != nil {
		return "", err
	}
	if !row.IsActive {
		return "", ErrInactive
	}
	return s.tokens.MintUserAccessToken(row.ID, row.OrgID, row.RoleGlobal)
}

// Logout revokes the session tied to rawRefresh.
func (s *Service) Logout(ctx context.Context, r *http.Request, rawRefresh string) error {
	hash := auth.HashToken(rawRefresh)
	return db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := NewStore(tx).RevokeSessionByHash(ctx, hash); err != nil {
			return err
		}
		return audit.Log(ctx, tx, audit.FromRequest(r, "LOGOUT", "user"))
	})
}

// InitSetPassword issues a set-password token for a newly created user.
func (s *Service) InitSetPassword(ctx context.Context, orgID, userID uuid.UUID) (string, error) {
	raw, hash, expiresAt, err := s.tokens.MintSetPasswordToken()
	if err != nil {
		return "", err
	}
	if err := s.store.CreateAuthToken(ctx, orgID, userID, hash, "set_password", expiresAt); err != nil {
		return "", err
	}
	return raw, nil
}

// InitResetPassword issues a reset-password token if the user exists. Callers
// must return a generic 200 regardless of the error returned here, per the
// enumeration-defense requirement.
func (s *Service) InitResetPassword(ctx context.Context, orgID uuid.UUID, adUsername string) error {
	row, err := s.store.GetByUsername(ctx, orgID, adUsername)
	if err != nil {
		return err
	}
	raw, hash, expiresAt, err := s.tokens.MintResetPasswordToken()
	if err != nil {
		return err
	}
	if err := s.store.CreateAuthToken(ctx, orgID, row.ID, hash, "reset_password", expiresAt); err != nil {
		return err
	}

	if s.mailer == nil || row.Email == "" {
		s.logger.Info("password reset token issued", "user_id", row.ID, "token", raw)
		return nil
	}
	body := fmt.Sprintf("A password reset was requested for your CertHub account.\n\nReset token: %s\n\nThis token expires in %s.", raw, s.cfg.ResetPasswordTTL)
	if mailErr := s.mailer.SendPasswordToken(row.Email, "CertHub password reset", body); mailErr != nil {
		s.logger.Error("sending password reset email", "user_id", row.ID, "error", mailErr)
	}
	return nil
}

// ConfirmPasswordToken validates and consumes a set/reset password token and
// sets the new password hash, all under a single row lock.
func (s *Service) ConfirmPasswordToken(ctx context.Context, r *http.Request, rawToken, newPassword, purpose string) error {
	if err := auth.ValidatePasswordStrength(newPassword); err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return err
	}
	tokenHash := auth.HashToken(rawToken)

	return db.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		store := NewStore(tx)
		tokenRow, getErr := store.GetAuthTokenByHash(ctx, tx, tokenHash)
		if getErr != nil {
			if errors.Is(getErr, pgx.ErrNoRows) {
				return ErrBadCredential
			}
			return getErr
		}
		if tokenRow.Purpose != purpose {
			return ErrBadCredential
		}
		if tokenRow.UsedAt != nil {
			return ErrBadCredential
		}
		if tokenRow.ExpiresAt.Before(time.Now()) {
			return ErrBadCredential
		}

		if err := store.MarkAuthTokenUsed(ctx, tx, tokenRow.ID); err != nil {
			return err
		}
		if err := store.SetPasswordHash(ctx, tokenRow.UserID, hash); err != nil {
			return err
		}

		action := "PASSWORD_SET"
		if purpose == "reset_password" {
			action = "PASSWORD_RESET"
		}
		entry := audit.FromRequest(r, action, "user")
		entry.OrgID = tokenRow.OrgID
		entry.ActorUserID = &tokenRow.UserID
		return audit.Log(ctx, tx, entry)
	})
}
