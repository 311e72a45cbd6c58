package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// RefreshCookieName is the cookie carrying a user's refresh token.
const RefreshCookieName = "certhub_refresh"

// accessClaims are the custom claims carried by both user and device access
// tokens. Role distinguishes which kind of subject signed the token: a
// device token always carries RoleDevice and nothing else.
type accessClaims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	OrgID   string `json:"org_id"`
}

// TokenService mints and validates the bearer tokens and opaque secrets used
// throughout CertHub: signed JWTs for user/device access, and random
// high-entropy tokens (refresh, set-password, reset-password, payload) that
// are stored only as a SHA-256 hash.
type TokenService struct {
	signingKey        []byte
	accessTTL         time.Duration
	deviceTTL         time.Duration
	refreshTTL        time.Duration
	setPasswordTTL    time.Duration
	resetPasswordTTL  time.Duration
	cookieSecure      bool
	cookieHTTPOnly    bool
	cookieSameSite    http.SameSite
}

// TokenConfig configures a TokenService.
type TokenConfig struct {
	Secret              string
	AccessTTL           time.Duration
	DeviceTTL           time.Duration
	RefreshTTL          time.Duration
	SetPasswordTTL      time.Duration
	ResetPasswordTTL    time.Duration
	CookieSecure        bool
	CookieHTTPOnly      bool
	CookieSameSite      string
}

// NewTokenService creates a TokenService. The secret must be at least 32 bytes.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(cfg.Secret))
	}
	return &TokenService{
		signingKey:       []byte(cfg.Secret),
		accessTTL:        cfg.AccessTTL,
		deviceTTL:        cfg.DeviceTTL,
		refreshTTL:       cfg.RefreshTTL,
		setPasswordTTL:   cfg.SetPasswordTTL,
		resetPasswordTTL: cfg.ResetPasswordTTL,
		cookieSecure:     cfg.CookieSecure,
		cookieHTTPOnly:   cfg.CookieHTTPOnly,
		cookieSameSite:   parseSameSite(cfg.CookieSameSite),
	}, nil
}

func parseSameSite(v string) http.SameSite {
	switch v {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}

func (ts *TokenService) sign(claims accessClaims, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: ts.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	now := time.Now()
	registered := jwt.Claims{
		Subject:  claims.Subject,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		Issuer:   "certhub",
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// MintUserAccessToken signs a user access token carrying role_global.
func (ts *TokenService) MintUserAccessToken(userID uuid.UUID, orgID uuid.UUID, role string) (string, error) {
	return ts.sign(accessClaims{
		Subject: userID.String(),
		Role:    role,
		OrgID:   orgID.String(),
	}, ts.accessTTL)
}

// MintDeviceAccessToken signs a device access token. Its role is always
// RoleDevice regardless of caller input, matching the invariant that a
// device token must fail any endpoint requiring a user role.
func (ts *TokenService) MintDeviceAccessToken(deviceID uuid.UUID, orgID uuid.UUID) (string, error) {
	return ts.sign(accessClaims{
		Subject: deviceID.String(),
		Role:    RoleDevice,
		OrgID:   orgID.String(),
	}, ts.deviceTTL)
}

// ValidateAccessToken verifies signature and expiry and returns an Identity.
func (ts *TokenService) ValidateAccessToken(raw string) (*Identity, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom accessClaims
	if err := tok.Claims(ts.signingKey, &registered, &custom); err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer: "certhub",
		Time:   time.Now(),
	}, 5*time.Second); err != nil {
		return nil, fmt.Errorf("validating claims: %w", err)
	}

	orgID, err := uuid.Parse(custom.OrgID)
	if err != nil {
		return nil, fmt.Errorf("parsing org_id claim: %w", err)
	}

	id := &Identity{
		Subject: custom.Subject,
		Role:    custom.Role,
		OrgID:   orgID,
	}

	subjectID, err := uuid.Parse(custom.Subject)
	if err != nil {
		return nil, fmt.Errorf("parsing subject claim: %w", err)
	}

	if custom.Role == RoleDevice {
		id.DeviceID = &subjectID
		id.Method = "jwt_device"
	} else {
		id.UserID = &subjectID
		id.Method = "jwt_user"
	}

	return id, nil
}

// opaqueToken holds a raw secret and its at-rest hash. Only Hash is stored;
// Raw is returned to the caller exactly once.
type opaqueToken struct {
	Raw  string
	Hash string
}

// newOpaqueToken generates a 256-bit random token, base64url-encoded, and its
// lowercase hex SHA-256 digest.
func newOpaqueToken() (opaqueToken, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return opaqueToken{}, fmt.Errorf("reading random bytes: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(b)
	return opaqueToken{Raw: raw, Hash: HashToken(raw)}, nil
}

// HashToken returns the lowercase hex SHA-256 digest of an opaque token, used
// for at-rest storage of device tokens, refresh tokens, payload tokens, and
// set/reset-password tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CompareTokenHash constant-time compares a presented raw token against a
// stored hash.
func CompareTokenHash(raw, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(raw)), []byte(storedHash)) == 1
}

// MintDeviceCredential generates a new device token and its hash, for initial
// provisioning or rotation.
func MintDeviceCredential() (raw, hash string, err error) {
	t, err := newOpaqueToken()
	if err != nil {
		return "", "", err
	}
	return t.Raw, t.Hash, nil
}

// MintRefreshToken generates a refresh token, its hash, and expiry.
func (ts *TokenService) MintRefreshToken() (raw, hash string, expiresAt time.Time, err error) {
	t, err := newOpaqueToken()
	if err != nil {
		return "", "", time.Time{}, err
	}
	return t.Raw, t.Hash, time.Now().Add(ts.refreshTTL), nil
}

// MintSetPasswordToken generates a one-time set-password token and its expiry.
func (ts *TokenService) MintSetPasswordToken() (raw, hash string, expiresAt time.Time, err error) {
	t, err := newOpaqueToken()
	if err != nil {
		return "", "", time.Time{}, err
	}
	return t.Raw, t.Hash, time.Now().Add(ts.setPasswordTTL), nil
}

// MintResetPasswordToken generates a one-time reset-password token and its expiry.
func (ts *TokenService) MintResetPasswordToken() (raw, hash string, expiresAt time.Time, err error) {
	t, err := newOpaqueToken()
	if err != nil {
		return "", "", time.Time{}, err
	}
	return t.Raw, t.Hash, time.Now().Add(ts.resetPasswordTTL), nil
}

// MintPayloadToken generates a payload token bound to a 120-second lease.
func MintPayloadToken(lease time.Duration) (raw, hash string, expiresAt time.Time, err error) {
	t, err := newOpaqueToken()
	if err != nil {
		return "", "", time.Time{}, err
	}
	return t.Raw, t.Hash, time.Now().Add(lease), nil
}

// IssueRefreshCookie sets the refresh token as an HttpOnly cookie.
func (ts *TokenService) IssueRefreshCookie(w http.ResponseWriter, raw string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    raw,
		Path:     "/api/v1/auth",
		HttpOnly: ts.cookieHTTPOnly,
		Secure:   ts.cookieSecure,
		SameSite: ts.cookieSameSite,
		MaxAge:   int(ts.refreshTTL.Seconds()),
	})
}

// ClearRefreshCookie removes the refresh token cookie.
func (ts *TokenService) ClearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/api/v1/auth",
		HttpOnly: ts.cookieHTTPOnly,
		Secure:   ts.cookieSecure,
		SameSite: ts.cookieSameSite,
		MaxAge:   -1,
	})
}
