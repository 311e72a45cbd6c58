// Package retention implements the Retention Policy Evaluator (C10): the
// DEFAULT/KEEP_UNTIL/EXEMPT validation table applied to install requests and
// propagated into the agent payload response so a device's local cleanup
// policy can honor it.
package retention

import (
	"errors"
	"fmt"
	"time"

	"github.com/certhub/certhub/internal/auth"
)

const (
	ModeDefault   = "DEFAULT"
	ModeKeepUntil = "KEEP_UNTIL"
	ModeExempt    = "EXEMPT"
)

// ErrForbidden marks a retention denial that must surface as 403 (role or
// device gate), distinct from ErrInvalid's 400 (malformed request).
var (
	ErrForbidden = errors.New("retention policy not permitted for this role or device")
	ErrInvalid   = errors.New("invalid retention parameters")
)

// Request is the retention triple an install request or job update carries.
type Request struct {
	CleanupMode string
	KeepUntil   *time.Time
	KeepReason  string
}

// Decision is the validated, normalized retention triple to persist.
type Decision struct {
	CleanupMode string
	KeepUntil   *time.Time
	KeepReason  *string
}

// DeviceGate carries the per-device retention flags the evaluator consults.
type DeviceGate struct {
	AllowKeepUntil bool
	AllowExempt    bool
}

// Evaluate validates (cleanup_mode, keep_until, keep_reason) per spec.md
// §4.10. now and maxKeepUntilHours (the VIEW-role horizon) are supplied by
// the caller so the function stays pure and testable.
func Evaluate(req Request, actorRole string, gate DeviceGate, maxKeepUntilHours int, now time.Time) (Decision, error) {
	mode := req.CleanupMode
	if mode == "" {
		mode = ModeDefault
	}

	switch mode {
	case ModeDefault:
		return Decision{CleanupMode: ModeDefault}, nil

	case ModeKeepUntil:
		if req.KeepUntil == nil {
			return Decision{}, fmt.Errorf("%w: keep_until is required for KEEP_UNTIL", ErrInvalid)
		}
		if !req.KeepUntil.After(now) {
			return Decision{}, fmt.Errorf("%w: keep_until must be strictly in the future", ErrInvalid)
		}
		if !gate.AllowKeepUntil {
			return Decision{}, fmt.Errorf("%w: device does not allow KEEP_UNTIL", ErrForbidden)
		}
		if actorRole == auth.RoleView {
			ceiling := now.Add(time.Duration(maxKeepUntilHours) * time.Hour)
			if req.KeepUntil.After(ceiling) {
				return Decision{}, fmt.Errorf("%w: keep_until exceeds the maximum horizon for VIEW users", ErrInvalid)
			}
		}
		keepUntil := req.KeepUntil.UTC()
		var reason *string
		if req.KeepReason != "" {
			reason = &req.KeepReason
		}
		return Decision{CleanupMode: ModeKeepUntil, KeepUntil: &keepUntil, KeepReason: reason}, nil

	case ModeExempt:
		if actorRole != auth.RoleDev && actorRole != auth.RoleAdmin {
			return Decision{}, fmt.Errorf("%w: only DEV or ADMIN may set EXEMPT", ErrForbidden)
		}
		if req.KeepReason == "" {
			return Decision{}, fmt.Errorf("%w: keep_reason is required for EXEMPT", ErrInvalid)
		}
		if !gate.AllowExempt {
			return Decision{}, fmt.Errorf("%w: device does not allow EXEMPT", ErrForbidden)
		}
		reason := req.KeepReason
		return Decision{CleanupMode: ModeExempt, KeepReason: &reason}, nil

	default:
		return Decision{}, fmt.Errorf("%w: unknown cleanup_mode %q", ErrInvalid, mode)
	}
}
