package retention

import (
	"errors"
	"testing"
	"time"

	"github.com/certhub/certhub/internal/auth"
)

func TestEvaluateDefault(t *testing.T) {
	now := time.Now()
	got, err := Evaluate(Request{}, auth.RoleView, DeviceGate{}, 168, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CleanupMode != ModeDefault || got.KeepUntil != nil || got.KeepReason != nil {
		t.Errorf("Evaluate(empty request) = %+v, want bare DEFAULT decision", got)
	}
}

func TestEvaluateKeepUntil(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)
	farFuture := now.Add(365 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name    string
		req     Request
		role    string
		gate    DeviceGate
		wantErr error
	}{
		{"missing keep_until", Request{CleanupMode: ModeKeepUntil}, auth.RoleAdmin, DeviceGate{AllowKeepUntil: true}, ErrInvalid},
		{"keep_until in the past", Request{CleanupMode: ModeKeepUntil, KeepUntil: &past}, auth.RoleAdmin, DeviceGate{AllowKeepUntil: true}, ErrInvalid},
		{"device disallows", Request{CleanupMode: ModeKeepUntil, KeepUntil: &future}, auth.RoleAdmin, DeviceGate{}, ErrForbidden},
		{"view role over horizon", Request{CleanupMode: ModeKeepUntil, KeepUntil: &farFuture}, auth.RoleView, DeviceGate{AllowKeepUntil: true}, ErrInvalid},
		{"view role within horizon", Request{CleanupMode: ModeKeepUntil, KeepUntil: &future}, auth.RoleView, DeviceGate{AllowKeepUntil: true}, nil},
		{"dev role ignores horizon", Request{CleanupMode: ModeKeepUntil, KeepUntil: &farFuture}, auth.RoleDev, DeviceGate{AllowKeepUntil: true}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := Evaluate(tc.req, tc.role, tc.gate, 168, now)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Evaluate() error = %v, want wrapping %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.CleanupMode != ModeKeepUntil || decision.KeepUntil == nil {
				t.Errorf("Evaluate() = %+v, want a KEEP_UNTIL decision", decision)
			}
		})
	}
}

func TestEvaluateExempt(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name    string
		req     Request
		role    string
		gate    DeviceGate
		wantErr error
	}{
		{"view role forbidden", Request{CleanupMode: ModeExempt, KeepReason: "compliance hold"}, auth.RoleView, DeviceGate{AllowExempt: true}, ErrForbidden},
		{"missing reason", Request{CleanupMode: ModeExempt}, auth.RoleAdmin, DeviceGate{AllowExempt: true}, ErrInvalid},
		{"device disallows", Request{CleanupMode: ModeExempt, KeepReason: "compliance hold"}, auth.RoleAdmin, DeviceGate{}, ErrForbidden},
		{"admin with reason and gate", Request{CleanupMode: ModeExempt, KeepReason: "compliance hold"}, auth.RoleAdmin, DeviceGate{AllowExempt: true}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := Evaluate(tc.req, tc.role, tc.gate, 168, now)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Evaluate() error = %v, want wrapping %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.CleanupMode != ModeExempt || decision.KeepReason == nil || *decision.KeepReason != "compliance hold" {
				t.Errorf("Evaluate() = %+v, want an EXEMPT decision with the reason preserved", decision)
			}
		})
	}
}

func TestEvaluateUnknownMode(t *testing.T) {
	_, err := Evaluate(Request{CleanupMode: "BOGUS"}, auth.RoleDev, DeviceGate{}, 168, time.Now())
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Evaluate(unknown mode) error = %v, want wrapping ErrInvalid", err)
	}
}
