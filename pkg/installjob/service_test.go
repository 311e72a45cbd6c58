package installjob

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/certhub/certhub/internal/auth"
)

func TestCheckPayloadPreconditions(t *testing.T) {
	deviceID := uuid.New()
	otherDevice := uuid.New()
	hash := auth.HashToken("abc123")
	future := time.Now().Add(time.Minute)
	past := time.Now().Add(-time.Minute)

	base := func() Row {
		return Row{
			Status:                StatusInProgress,
			ClaimedByDeviceID:     &deviceID,
			PayloadTokenHash:      &hash,
			PayloadTokenExpiresAt: &future,
		}
	}

	cases := []struct {
		name   string
		modify func(Row) Row
		token  string
		want   PayloadDenialReason
		ok     bool
	}{
		{"not in progress", func(r Row) Row { r.Status = StatusPending; return r }, "abc123", DenyJobNotInProgress, false},
		{"wrong device", func(r Row) Row { r.ClaimedByDeviceID = &otherDevice; return r }, "abc123", DenyDeviceMismatch, false},
		{"no token issued", func(r Row) Row { r.PayloadTokenHash = nil; return r }, "abc123", DenyMissingToken, false},
		{"already used", func(r Row) Row { now := time.Now(); r.PayloadTokenUsedAt = &now; return r }, "abc123", DenyTokenUsed, false},
		{"expired", func(r Row) Row { r.PayloadTokenExpiresAt = &past; return r }, "abc123", DenyTokenExpired, false},
		{"wrong token", func(r Row) Row { return r }, "wrong", DenyTokenMismatch, false},
		{"valid", func(r Row) Row { return r }, "abc123", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			row := tc.modify(base())
			reason, ok := checkPayloadPreconditions(row, deviceID, tc.token)
			if ok != tc.ok || reason != tc.want {
				t.Errorf("got (%q, %v), want (%q, %v)", reason, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[string]bool{
		StatusRequested:  false,
		StatusPending:    false,
		StatusInProgress: false,
		StatusDone:       true,
		StatusFailed:     true,
		StatusCanceled:   true,
		StatusExpired:    true,
	}
	for status, want := range cases {
		if got := IsTerminal(status); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", status, got, want)
		}
	}
}
