package audit

import (
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	if ip := clientIP(r); ip != "203.0.113.50" {
		t.Errorf("clientIP = %q, want %q", ip, "203.0.113.50")
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	if ip := clientIP(r); ip != "198.51.100.23" {
		t.Errorf("clientIP = %q, want %q", ip, "198.51.100.23")
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	if ip := clientIP(r); ip != "192.0.2.1" {
		t.Errorf("clientIP = %q, want %q", ip, "192.0.2.1")
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	if ip := clientIP(r); ip != "203.0.113.50" {
		t.Errorf("clientIP = %q, want %q (X-Forwarded-For should take precedence)", ip, "203.0.113.50")
	}
}

func TestClientIP_XRealIPFallback(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	if ip := clientIP(r); ip != "198.51.100.23" {
		t.Errorf("clientIP = %q, want %q (X-Real-IP should take precedence over RemoteAddr)", ip, "198.51.100.23")
	}
}

func TestFromRequest_ExtractsIP(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/v1/install-jobs", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	entry := FromRequest(r, "INSTALL_REQUESTED", "install_job")

	if entry.Action != "INSTALL_REQUESTED" {
		t.Errorf("Action = %q, want %q", entry.Action, "INSTALL_REQUESTED")
	}
	if entry.EntityType != "install_job" {
		t.Errorf("EntityType = %q, want %q", entry.EntityType, "install_job")
	}
	if entry.IP != "198.51.100.23" {
		t.Errorf("IP = %q, want %q", entry.IP, "198.51.100.23")
	}
	if entry.OrgID != uuid.Nil {
		t.Errorf("OrgID = %v, want zero value (no identity in context)", entry.OrgID)
	}
}
