package devicecert

import "testing"

func TestNullify(t *testing.T) {
	if got := nullify(""); got != nil {
		t.Errorf("nullify(\"\") = %v, want nil", got)
	}
	got := nullify("x")
	if got == nil || *got != "x" {
		t.Errorf("nullify(\"x\") = %v, want pointer to \"x\"", got)
	}
}

func TestRowToResponse(t *testing.T) {
	r := Row{Thumbprint: "ABCD", InstalledViaAgent: true}
	resp := r.ToResponse()
	if resp.Thumbprint != "ABCD" || !resp.InstalledViaAgent {
		t.Errorf("ToResponse() = %+v, unexpected values", resp)
	}
	if resp.Subject != "" || resp.Issuer != "" {
		t.Errorf("ToResponse() nil pointer fields should render as empty strings, got subject=%q issuer=%q", resp.Subject, resp.Issuer)
	}
}
