package watcher

import (
	"testing"

	"github.com/google/uuid"
)

func TestIsCertFile(t *testing.T) {
	cases := map[string]bool{
		"a.pfx":        true,
		"a.P12":        true,
		"a.pem":        false,
		"a.pfx.bak":    false,
		"/tmp/a.p12":   true,
		"/tmp/noext":   false,
	}
	for path, want := range cases {
		if got := isCertFile(path); got != want {
			t.Errorf("isCertFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestJobIDDeterministicAndDistinct(t *testing.T) {
	org := uuid.New()
	a := ingestJobID(org, "/drop/a.pfx")
	b := ingestJobID(org, "/drop/a.pfx")
	if a != b {
		t.Errorf("ingestJobID not deterministic: %q != %q", a, b)
	}

	del := deleteJobID(org, "/drop/a.pfx")
	if a == del {
		t.Errorf("ingest and delete job ids collided: %q", a)
	}

	other := ingestJobID(org, "/drop/b.pfx")
	if a == other {
		t.Errorf("job ids for distinct paths collided: %q", a)
	}

	mixedCase := ingestJobID(org, "/DROP/A.PFX")
	lower := ingestJobID(org, "/drop/a.pfx")
	if mixedCase != lower {
		t.Errorf("job id should normalize case: %q != %q", mixedCase, lower)
	}
}
