package jobqueue

import "testing"

func TestTerminal(t *testing.T) {
	cases := map[string]bool{
		StatusQueued:   false,
		StatusRunning:  false,
		StatusDeferred: false,
		StatusDone:     true,
		StatusFailed:   true,
		StatusCanceled: true,
	}
	for status, want := range cases {
		if got := terminal(status); got != want {
			t.Errorf("terminal(%q) = %v, want %v", status, got, want)
		}
	}
}
