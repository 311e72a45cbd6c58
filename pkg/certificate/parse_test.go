package certificate

import "testing"

func TestCandidatePasswords(t *testing.T) {
	cases := []struct {
		stem string
		want []string
	}{
		{"cert", []string{""}},
		{"cert_senha_abc123", []string{"abc123", ""}},
		{`cert senha: "quoted pass"`, []string{"quoted pass", `"quoted pass"`, ""}},
		{"cert-SENHA-Abc", []string{"Abc", ""}},
	}

	for _, tc := range cases {
		got := candidatePasswords(tc.stem)
		if len(got) != len(tc.want) {
			t.Fatalf("candidatePasswords(%q) = %v, want %v", tc.stem, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("candidatePasswords(%q)[%d] = %q, want %q", tc.stem, i, got[i], tc.want[i])
			}
		}
	}
}

func TestDotNetSerial(t *testing.T) {
	cases := []struct {
		in   []byte
		want string
	}{
		{[]byte{0x01, 0x02, 0x03}, "030201"},
		{[]byte{0xff}, "FF"},
		{[]byte{}, ""},
	}
	for _, tc := range cases {
		if got := dotNetSerial(tc.in); got != tc.want {
			t.Errorf("dotNetSerial(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDequote(t *testing.T) {
	cases := map[string]string{
		`"abc"`:  "abc",
		`'abc'`:  "abc",
		"abc":    "abc",
		`"a'b"`:  "a'b",
		`  abc `: "abc",
	}
	for in, want := range cases {
		if got := dequote(in); got != want {
			t.Errorf("dequote(%q) = %q, want %q", in, got, want)
		}
	}
}
