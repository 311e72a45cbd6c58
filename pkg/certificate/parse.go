package certificate

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // fingerprint format, not a security boundary
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// parsedCert holds the metadata extracted from a successfully decoded PKCS#12
// bundle, in the shape the catalog stores it.
type parsedCert struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	SHA1         string
	Password     string
}

// senhaSuffix matches the token "senha" (Portuguese for "password") followed
// by one of the allowed separators and the password text, case-insensitively.
var senhaSuffix = regexp.MustCompile(`(?i)senha[:=_\-\s]+(.+)$`)

// candidatePasswords derives the ordered, deduplicated list of passwords to
// try against a PKCS#12 file named stem, per spec.md §4.4 step 2: first any
// suffix following "senha", trimmed and dequoted, then finally the empty
// string.
func candidatePasswords(stem string) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(pw string) {
		if _, ok := seen[pw]; ok {
			return
		}
		seen[pw] = struct{}{}
		out = append(out, pw)
	}

	if m := senhaSuffix.FindStringSubmatch(stem); m != nil {
		raw := strings.TrimSpace(m[1])
		add(dequote(raw))
		add(raw)
	}
	add("")
	return out
}

func dequote(s string) string {
	s = strings.Trim(s, " \t")
	for _, q := range []string{`"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			s = strings.TrimPrefix(s, q)
			s = strings.TrimSuffix(s, q)
		}
	}
	return strings.TrimSpace(s)
}

// tryParse attempts each candidate password in order, returning the first
// successful decode. If every candidate fails it falls back to invoking the
// system OpenSSL CLI to recover metadata from its textual output.
func tryParse(data []byte, candidates []string, opensslPath string) (parsedCert, error) {
	var lastErr error
	for _, pw := range candidates {
		pc, err := decodePKCS12(data, pw)
		if err == nil {
			pc.Password = pw
			return pc, nil
		}
		lastErr = err
	}

	if pc, pw, err := parseWithOpenSSL(data, candidates, opensslPath); err == nil {
		pc.Password = pw
		return pc, nil
	}

	return parsedCert{}, fmt.Errorf("no candidate password decoded the bundle: %w", lastErr)
}

func decodePKCS12(data []byte, password string) (parsedCert, error) {
	_, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return parsedCert{}, err
	}
	if cert == nil {
		return parsedCert{}, fmt.Errorf("bundle carries no leaf certificate")
	}
	return fromX509(cert), nil
}

func fromX509(cert *x509.Certificate) parsedCert {
	sum := sha1.Sum(cert.Raw) //nolint:gosec // fingerprint format, not a security boundary
	return parsedCert{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: dotNetSerial(cert.SerialNumber.Bytes()),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		SHA1:         strings.ToUpper(hex.EncodeToString(sum[:])),
	}
}

// dotNetSerial renders a certificate serial the way .NET's
// X509Certificate2.GetSerialNumberString() does: the big-endian integer
// bytes reversed, then rendered as uppercase hex without separators. This
// exact format matters for interop with the agent's locally reported
// thumbprints (spec.md §9's open question).
func dotNetSerial(beBytes []byte) string {
	reversed := make([]byte, len(beBytes))
	for i, b := range beBytes {
		reversed[len(beBytes)-1-i] = b
	}
	return strings.ToUpper(hex.EncodeToString(reversed))
}

// parseWithOpenSSL shells out to openssl pkcs12 when no candidate password
// decodes via the Go library, trying each candidate against the modern
// provider before the legacy one, and parses the resulting PEM text for the
// leaf certificate's metadata.
func parseWithOpenSSL(data []byte, candidates []string, opensslPath string) (parsedCert, string, error) {
	if opensslPath == "" {
		opensslPath = "openssl"
	}

	for _, pw := range candidates {
		for _, providerArgs := range [][]string{
			{"pkcs12", "-nokeys", "-clcerts"},
			{"pkcs12", "-nokeys", "-clcerts", "-legacy"},
		} {
			args := append(append([]string{}, providerArgs...), "-passin", "pass:"+pw)
			cmd := exec.Command(opensslPath, args...) //nolint:gosec // operator-controlled binary path
			cmd.Stdin = bytes.NewReader(data)
			var out, stderr bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &stderr
			if err := cmd.Run(); err != nil {
				continue
			}

			block, _ := decodePEMCertificate(out.Bytes())
			if block == nil {
				continue
			}
			cert, err := x509.ParseCertificate(block)
			if err != nil {
				continue
			}
			return fromX509(cert), pw, nil
		}
	}
	return parsedCert{}, "", fmt.Errorf("openssl fallback could not recover certificate metadata")
}

func decodePEMCertificate(pemBytes []byte) ([]byte, error) {
	const begin = "-----BEGIN CERTIFICATE-----"
	const end = "-----END CERTIFICATE-----"
	start := bytes.Index(pemBytes, []byte(begin))
	if start < 0 {
		return nil, fmt.Errorf("no certificate block found")
	}
	stop := bytes.Index(pemBytes[start:], []byte(end))
	if stop < 0 {
		return nil, fmt.Errorf("unterminated certificate block")
	}
	body := pemBytes[start+len(begin) : start+stop]
	raw := strings.ReplaceAll(string(body), "\n", "")
	raw = strings.TrimSpace(raw)
	return base64.StdEncoding.DecodeString(raw)
}
