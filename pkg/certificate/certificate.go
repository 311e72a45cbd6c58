// Package certificate implements the PKCS#12 ingestion pipeline (C4): parsing
// dropped .pfx/.p12 files with guessed passwords, computing the SHA-1
// fingerprint and .NET-style reversed-hex serial, and reconciling the result
// into the certificate catalog by (sha1, serial, name).
package certificate

import (
	"time"

	"github.com/google/uuid"
)

// Response is the JSON response for a catalog entry. Never carries the raw
// PKCS#12 bytes or any password candidate.
type Response struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	Name           string     `json:"name"`
	Subject        string     `json:"subject,omitempty"`
	Issuer         string     `json:"issuer,omitempty"`
	SerialNumber   string     `json:"serial_number,omitempty"`
	NotBefore      *time.Time `json:"not_before,omitempty"`
	NotAfter       *time.Time `json:"not_after,omitempty"`
	SHA1           string     `json:"sha1_fingerprint,omitempty"`
	SourcePath     string     `json:"source_path,omitempty"`
	ParseOK        bool       `json:"parse_ok"`
	ParseError     string     `json:"parse_error,omitempty"`
	LastIngestedAt *time.Time `json:"last_ingested_at,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateRequest is the JSON body for POST /certificados: re-ingests an
// already-dropped file by its filename, the manual counterpart to the
// directory-watcher-triggered pipeline.
type CreateRequest struct {
	Filename string `json:"filename" validate:"required"`
}

// IngestFromFSRequest is the JSON body for POST /admin/certificates/ingest-from-fs.
type IngestFromFSRequest struct {
	Limit  int  `json:"limit" validate:"omitempty,min=1,max=10000"`
	Prune  bool `json:"prune"`
	Dedupe bool `json:"dedupe"`
}

// IngestResult reports the outcome of a batch ingest run.
type IngestResult struct {
	Inserted int      `json:"inserted"`
	Updated  int      `json:"updated"`
	Failed   int      `json:"failed"`
	Total    int      `json:"total"`
	Pruned   int      `json:"pruned"`
	Deduped  int      `json:"deduped"`
	Errors   []string `json:"errors,omitempty"`
}

const maxIngestErrors = 50
