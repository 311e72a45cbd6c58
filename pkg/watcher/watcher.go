// Package watcher implements the Directory Watcher (C5): observes the
// certificate drop-zone directory and turns filesystem events into
// deduplicated, debounced, rate-limited ingest/delete jobs on the durable
// queue, per spec.md §4.5.
package watcher

import (
	"crypto/sha1" //nolint:gosec // job-id derivation, not a security boundary
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	FuncIngest = "ingest_path"
	FuncDelete = "delete_path"
)

// JobArgs is the payload enqueued for both ingest and delete jobs.
type JobArgs struct {
	OrgID string `json:"org_id"`
	Path  string `json:"path"`
}

// jobID derives the deterministic job id cert_{ing|del}__{org}__{sha1(path)},
// so the queue's enqueue_unique coalesces repeated events for the same file.
func jobID(kind, orgID, path string) string {
	norm := strings.ToLower(strings.TrimSpace(path))
	sum := sha1.Sum([]byte(norm)) //nolint:gosec // job-id derivation, not a security boundary
	return fmt.Sprintf("cert_%s__%s__%s", kind, orgID, hex.EncodeToString(sum[:]))
}

func ingestJobID(orgID uuid.UUID, path string) string {
	return jobID("ing", orgID.String(), path)
}

func deleteJobID(orgID uuid.UUID, path string) string {
	return jobID("del", orgID.String(), path)
}

// isCertFile reports whether path has a .pfx or .p12 extension, the only
// files the watcher and ingestion pipeline act on.
func isCertFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".pfx") || strings.HasSuffix(lower, ".p12")
}
