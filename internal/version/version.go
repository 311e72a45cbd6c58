// Package version holds build-time identifiers, set via -ldflags at build time.
package version

var (
	// Version is the release version, e.g. "v1.4.2". Defaults to "dev".
	Version = "dev"
	// Commit is the short git commit SHA the binary was built from.
	Commit = "unknown"
)
