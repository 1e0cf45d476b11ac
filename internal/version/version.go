// Package version carries build metadata set through -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, e.g. -X github.com/ManuGH/hlsfetch/internal/version.Version=v1.2.0.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date)
}
