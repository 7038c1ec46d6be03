// Package version holds build-time version information for the ragstream
// binary. The variables are populated via -ldflags:
//
//	go build -ldflags="-X github.com/54b3r/ragstream/internal/version.Version=v0.3.0 \
//	                    -X github.com/54b3r/ragstream/internal/version.Commit=abc1234 \
//	                    -X github.com/54b3r/ragstream/internal/version.BuildDate=2026-01-01"
//
// Local builds fall back to "dev" and "unknown".
package version

// Version is the semantic version of the binary.
var Version = "dev"

// Commit is the short git SHA the binary was built from.
var Commit = "unknown"

// BuildDate is the UTC build date.
var BuildDate = "unknown"
