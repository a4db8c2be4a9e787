// -----------------------------------------------------------------------
// Version - build identity, set via -ldflags
// -----------------------------------------------------------------------

package common

import "fmt"

// Populated at build time:
//
//	go build -ldflags "-X github.com/ternarybob/trawl/internal/common.Version=v1.0.0"
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the release version.
func GetVersion() string { return Version }

// GetBuild returns the build timestamp.
func GetBuild() string { return Build }

// GetGitCommit returns the git commit hash.
func GetGitCommit() string { return GitCommit }

// GetFullVersion returns the version with build metadata, as reported by
// /version and crash reports.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}
