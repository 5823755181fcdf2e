package version

import "fmt"

// Build metadata, injected with -ldflags; see the package documentation.
var (
	Version        = "dev"
	CommitHash     = "n/a"
	BuildTimestamp = "n/a"
)

// FormatVersion returns a human-readable version string including build
// metadata, or "Development version" for uninjected builds.
func FormatVersion() string {
	if Version == "dev" {
		return "Development version"
	}

	return fmt.Sprintf("%s (%s, built at %s)", Version, CommitHash, BuildTimestamp)
}
