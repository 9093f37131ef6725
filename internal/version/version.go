// Package version reports the hostwatch build.
// Set at build time with
// -ldflags '-X github.com/invisible-tech/hostwatch/internal/version.Version=1.2.3 -X github.com/invisible-tech/hostwatch/internal/version.Commit=abc1234'
package version

// Version is the release; local builds report the default.
var Version = "0.1.0"

// Commit is the source revision, empty for local builds.
var Commit = ""

// String renders the version with the commit when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
