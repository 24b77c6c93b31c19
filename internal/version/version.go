// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the version, commit and build date for the CLI.
func String() string {
	return fmt.Sprintf("llmtrace %s (%s, %s)", Version, Commit, Date)
}

// UserAgent identifies the SDK on requests to the collection backend.
func UserAgent() string {
	return "llmtrace-go/" + Version
}
