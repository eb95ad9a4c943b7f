// Package buildinfo carries the release stamp that both appdock
// binaries print for --version. Release builds overwrite the
// variables with -ldflags; a plain go build reports "dev".
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the stamp in the form the --version flags print.
func String() string {
	return fmt.Sprintf("appdock %s (commit %s, built %s)", Version, Commit, Date)
}
