package version

import "fmt"

var (
	// Version is overridden at build time via -ldflags.
	Version = "0.3.0"
	Commit  = "dev"
)

func String() string {
	return fmt.Sprintf("codeloom %s (%s)", Version, Commit)
}
