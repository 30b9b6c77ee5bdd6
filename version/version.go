package version

import "fmt"

// set via ldflags
//
//nolint:gochecknoglobals // set via ldflags
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

//nolint:gochecknoglobals // set via ldflags
var FullVersion = fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
