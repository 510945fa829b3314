// Package build contains version metadata set at link time.
package build

import (
	"strconv"
	"time"
)

// set with -ldflags "-X go.pdpstore.dev/synapse/build.version=..."
var (
	version   = "?"
	commit    = "?"
	buildTime = "0"
)

// Version returns the version of the build.
func Version() string {
	return version
}

// Commit returns the commit hash of the build.
func Commit() string {
	return commit
}

// Time returns the time the binary was built.
func Time() time.Time {
	t, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(t, 0)
}
