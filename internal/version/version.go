// Package version holds the build-time identifiers the CLI's version
// subcommand reports, injected by ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// String returns a one-line version, suitable for --version flags.
func String() string {
	return Version
}

// Full returns a multi-line version report including the Go toolchain used
// to build the binary.
func Full() string {
	return fmt.Sprintf("loomctl %s\nbuilt: %s\ngo: %s", Version, BuildTime, runtime.Version())
}
