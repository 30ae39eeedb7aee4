// Package version exposes build metadata for the ordersaga binary.
package version

import (
	"fmt"
	"runtime"
)

// These variables are set during build time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns a map with all version information.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String returns a one-line build description.
func String() string {
	commit := GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return fmt.Sprintf("ordersaga %s (commit %s, built %s, %s)", Version, commit, BuildTime, GoVersion)
}

// UserAgent is sent on outbound downstream and webhook calls.
func UserAgent() string {
	return "ordersaga/" + Version
}
