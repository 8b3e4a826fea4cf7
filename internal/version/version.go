// Package version carries build metadata injected with
// -ldflags "-X github.com/gotrs-io/mailroom/internal/version.Version=...".
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// GitCommit is the short commit SHA.
	GitCommit = "unknown"

	BuildDate = "unknown"
)

// Info is the JSON shape printed by `mailroom version`.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String formats the version as "v1.2.0 (abc1234)".
func String() string {
	return fmt.Sprintf("%s (%s)", Version, GitCommit)
}
