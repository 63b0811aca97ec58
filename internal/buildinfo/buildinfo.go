// Package buildinfo reports the version stamped into the binary with
// -ldflags "-X github.com/nugget/taskagent/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
)

// Info is what `taskagent version` and GET /v1/version report.
type Info struct {
	Version  string `json:"version"`
	Commit   string `json:"commit"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

// Current returns this binary's Info. Without a stamped commit the VCS
// revision recorded by the Go toolchain is used.
func Current() Info {
	commit := Commit
	if commit == "" {
		commit = "unknown"
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Info{
		Version:  Version,
		Commit:   commit,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("TaskAgent %s (%s, %s %s)", i.Version, i.Commit, i.Go, i.Platform)
}

// UserAgent returns the User-Agent header value for outbound HTTP
// requests, e.g. "TaskAgent/dev (linux/amd64)".
func UserAgent() string {
	return fmt.Sprintf("TaskAgent/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
