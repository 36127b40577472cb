// Package buildinfo exposes the version metadata linked into the binary.
//
//	go build -ldflags "-X github.com/khairulanwarjo/Gestella-Super-Agent/internal/buildinfo.Version=v1.2.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Overridden with -ldflags -X at release time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime,omitempty"`
}

// Get returns the linked metadata. Uptime is left empty so the value
// never changes for the life of the process; see Running.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Running is Get with the current uptime filled in.
func Running() Info {
	info := Get()
	info.Uptime = Uptime().String()
	return info
}

// Uptime is the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies Gestella on outbound requests.
func UserAgent() string {
	return "Gestella/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// String is a one-line banner for startup logs and the version command.
func (i Info) String() string {
	return fmt.Sprintf("Gestella %s (%s, %s) built %s", i.Version, i.GitCommit, i.GitBranch, i.BuildTime)
}
