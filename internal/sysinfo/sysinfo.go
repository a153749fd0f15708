// Package sysinfo reports build and host information for the daemon.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the daemon version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/conenat/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info describes the running binary and host.
type Info struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit,omitempty"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"start_time"`
}

// Collect gathers build and host information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		Commit:    vcsRevision(),
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		StartTime: startTime,
	}
}

// vcsRevision returns the short commit hash stamped by the go tool, or ""
// when the binary was built outside a repository.
func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the process uptime in whole seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
