// Package buildinfo holds the version stamped into wifi-exporter at link
// time and the identifiers derived from it: the banner the exporter
// presents to the access point's SSH server and the sw_version Home
// Assistant shows on every tracked device.
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Set at build time, e.g.
//
//	-X github.com/nugget/wifi-exporter/internal/buildinfo.Version=v1.2.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const shortCommitLen = 7

var startTime = time.Now()

// bannerEscaper removes the characters RFC 4253 forbids in the
// softwareversion part of an SSH identification string.
var bannerEscaper = strings.NewReplacer("-", "_", " ", "_", "\t", "_", "\r", "", "\n", "")

// ShortCommit returns the abbreviated commit hash, or "" when the build
// was not stamped with one.
func ShortCommit() string {
	if GitCommit == "" || GitCommit == "unknown" {
		return ""
	}
	return GitCommit[:min(len(GitCommit), shortCommitLen)]
}

// SWVersion is the firmware string published in Home Assistant device
// discovery: "v1.2.0 (abc1234)", or just the version without a commit.
func SWVersion() string {
	if c := ShortCommit(); c != "" {
		return Version + " (" + c + ")"
	}
	return Version
}

// SSHClientVersion is the identification string sent to the access
// point, so exporter sessions are recognizable in its logs.
func SSHClientVersion() string {
	return "SSH-2.0-wifi-exporter_" + bannerEscaper.Replace(Version)
}

// Info returns build and runtime details for the version command and
// the /version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"sw_version": SWVersion(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("wifi-exporter %s (%s) built %s", Version, GitCommit, BuildTime)
}
