// Package buildinfo holds the daemon's name and version. Version, Commit and
// BuildTime are set at link time:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/davi-nfcd/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/davi-nfcd/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/dotside-studios/davi-nfcd/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Without ldflags, Commit and BuildTime fall back to the VCS stamp the Go
// toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Name is the technical daemon name
	Name = "davi-nfcd"

	// DirName is the state and config directory name under user paths
	DirName = "davi-nfcd"

	// DisplayName is used for mDNS and log banners
	DisplayName = "Davi NFC Daemon"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

func init() {
	if Commit != "" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		Commit, BuildTime = vcsStamp(info.Settings, BuildTime)
	}
}

// vcsStamp extracts a short revision, marked "-dirty" for modified trees,
// and the commit time from the embedded build settings.
func vcsStamp(settings []debug.BuildSetting, buildTime string) (commit, when string) {
	when = buildTime
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
			if len(commit) > 7 {
				commit = commit[:7]
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		case "vcs.time":
			if when == "" {
				when = s.Value
			}
		}
	}
	if commit != "" && dirty {
		commit += "-dirty"
	}
	return commit, when
}

// FullVersion returns "1.0.0" or "1.0.0 (abc1234)" when the commit is known.
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// BuildInfo returns the multi-line --version output.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  HCE AID routing and APDU dispatch daemon\n")
	fmt.Fprintf(&b, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}
