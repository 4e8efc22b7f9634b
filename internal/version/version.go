// Package version resolves the module version for CLI output, preferring an
// injected build version over VCS metadata.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/cqlwire"

// buildVersion is set via -ldflags "-X pkt.systems/cqlwire/internal/version.buildVersion=...".
var buildVersion = ""

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Current returns the best available version string: the linker-injected
// version, the module version from build info, a VCS pseudo-version, or a
// fixed unknown marker, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoVersion(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

func pseudoVersion(settings []debug.BuildSetting) string {
	var revision, vcsTime string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	stamp, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
