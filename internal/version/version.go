// Package version reports the build identity printed by `pwchanged version`
// and attached to telemetry resources.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/pwchanged"

// buildVersion is injected with
// -ldflags "-X pkt.systems/pwchanged/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Module   string
	Version  string
	Revision string
	Dirty    bool
}

// Read collects Info from the linker flag and the embedded build info.
func Read() Info {
	info := Info{Module: fallbackModule, Version: strings.TrimSpace(buildVersion)}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "v0.0.0-unknown"
		}
		return info
	}
	if p := strings.TrimSpace(bi.Main.Path); p != "" {
		info.Module = p
	}
	var vcsTime time.Time
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info.Revision = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		case "vcs.time":
			vcsTime, _ = time.Parse(time.RFC3339, s.Value)
		}
	}
	if info.Version == "" {
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		}
	}
	if info.Version == "" {
		info.Version = pseudo(info.Revision, vcsTime, info.Dirty)
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }

func pseudo(revision string, at time.Time, dirty bool) string {
	if revision == "" || at.IsZero() {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
