// Package version reports the build version of blockterm.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/blockterm"
	unknown       = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/blockterm/internal/version.buildVersion=...".
var buildVersion = ""

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info describes the running binary.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Dirty     bool
	GoVersion string
	Platform  string
}

// String renders the info on one line.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Revision != "" {
		fmt.Fprintf(&b, " (%s", i.Revision)
		if i.Dirty {
			b.WriteString(", dirty")
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " %s %s", i.GoVersion, i.Platform)
	return b.String()
}

// Describe collects the build information of the running binary.
func Describe() Info {
	info := Info{
		Module:    defaultModule,
		Version:   Current(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := readBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		vcs := vcsSettings(bi)
		info.Revision = vcs.short()
		info.Dirty = vcs.modified
	}
	return info
}

// Current returns the best available version string without a dirty suffix.
func Current() string {
	return strings.TrimSuffix(resolve(), "+dirty")
}

// CurrentWithDirty returns the best available version string, marking builds
// from a modified tree with +dirty.
func CurrentWithDirty() string {
	return resolve()
}

func resolve() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	bi, ok := readBuildInfo()
	if !ok {
		return unknown
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := vcsSettings(bi).pseudo(); v != "" {
		return v
	}
	return unknown
}

type vcs struct {
	revision string
	time     time.Time
	modified bool
}

func vcsSettings(bi *debug.BuildInfo) vcs {
	var out vcs
	if bi == nil {
		return out
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.time = parsed.UTC()
			}
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func (v vcs) short() string {
	if len(v.revision) > 12 {
		return v.revision[:12]
	}
	return v.revision
}

// pseudo renders a Go module pseudo-version for the revision.
func (v vcs) pseudo() string {
	if v.revision == "" || v.time.IsZero() {
		return ""
	}
	out := "v0.0.0-" + v.time.Format("20060102150405") + "-" + v.short()
	if v.modified {
		out += "+dirty"
	}
	return out
}
