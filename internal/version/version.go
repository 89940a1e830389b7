// Package version reports the vigil release.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// override replaces the embedded version at link time:
// -ldflags "-X github.com/ShayCichocki/vigil/internal/version.override=1.2.3"
var override string

// Get returns the current version, with whitespace trimmed
func Get() string {
	if override != "" {
		return strings.TrimSpace(override)
	}
	return strings.TrimSpace(versionContent)
}

// String returns the version followed by the VCS revision the binary was
// built from, when the toolchain recorded one.
func String() string {
	v := Get()
	if rev := revision(); rev != "" {
		v += " (" + rev + ")"
	}
	return v
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}
