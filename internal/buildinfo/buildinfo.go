// Package buildinfo reports version metadata for the hgnucomb binary.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

// Linker-overridable build metadata.
var (
	Version    = "0.1.0"
	CommitHash = ""
)

// Info is normalized build metadata for display.
type Info struct {
	Version    string
	CommitHash string
}

// Current returns build metadata from linker overrides, with runtime build
// settings as fallback when available.
func Current() Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if (info.Version == "" || info.Version == "0.1.0") && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		if info.CommitHash == "" {
			dirty := false
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					info.CommitHash = strings.TrimSpace(s.Value)
				case "vcs.modified":
					dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
				}
			}
			if info.CommitHash != "" && dirty {
				info.CommitHash += "-dirty"
			}
		}
	}

	if info.Version == "" {
		info.Version = "unknown"
	}
	if info.CommitHash == "" {
		info.CommitHash = "unknown"
	}
	return info
}
