package version

import (
	"runtime/debug"
	"strings"
)

// String formats a human-friendly version line for CLI tools.
//
// It prefers the provided version/commit values (usually injected via
// -ldflags) and falls back to Go module build info when those are unset or
// default placeholders.
func String(version string, commit string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)

	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" || v == "dev" || v == "(devel)" {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if c == "" || c == "unknown" {
			if rev := buildSetting(info, "vcs.revision"); rev != "" {
				c = rev
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	if c == "" {
		c = "unknown"
	}
	return v + " (" + c + ")"
}

func buildSetting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return strings.TrimSpace(s.Value)
		}
	}
	return ""
}
