package main

import (
	"runtime/debug"

	"github.com/marcus/aula/cmd"
)

// Version is injected with -ldflags "-X main.Version=...".
var Version = "dev"

// effectiveVersion prefers an injected version, then the module version
// from build info, then "devel+<rev>[+dirty]" for local builds.
func effectiveVersion(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return v
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return v
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "devel+" + rev
	if settings["vcs.modified"] == "true" {
		out += "+dirty"
	}
	return out
}

func main() {
	cmd.SetVersion(effectiveVersion(Version))
	cmd.Execute()
}
