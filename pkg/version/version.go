// Package version reports the build identity baked into the binary.
package version

import "runtime/debug"

// AppName prefixes version strings in logs and the health endpoint.
const AppName = "blueplane"

// commit may be injected with -ldflags "-X .../pkg/version.commit=<sha>"
// for release builds stripped of VCS metadata.
var commit string

// GitCommit is the short commit hash, suffixed "-dirty" when the build
// tree had local modifications, or "dev" when no revision is known.
var GitCommit = resolve()

func resolve() string {
	if commit != "" {
		return short(commit)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	if dirty {
		return short(rev) + "-dirty"
	}
	return short(rev)
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "blueplane/<commit>" for log lines.
func Full() string {
	return AppName + "/" + GitCommit
}
