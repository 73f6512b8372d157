// Package selfmailvar provides the version of a selfmail build.
package selfmailvar

import (
	"runtime/debug"
)

// Version is set at startup based on the Go module build info. It is reported
// by the version command and in the worker API.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" && Version != "" {
		return
	}
	Version = "(devel)"
	settings := map[string]string{}
	for _, s := range buildInfo.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return
	}
	Version = rev
	switch settings["vcs.modified"] {
	case "false":
	case "true":
		Version += "+modifications"
	default:
		Version += "+unknown"
	}
}
