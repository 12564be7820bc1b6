// Package submitvar provides build-time variables, like the version of a
// smtpsubmit build.
package submitvar

import (
	"runtime/debug"
)

// Version is determined at startup from the build information of the main
// module. For builds from a source checkout, it is the vcs revision.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if buildInfo.Main.Version != "" {
		Version = buildInfo.Main.Version
	}
	if Version != "(devel)" {
		return
	}
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
