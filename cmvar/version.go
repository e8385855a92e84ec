// Package cmvar provides the version of a cm build, and helpers shared by the
// databases of the master and satellites.
package cmvar

import (
	"runtime/debug"
)

// Version is set at runtime based on the Go module used to build. Satellites
// send it to the master when connecting.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" {
		return
	}
	var rev string
	var modified bool
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if rev == "" {
		return
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	Version = "devel-" + rev
	if modified {
		Version += "-dirty"
	}
}
