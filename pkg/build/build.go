// Package build fills in the version reported by the ptoa command. The
// variables are set at link time, falling back to the module build info.
package build

import (
	"runtime/debug"

	"github.com/prometheus/common/version"
)

var (
	Version   = ""
	Revision  = ""
	Branch    = ""
	BuildUser = ""
	BuildDate = ""
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		if Version == "" && info.Main.Version != "(devel)" {
			Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Revision == "" {
					Revision = s.Value
				}
			case "vcs.time":
				if BuildDate == "" {
					BuildDate = s.Value
				}
			}
		}
	}
	if Version == "" {
		Version = "dev"
	}
	version.Version = Version
	version.Revision = Revision
	version.Branch = Branch
	version.BuildUser = BuildUser
	version.BuildDate = BuildDate
}
