// Package version provides the build version of the tools
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// set by the linker:
// -X github.com/effective-security/p11helper/internal/version.Version=v1.2.3
var (
	Version = ""
	Commit  = ""
)

// Info describes the build
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// String returns the version in v1.2.3 (abcdef, go1.26) form
func (i Info) String() string {
	var extra []string
	if i.Commit != "" {
		extra = append(extra, i.Commit)
	}
	extra = append(extra, i.GoVersion)
	return fmt.Sprintf("%s (%s)", i.Version, strings.Join(extra, ", "))
}

// Current returns the version of the running binary
func Current() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		GoVersion: runtime.Version(),
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		if info.Commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && len(s.Value) >= 7 {
					info.Commit = s.Value[:7]
				}
			}
		}
	}
	if info.Version == "" {
		info.Version = "v0.0.0-dev"
	}
	return info
}
