// Package version tracks build metadata for the application.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var (
	info      = Info{Version: "dev", GoVersion: runtime.Version()}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. A missing
// commit or build time is filled from the VCS stamp of the binary, if any.
func Set(v Info) {
	if v.Version == "" {
		v.Version = "dev"
	}
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	if v.Commit == "" || v.BuildTime == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range bi.Settings {
				switch {
				case setting.Key == "vcs.revision" && v.Commit == "":
					v.Commit = setting.Value
				case setting.Key == "vcs.time" && v.BuildTime == "":
					v.BuildTime = setting.Value
				}
			}
		}
	}

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// String renders the metadata for CLI output.
func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		commit := i.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		out += " (" + commit + ")"
	}
	if i.BuildTime != "" {
		out += " built " + i.BuildTime
	}
	return out + " " + i.GoVersion
}
