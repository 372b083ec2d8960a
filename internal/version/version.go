// Package version carries build metadata injected with -ldflags.
package version

// These variables are set at build time using ldflags
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"
	// Commit is the git commit hash
	Commit = "unknown"
	// BuildDate is the build timestamp
	BuildDate = "unknown"
)

// Info is the build metadata reported in the startup log and on /status.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build metadata of the running binary.
func Get() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}

func (i Info) String() string {
	if i.Version == "dev" {
		return "edgefix dev (commit: " + i.Commit + ")"
	}
	return "edgefix " + i.Version + " (commit: " + i.Commit + ", built " + i.BuildDate + ")"
}
