package buildinfo

// These variables are intended to be set via -ldflags at build time:
//
//	-X 'github.com/m3rciful/chatbridge/core/buildinfo.Version=v0.3.0'
//	-X 'github.com/m3rciful/chatbridge/core/buildinfo.Commit=abcdef0'
//	-X 'github.com/m3rciful/chatbridge/core/buildinfo.Date=2026-10-19T12:00:00Z'
//
// Defaults apply to `go run` and local builds.
var (
	// Version reports the release tag of the build.
	Version = "dev"
	// Commit reports the source control commit used for the build.
	Commit = "local"
	// Date reports the build timestamp in RFC3339 format.
	Date = ""
)

// Info is the JSON shape exposed by the health endpoint.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date,omitempty"`
}

// Current returns the stamped build information.
func Current() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}
