// Package buildinfo exposes the version metadata stamped into the binary
// at link time. The version command prints it and the status server serves
// it on /version.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
)

// Set via ldflags:
// -X github.com/commonsops/rostersync/pkg/buildinfo.Version=v0.3.1
// -X github.com/commonsops/rostersync/pkg/buildinfo.Commit=b806fe7
// -X github.com/commonsops/rostersync/pkg/buildinfo.BuildTime=2026-08-12T09:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build metadata reported by one binary. ServiceName tells the
// CLI, worker, and bot forms of the same build apart.
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	Platform    string `json:"platform"`
}

// Get returns build info for the named service.
func Get(serviceName string) Info {
	return Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String returns the short form used in startup log lines, "v0.3.1 (b806fe7)",
// or just the version when no commit was stamped in.
func String() string {
	if Commit == "unknown" {
		return Version
	}
	return Version + " (" + Commit + ")"
}

// Handler serves Info as JSON. The status server mounts it at /version.
func Handler(serviceName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Get(serviceName))
	}
}
