//go:build integration

package buildinfo_test

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/commonsops/rostersync/pkg/buildinfo"
)

// Verifies the live /version endpoint of a running status server. Set
// ROSTERSYNC_STATUS_URL (e.g. http://localhost:9090) while `rostersync bot`
// or `rostersync worker` is up; intended as a post-deploy check.
func TestVersionEndpoint_StatusServer(t *testing.T) {
	base := os.Getenv("ROSTERSYNC_STATUS_URL")
	if base == "" {
		t.Skip("ROSTERSYNC_STATUS_URL not set; no running status server to verify")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(base, "/") + "/version")
	if err != nil {
		t.Skipf("status server unreachable at %s: %v", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var info buildinfo.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// The bot and worker register under distinct service names.
	if !strings.HasPrefix(info.ServiceName, "rostersync") {
		t.Errorf("service_name = %q, want a rostersync service", info.ServiceName)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" || info.GoVersion == "" {
		t.Errorf("incomplete info: %+v", info)
	}
	t.Logf("%s running %s (commit %s, built %s)",
		info.ServiceName, info.Version, info.Commit, info.BuildTime)
}
