package buildinfo_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/commonsops/rostersync/pkg/buildinfo"
)

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	buildinfo.Handler("rostersync-bot")(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var info buildinfo.Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ServiceName != "rostersync-bot" {
		t.Errorf("service_name = %q, want rostersync-bot", info.ServiceName)
	}
	if !strings.HasPrefix(info.GoVersion, "go") {
		t.Errorf("go_version = %q, want a go* value", info.GoVersion)
	}
	if !strings.Contains(info.Platform, "/") {
		t.Errorf("platform = %q, want GOOS/GOARCH form", info.Platform)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Errorf("incomplete info: %+v", info)
	}
}
