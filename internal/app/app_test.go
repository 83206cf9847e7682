package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"syncq/internal/config"
	"syncq/internal/lifecycle"
	"syncq/internal/queue"
)

type remoteHits struct {
	mu    sync.Mutex
	paths []string
}

func (h *remoteHits) add(p string) {
	h.mu.Lock()
	h.paths = append(h.paths, p)
	h.mu.Unlock()
}

func (h *remoteHits) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

func remoteServer(t *testing.T, status int) (*httptest.Server, *remoteHits) {
	t.Helper()
	hits := &remoteHits{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		hits.add(r.Method + " " + r.URL.Path)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

type fixture struct {
	dir     string
	library string
	baseURL string
}

func newFixture(t *testing.T, baseURL string) fixture {
	t.Helper()
	f := fixture{dir: t.TempDir(), baseURL: baseURL}
	f.library = filepath.Join(f.dir, "library")
	if err := os.MkdirAll(f.library, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.library, "book1.mp3"), []byte("audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	return f
}

// writeConfig writes a config pinned to the given connectivity mode.
func (f fixture) writeConfig(t *testing.T, mode string) string {
	t.Helper()
	cfg := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": %q},
  "queues": {"file_upload": {"network": "wifi"}, "metadata_upload": {"network": "any"}},
  "connectivity": {"mode": %q},
  "remote": {"base_url": %q, "library_root": %q, "timeout": "5s"},
  "http": {"addr": "127.0.0.1:0"}
}`, filepath.Join(f.dir, "jobs.db"), mode, f.baseURL, f.library)
	p := filepath.Join(f.dir, "config.json")
	if err := os.WriteFile(p, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := NewApp(cfgPath)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func pending(a *App) int {
	n := 0
	for _, q := range a.Queues() {
		s := q.Snapshot()
		n += len(s.Pending) + len(s.Running)
	}
	return n
}

func TestAppUploadsScheduledFile(t *testing.T) {
	t.Parallel()
	srv, hits := remoteServer(t, http.StatusOK)
	f := newFixture(t, srv.URL)
	a := startApp(t, f.writeConfig(t, "wifi"))
	defer stopApp(t, a)

	if err := a.Scheduler().ScheduleFileUploadJob(context.Background(), "book1.mp3", "library/files/book1.mp3"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "upload", func() bool { return len(hits.list()) == 1 })
	if got := hits.list()[0]; got != "PUT /library/files/book1.mp3" {
		t.Fatalf("hit = %q", got)
	}
	waitFor(t, "queue drained", func() bool { return pending(a) == 0 })
}

func TestAppRestoresPendingJobsAcrossRestart(t *testing.T) {
	t.Parallel()
	srv, hits := remoteServer(t, http.StatusOK)
	f := newFixture(t, srv.URL)

	a := startApp(t, f.writeConfig(t, "none"))
	if err := a.Scheduler().ScheduleFileUploadJob(context.Background(), "book1.mp3", "library/files/book1.mp3"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if pending(a) != 1 {
		t.Fatalf("pending = %d, want 1", pending(a))
	}
	stopApp(t, a)
	if n := len(hits.list()); n != 0 {
		t.Fatalf("uploaded while offline: %d", n)
	}

	b := startApp(t, f.writeConfig(t, "wifi"))
	defer stopApp(t, b)
	waitFor(t, "restored upload", func() bool { return len(hits.list()) == 1 })
}

func TestAppLogoutOverHTTP(t *testing.T) {
	t.Parallel()
	srv, hits := remoteServer(t, http.StatusOK)
	f := newFixture(t, srv.URL)
	a := startApp(t, f.writeConfig(t, "cellular"))
	defer stopApp(t, a)
	waitFor(t, "api listening", func() bool { return a.APIAddr() != "" })
	base := "http://" + a.APIAddr()

	resp, err := http.Post(base+"/v1/jobs/file", "application/json",
		strings.NewReader(`{"relativePath":"book1.mp3","remoteUrlPath":"library/files/book1.mp3"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/v1/queues")
	if err != nil {
		t.Fatal(err)
	}
	var snaps []queue.Snapshot
	err = json.NewDecoder(resp.Body).Decode(&snaps)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 2 || len(snaps[0].Pending) != 1 || snaps[0].Pending[0] != "book1.mp3" {
		t.Fatalf("snapshots = %+v", snaps)
	}

	resp, err = http.Post(base+"/v1/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if a.Lifecycle().State() != lifecycle.Purged || pending(a) != 0 {
		t.Fatalf("state=%v pending=%d", a.Lifecycle().State(), pending(a))
	}

	req, _ := http.NewRequest(http.MethodPut, base+"/v1/connectivity", strings.NewReader(`{"class":"wifi"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	time.Sleep(100 * time.Millisecond)
	if n := len(hits.list()); n != 0 {
		t.Fatalf("purged job uploaded: %d", n)
	}
}

func TestAppPurgesWhenSessionExpires(t *testing.T) {
	t.Parallel()
	srv, _ := remoteServer(t, http.StatusUnauthorized)
	f := newFixture(t, srv.URL)
	a := startApp(t, f.writeConfig(t, "wifi"))
	defer stopApp(t, a)

	if err := a.Scheduler().ScheduleFileUploadJob(context.Background(), "book1.mp3", "library/files/book1.mp3"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, "purge", func() bool { return a.Lifecycle().State() == lifecycle.Purged })
}

func TestNewAppRejectsMissingBaseURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	_, err := NewApp(f.writeConfig(t, "wifi"))
	if !errors.Is(err, config.ErrRemoteIncomplete) {
		t.Fatalf("err = %v, want ErrRemoteIncomplete", err)
	}
}
