package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"syncq/internal/job"
	"syncq/internal/netgate"
	"syncq/internal/queue"
	"syncq/internal/remote"
	"syncq/internal/scheduler"
	logx "syncq/pkg/logx"
)

type fakeScheduler struct {
	files []string
	items []scheduler.SyncableItem
	err   error
}

func (f *fakeScheduler) ScheduleFileUploadJob(_ context.Context, rel, remote string) error {
	if f.err != nil {
		return f.err
	}
	f.files = append(f.files, rel+"->"+remote)
	return nil
}

func (f *fakeScheduler) ScheduleMetadataUploadJob(_ context.Context, item scheduler.SyncableItem) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

type fakeLifecycle struct{ n int }

func (f *fakeLifecycle) Logout(context.Context) error { f.n++; return nil }

type fakeQueue struct{ snap queue.Snapshot }

func (f fakeQueue) Snapshot() queue.Snapshot { return f.snap }

type fakeHistory []queue.Failure

func (f fakeHistory) History() []queue.Failure { return f }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitEndpoints(t *testing.T) {
	t.Parallel()

	sched := &fakeScheduler{}
	h := New(Config{}, Deps{Scheduler: sched}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodPost, "/v1/jobs/file", `{"relativePath":"book1.mp3","remoteUrlPath":"/u/book1.mp3"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("file status=%d body=%s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/v1/jobs/metadata", `{"relativePath":"book1.mp3","title":"One","type":"book","speed":1.5}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("metadata status=%d body=%s", rec.Code, rec.Body)
	}
	if len(sched.files) != 1 || sched.files[0] != "book1.mp3->/u/book1.mp3" {
		t.Fatalf("files=%v", sched.files)
	}
	if len(sched.items) != 1 || sched.items[0].Speed == nil || *sched.items[0].Speed != 1.5 {
		t.Fatalf("items=%+v", sched.items)
	}

	rec = do(t, h, http.MethodPost, "/v1/jobs/file", `{"relativePath":"x","bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", rec.Code)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{job.ErrInvalid, http.StatusBadRequest},
		{queue.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		h := New(Config{}, Deps{Scheduler: &fakeScheduler{err: tt.err}}, logx.Nop()).Handler()
		rec := do(t, h, http.MethodPost, "/v1/jobs/file", `{"relativePath":"a","remoteUrlPath":"/a"}`)
		if rec.Code != tt.want {
			t.Fatalf("err=%v status=%d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestLogoutAndConnectivity(t *testing.T) {
	t.Parallel()

	lc := &fakeLifecycle{}
	mon := netgate.NewMonitor(netgate.None)
	h := New(Config{}, Deps{Lifecycle: lc, Connectivity: mon}, logx.Nop()).Handler()

	if rec := do(t, h, http.MethodPost, "/v1/logout", ""); rec.Code != http.StatusOK || lc.n != 1 {
		t.Fatalf("logout status=%d calls=%d", rec.Code, lc.n)
	}

	rec := do(t, h, http.MethodPut, "/v1/connectivity", `{"class":"wifi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status=%d", rec.Code)
	}
	var out struct {
		Class   string `json:"class"`
		Changed bool   `json:"changed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Class != "wifi" || !out.Changed || mon.Current() != netgate.WiFi {
		t.Fatalf("out=%+v current=%v", out, mon.Current())
	}
	if rec := do(t, h, http.MethodPut, "/v1/connectivity", `{"class":"satellite"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad class status=%d", rec.Code)
	}
}

func TestInspectionEndpoints(t *testing.T) {
	t.Parallel()

	h := New(Config{}, Deps{
		Queues:   []Snapshotter{fakeQueue{queue.Snapshot{Type: job.FileUpload, Pending: []string{"a", "b"}}}},
		Failures: fakeHistory{{Type: job.FileUpload, ID: "z", Attempts: 3}},
		Metrics:  http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m 1\n")) }),
		Health:   func() error { return errors.New("poller down") },
	}, logx.Nop()).Handler()

	var snaps []queue.Snapshot
	rec := do(t, h, http.MethodGet, "/v1/queues", "")
	if err := json.NewDecoder(rec.Body).Decode(&snaps); err != nil || len(snaps) != 1 || len(snaps[0].Pending) != 2 {
		t.Fatalf("queues=%+v err=%v", snaps, err)
	}
	var fails []queue.Failure
	rec = do(t, h, http.MethodGet, "/v1/failures", "")
	if err := json.NewDecoder(rec.Body).Decode(&fails); err != nil || len(fails) != 1 || fails[0].ID != "z" {
		t.Fatalf("failures=%+v err=%v", fails, err)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Body.String() != "m 1\n" {
		t.Fatalf("metrics=%q", rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz status=%d", rec.Code)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitAddr := func() string {
		for i := 0; i < 200; i++ {
			if a := s.Addr(); a != "" {
				return a
			}
			<-time.After(5 * time.Millisecond)
		}
		return ""
	}
	addr := waitAddr()
	if addr == "" {
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

type fakeLibrary struct {
	path string
	err  error
}

func (f *fakeLibrary) Contents(_ context.Context, path string) ([]remote.SyncedItem, error) {
	f.path = path
	if f.err != nil {
		return nil, f.err
	}
	return []remote.SyncedItem{{RelativePath: path + "/book1.mp3", Title: "One", Type: remote.ItemBook}}, nil
}

func TestLibraryListing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"upstream error", &remote.StatusError{Method: "GET", Path: "library/contents", Code: 500}, http.StatusBadGateway},
		{"session ended", &remote.StatusError{Method: "GET", Path: "library/contents", Code: 401}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lib := &fakeLibrary{err: tt.err}
			h := New(Config{}, Deps{Library: lib}, logx.Nop()).Handler()
			rec := do(t, h, http.MethodGet, "/v1/library?path=shelf", "")
			if rec.Code != tt.status {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body)
			}
			if lib.path != "shelf" {
				t.Fatalf("path=%q", lib.path)
			}
			if tt.err != nil {
				return
			}
			var items []remote.SyncedItem
			if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
				t.Fatal(err)
			}
			if len(items) != 1 || items[0].RelativePath != "shelf/book1.mp3" {
				t.Fatalf("items=%+v", items)
			}
		})
	}
}
