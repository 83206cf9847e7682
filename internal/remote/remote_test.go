package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"syncq/internal/job"
	"syncq/internal/queue"
	logx "syncq/pkg/logx"
)

type hit struct {
	method string
	path   string
	query  string
	body   string
	auth   string
	ctype  string
}

func server(t *testing.T, status int, reply string) (*httptest.Server, func() []hit) {
	t.Helper()
	var (
		mu   sync.Mutex
		hits []hit
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		hits = append(hits, hit{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Get("Authorization"), r.Header.Get("Content-Type")})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []hit {
		mu.Lock()
		defer mu.Unlock()
		return append([]hit(nil), hits...)
	}
}

func client(t *testing.T, base, root string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: base + "/api", LibraryRoot: root}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func fileJob(t *testing.T, rel, dest string) job.Descriptor {
	t.Helper()
	p := job.NewParams()
	if err := p.Set("relativePath", rel); err != nil {
		t.Fatal(err)
	}
	if err := p.Set("remoteUrlPath", dest); err != nil {
		t.Fatal(err)
	}
	return job.New(job.FileUpload, rel, p, 3, job.NetworkWiFiOnly)
}

func TestFileUploaderClassifiesResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   job.Result
	}{
		{"created", http.StatusCreated, job.Success},
		{"server error", http.StatusBadGateway, job.Transient},
		{"throttled", http.StatusTooManyRequests, job.Transient},
		{"rejected", http.StatusUnprocessableEntity, job.Permanent},
		{"unauthorized", http.StatusUnauthorized, job.Permanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			if err := os.MkdirAll(filepath.Join(root, "books"), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(root, "books", "book1.mp3"), []byte("audio"), 0o600); err != nil {
				t.Fatal(err)
			}
			srv, hits := server(t, tt.status, "")
			u := NewFileUploader(client(t, srv.URL, root))

			got := u.Execute(context.Background(), fileJob(t, "books/book1.mp3", "/uploads/book1.mp3"))
			if got != tt.want {
				t.Fatalf("result=%v, want %v", got, tt.want)
			}
			h := hits()
			if len(h) != 1 || h[0].method != http.MethodPut || h[0].path != "/api/uploads/book1.mp3" || h[0].body != "audio" {
				t.Fatalf("hits=%+v", h)
			}
		})
	}
}

func TestFileUploaderMissingFileIsPermanent(t *testing.T) {
	t.Parallel()

	srv, hits := server(t, http.StatusOK, "")
	u := NewFileUploader(client(t, srv.URL, t.TempDir()))
	if got := u.Execute(context.Background(), fileJob(t, "gone.mp3", "/u/gone.mp3")); got != job.Permanent {
		t.Fatalf("result=%v, want permanent", got)
	}
	if len(hits()) != 0 {
		t.Fatalf("server was called for a missing file")
	}
}

func TestFileUploaderStaysInsideRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	c := client(t, "http://127.0.0.1:1", root)
	p, err := c.localPath("../../etc/passwd")
	if err != nil {
		t.Fatalf("localPath: %v", err)
	}
	if p != filepath.Join(root, "etc", "passwd") {
		t.Fatalf("path=%s escaped root %s", p, root)
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := client(t, base, "")
	p := job.NewParams()
	if err := p.Set("relativePath", "a"); err != nil {
		t.Fatal(err)
	}
	d := job.New(job.MetadataUpload, "a", p, 3, job.NetworkWiFiOnly)
	if got := NewMetadataUploader(c).Execute(context.Background(), d); got != job.Transient {
		t.Fatalf("result=%v, want transient", got)
	}
}

func TestMetadataUploaderPostsParams(t *testing.T) {
	srv, hits := server(t, http.StatusOK, "{}")
	t.Setenv("SYNCQ_TEST_TOKEN", "secret")
	c, err := New(Config{BaseURL: srv.URL, TokenEnv: "SYNCQ_TEST_TOKEN"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	p := job.NewParams()
	for _, kv := range []struct {
		k string
		v any
	}{{"relativePath", "b/1.mp3"}, {"currentTime", 12.5}, {"isFinished", false}} {
		if err := p.Set(kv.k, kv.v); err != nil {
			t.Fatal(err)
		}
	}
	d := job.New(job.MetadataUpload, "b/1.mp3", p, 3, job.NetworkWiFiOnly)
	if got := NewMetadataUploader(c).Execute(context.Background(), d); got != job.Success {
		t.Fatalf("result=%v", got)
	}
	h := hits()
	if len(h) != 1 {
		t.Fatalf("hits=%d", len(h))
	}
	if h[0].method != http.MethodPost || h[0].path != "/library/metadata" || h[0].ctype != "application/json" {
		t.Fatalf("hit=%+v", h[0])
	}
	if h[0].body != `{"relativePath":"b/1.mp3","currentTime":12.5,"isFinished":false}` {
		t.Fatalf("body=%s", h[0].body)
	}
	if h[0].auth != "Bearer secret" {
		t.Fatalf("auth=%q", h[0].auth)
	}
}

func TestContents(t *testing.T) {
	t.Parallel()

	speed := 1.25
	items := []SyncedItem{
		{RelativePath: "a", Title: "A", Author: "X", Speed: &speed, Duration: 10, OrderRank: 1, Type: ItemBook},
		{RelativePath: "f", Title: "F", Type: ItemFolder},
	}
	b, err := json.Marshal(map[string]any{"items": items})
	if err != nil {
		t.Fatal(err)
	}
	srv, hits := server(t, http.StatusOK, string(b))

	got, err := client(t, srv.URL, "").Contents(context.Background(), "/books")
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	if len(got) != 2 || got[0].Type != ItemBook || *got[0].Speed != 1.25 || got[1].Type != ItemFolder {
		t.Fatalf("items=%+v", got)
	}
	if h := hits(); h[0].path != "/api/library/contents" || h[0].query != "path=%2Fbooks" {
		t.Fatalf("hit=%+v", h[0])
	}
}

func TestContentsRejectsUnknownType(t *testing.T) {
	t.Parallel()

	srv, _ := server(t, http.StatusOK, `{"items":[{"relativePath":"x","type":"podcast"}]}`)
	if _, err := client(t, srv.URL, "").Contents(context.Background(), ""); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFailureReporterPostsFailure(t *testing.T) {
	t.Parallel()
	srv, hits := server(t, http.StatusAccepted, "")
	c := client(t, srv.URL, t.TempDir())

	f := queue.Failure{Type: job.FileUpload, ID: "book1.mp3", Instance: "i-1", Attempts: 3, Reason: "attempts exhausted"}
	if err := NewFailureReporter(c).Deliver(context.Background(), f); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	h := hits()
	if len(h) != 1 || h[0].method != http.MethodPost || h[0].path != "/api/library/failures" {
		t.Fatalf("hits=%+v", h)
	}
	if !strings.Contains(h[0].body, `"id":"book1.mp3"`) {
		t.Fatalf("body=%s", h[0].body)
	}

	bad, _ := server(t, http.StatusInternalServerError, "boom")
	if err := NewFailureReporter(client(t, bad.URL, t.TempDir())).Deliver(context.Background(), f); err == nil {
		t.Fatalf("expected error from 500")
	}
}

func TestUnauthorizedSignalsSessionEnd(t *testing.T) {
	t.Parallel()
	srv, _ := server(t, http.StatusUnauthorized, "expired")
	c := client(t, srv.URL, t.TempDir())

	d := job.New(job.MetadataUpload, "a", job.NewParams(), 3, job.NetworkAny)
	if got := NewMetadataUploader(c).Execute(context.Background(), d); got != job.Permanent {
		t.Fatalf("result=%v, want permanent", got)
	}
	select {
	case <-c.Unauthorized():
	default:
		t.Fatalf("no unauthorized signal")
	}
}

func TestFileUploaderStreamsSizedReplayableBody(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("chapter-", 4096)
	var (
		mu     sync.Mutex
		length int64
		got    string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/library/files/moved.mp3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		http.Redirect(w, r, "/api/library/files/final.mp3", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/api/library/files/final.mp3", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		length, got = r.ContentLength, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "book.mp3"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	u := NewFileUploader(client(t, srv.URL, root))
	if res := u.Execute(context.Background(), fileJob(t, "book.mp3", "library/files/moved.mp3")); res != job.Success {
		t.Fatalf("result = %v, want success", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if length != int64(len(content)) || got != content {
		t.Fatalf("redirected upload: content-length=%d body=%d bytes, want %d", length, len(got), len(content))
	}
}

func TestFileUploaderRejectsDirectory(t *testing.T) {
	t.Parallel()

	srv, hits := server(t, http.StatusOK, "")
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "album"), 0o755); err != nil {
		t.Fatal(err)
	}
	u := NewFileUploader(client(t, srv.URL, root))
	if res := u.Execute(context.Background(), fileJob(t, "album", "library/files/album")); res != job.Permanent {
		t.Fatalf("result = %v, want permanent", res)
	}
	if n := len(hits()); n != 0 {
		t.Fatalf("server hits = %d, want 0", n)
	}
}
