package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"syncq/internal/config"
	"syncq/internal/job"
	"syncq/internal/storage"
	logx "syncq/pkg/logx"
)

func TestJobsListAndPurge(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "jobs.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "storage:\n  driver: file\n  path: " + dbPath + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	backend, err := storage.Open(storage.Config{Driver: "file", Path: dbPath}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	d := job.New(job.FileUpload, "book1.mp3", job.NewParams(), 3, job.NetworkWiFiOnly)
	if err := backend.Jobs(string(job.FileUpload)).Put(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := backend.Close(); err != nil {
		t.Fatal(err)
	}

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs(append([]string{"--config", cfgPath}, args...))
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, `"book1.mp3"`) {
		t.Fatalf("list output = %q", out)
	}

	if _, err := run("purge"); err == nil {
		t.Fatalf("purge without --yes succeeded")
	}
	if _, err := run("purge", "--yes"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	out, err = run("jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Fatalf("jobs left after purge: %q", out)
	}

	if _, err := run("check"); !errors.Is(err, config.ErrRemoteIncomplete) {
		t.Fatalf("check without remote: %v", err)
	}
	cfg += "remote:\n  base_url: https://sync.example.com/api/\n  library_root: " + dir + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	if out, err := run("check"); err != nil || !strings.HasPrefix(out, "ok:") {
		t.Fatalf("check: %q %v", out, err)
	}
}
