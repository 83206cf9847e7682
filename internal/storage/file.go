package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"syncq/internal/job"
	logx "syncq/pkg/logx"
)

const defaultCompactEvery = 256

// fileBackend is a dependency-free persistence backend.
//
// Files per namespace:
//   - <prefix>.<ns>.snapshot.json (compacted state)
//   - <prefix>.<ns>.journal.jsonl (append-only journal, fsync'd per record)
//
// The journal is periodically compacted into the snapshot. Replaying the
// journal on top of the snapshot it was folded into yields the same state,
// so a crash between snapshot rename and journal truncate is harmless.
type fileBackend struct {
	log logx.Logger

	// mu is the single writer for every namespace.
	mu     sync.Mutex
	closed bool

	prefix       string
	compactEvery int
	spaces       map[string]*fileSpace
}

// journalFile is the subset of *os.File the journal needs.
type journalFile interface {
	io.Writer
	io.Seeker
	io.Closer
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

type fileSpace struct {
	name         string
	snapshotPath string
	journal      journalFile
	records      map[string]job.Descriptor
	writes       int
}

type journalOp string

const (
	opPut   journalOp = "put"
	opDel   journalOp = "del"
	opClear journalOp = "clear"
)

type journalRecord struct {
	Op  journalOp       `json:"op"`
	ID  string          `json:"id,omitempty"`
	Job *job.Descriptor `json:"job,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	return &fileBackend{
		log:          log,
		prefix:       filepath.Join(dir, base),
		compactEvery: every,
		spaces:       map[string]*fileSpace{},
	}, nil
}

func (b *fileBackend) Jobs(namespace string) JobStore {
	return &fileJobs{b: b, ns: strings.TrimSpace(namespace)}
}

func (b *fileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var first error
	for _, sp := range b.spaces {
		if sp.journal == nil {
			continue
		}
		if err := sp.journal.Close(); err != nil && first == nil {
			first = err
		}
		sp.journal = nil
	}
	return first
}

// spaceLocked loads (once) and returns the namespace state. Caller holds b.mu.
func (b *fileBackend) spaceLocked(ns string) (*fileSpace, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if ns == "" {
		return nil, ErrBadNamespace
	}
	if sp := b.spaces[ns]; sp != nil {
		return sp, nil
	}

	snapPath := fmt.Sprintf("%s.%s.snapshot.json", b.prefix, ns)
	journalPath := fmt.Sprintf("%s.%s.journal.jsonl", b.prefix, ns)

	records := map[string]job.Descriptor{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot %s: %w", snapPath, err)
	}
	skipped, err := replayJournal(journalPath, records)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal %s: %w", journalPath, err)
	}
	if skipped > 0 {
		b.log.Warn("journal records skipped", logx.String("ns", ns), logx.Int("skipped", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := terminateTornTail(jf); err != nil {
		_ = jf.Close()
		return nil, fmt.Errorf("repair journal %s: %w", journalPath, err)
	}
	sp := &fileSpace{name: ns, snapshotPath: snapPath, journal: jf, records: records}
	b.spaces[ns] = sp
	b.log.Debug("namespace loaded", logx.String("ns", ns), logx.Int("records", len(records)))
	return sp, nil
}

// appendLocked writes one journal record and fsyncs before returning. A
// failed write or sync is cut back off so the next record starts on a clean
// line.
func (b *fileBackend) appendLocked(sp *fileSpace, rec journalRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	fi, err := sp.journal.Stat()
	if err != nil {
		return err
	}
	end := fi.Size()
	if _, err = sp.journal.Write(line); err == nil {
		err = sp.journal.Sync()
	}
	if err != nil {
		if terr := sp.journal.Truncate(end); terr != nil {
			b.log.Error("journal rollback failed", logx.String("ns", sp.name), logx.Int64("offset", end), logx.Err(terr))
		}
		return err
	}
	sp.writes++
	return nil
}

// terminateTornTail appends a newline when a crash left the journal ending
// mid-record, so the torn line is skipped on replay instead of swallowing
// the next append.
func terminateTornTail(f *os.File) error {
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return err
	}
	return f.Sync()
}

func (b *fileBackend) maybeCompactLocked(sp *fileSpace) {
	if sp.writes < b.compactEvery {
		return
	}
	if err := b.compactLocked(sp); err != nil {
		// Best-effort: the journal still holds every record.
		b.log.Warn("journal compact failed", logx.String("ns", sp.name), logx.Err(err))
	}
}

func (b *fileBackend) compactLocked(sp *fileSpace) error {
	list := make([]job.Descriptor, 0, len(sp.records))
	for _, d := range sp.records {
		list = append(list, d)
	}
	sortBySeq(list)

	tmp := sp.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, sp.snapshotPath); err != nil {
		return err
	}
	if err := sp.journal.Truncate(0); err != nil {
		return err
	}
	if _, err := sp.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	sp.writes = 0
	return sp.journal.Sync()
}

type fileJobs struct {
	b  *fileBackend
	ns string
}

func (s *fileJobs) Put(ctx context.Context, d job.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sp, err := s.b.spaceLocked(s.ns)
	if err != nil {
		return err
	}
	d.Params = d.Params.Clone()
	if err := s.b.appendLocked(sp, journalRecord{Op: opPut, ID: d.ID, Job: &d}); err != nil {
		return fmt.Errorf("journal put %s: %w", d.ID, err)
	}
	sp.records[d.ID] = d
	s.b.maybeCompactLocked(sp)
	return nil
}

func (s *fileJobs) Get(ctx context.Context, id string) (job.Descriptor, bool, error) {
	if err := ctx.Err(); err != nil {
		return job.Descriptor{}, false, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sp, err := s.b.spaceLocked(s.ns)
	if err != nil {
		return job.Descriptor{}, false, err
	}
	d, ok := sp.records[id]
	return d, ok, nil
}

func (s *fileJobs) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sp, err := s.b.spaceLocked(s.ns)
	if err != nil {
		return err
	}
	if _, ok := sp.records[id]; !ok {
		return nil
	}
	if err := s.b.appendLocked(sp, journalRecord{Op: opDel, ID: id}); err != nil {
		return fmt.Errorf("journal del %s: %w", id, err)
	}
	delete(sp.records, id)
	s.b.maybeCompactLocked(sp)
	return nil
}

// ClearAll deliberately ignores ctx cancellation: a purge must not be skipped
// because the caller is shutting down.
func (s *fileJobs) ClearAll(_ context.Context) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sp, err := s.b.spaceLocked(s.ns)
	if err != nil {
		return err
	}
	if err := s.b.appendLocked(sp, journalRecord{Op: opClear}); err != nil {
		return fmt.Errorf("journal clear: %w", err)
	}
	sp.records = map[string]job.Descriptor{}
	return s.b.compactLocked(sp)
}

func (s *fileJobs) ListAll(ctx context.Context) ([]job.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	sp, err := s.b.spaceLocked(s.ns)
	if err != nil {
		return nil, err
	}
	out := make([]job.Descriptor, 0, len(sp.records))
	for _, d := range sp.records {
		out = append(out, d)
	}
	sortBySeq(out)
	return out, nil
}

func loadSnapshot(path string, out map[string]job.Descriptor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []job.Descriptor
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	for _, d := range list {
		out[d.ID] = d
	}
	return nil
}

// replayJournal applies journal records in order and returns how many
// unreadable lines (torn writes) were skipped.
func replayJournal(path string, out map[string]job.Descriptor) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		switch r.Op {
		case opPut:
			if r.Job == nil || r.Job.ID == "" {
				skipped++
				continue
			}
			out[r.Job.ID] = *r.Job
		case opDel:
			delete(out, r.ID)
		case opClear:
			for k := range out {
				delete(out, k)
			}
		default:
			skipped++
		}
	}
	return skipped, sc.Err()
}
