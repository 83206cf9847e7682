// Package scheduler is the entry point the rest of the application uses to
// request uploads. It turns requests into job descriptors and hands them to
// the per-type queues; execution happens asynchronously.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"syncq/internal/job"
	logx "syncq/pkg/logx"
)

var ErrNoQueue = errors.New("scheduler: no queue for job type")

// ItemType is the kind of library entry a metadata job describes.
type ItemType string

const (
	ItemBook   ItemType = "book"
	ItemBound  ItemType = "bound"
	ItemFolder ItemType = "folder"
)

func (t ItemType) Valid() bool { return t == ItemBook || t == ItemBound || t == ItemFolder }

// SyncableItem is a snapshot of one library item's metadata.
type SyncableItem struct {
	RelativePath          string   `json:"relativePath"`
	OriginalFileName      string   `json:"originalFileName"`
	Title                 string   `json:"title"`
	Details               string   `json:"details"`
	CurrentTime           float64  `json:"currentTime"`
	Duration              float64  `json:"duration"`
	PercentCompleted      float64  `json:"percentCompleted"`
	IsFinished            bool     `json:"isFinished"`
	OrderRank             int      `json:"orderRank"`
	LastPlayDateTimestamp *float64 `json:"lastPlayDateTimestamp,omitempty"`
	Speed                 *float64 `json:"speed,omitempty"`
	Type                  ItemType `json:"type"`
}

// Submitter is the queue side of a job type.
type Submitter interface {
	Submit(ctx context.Context, d job.Descriptor) error
}

// Policy is the per-type submission policy.
type Policy struct {
	RetryLimit int
	Network    job.Network
}

// DefaultPolicy is three attempts, WiFi only.
var DefaultPolicy = Policy{RetryLimit: 3, Network: job.NetworkWiFiOnly}

type Scheduler struct {
	queues   map[job.Type]Submitter
	policies map[job.Type]Policy
	log      logx.Logger
}

// New builds a scheduler over already-constructed queues. Missing policies
// fall back to DefaultPolicy.
func New(queues map[job.Type]Submitter, policies map[job.Type]Policy, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{queues: map[job.Type]Submitter{}, policies: map[job.Type]Policy{}, log: log}
	for t, q := range queues {
		s.queues[t] = q
	}
	for _, t := range []job.Type{job.FileUpload, job.MetadataUpload} {
		p, ok := policies[t]
		if !ok {
			p = DefaultPolicy
		}
		if p.RetryLimit <= 0 {
			p.RetryLimit = DefaultPolicy.RetryLimit
		}
		if p.Network == "" {
			p.Network = DefaultPolicy.Network
		}
		s.policies[t] = p
	}
	return s
}

// jobKey is the dedup key both queues use for a relative path.
func jobKey(relativePath string) string { return strings.TrimSpace(relativePath) }

// ScheduleFileUploadJob requests an upload of the file at relativePath to
// remoteURLPath. A pending upload for the same path is replaced.
func (s *Scheduler) ScheduleFileUploadJob(ctx context.Context, relativePath, remoteURLPath string) error {
	relativePath = jobKey(relativePath)
	if relativePath == "" {
		return fmt.Errorf("%w: relativePath is required", job.ErrInvalid)
	}
	p := job.NewParams()
	if err := p.Set("relativePath", relativePath); err != nil {
		return err
	}
	if err := p.Set("remoteUrlPath", remoteURLPath); err != nil {
		return err
	}
	return s.schedule(ctx, job.FileUpload, relativePath, p)
}

// ScheduleMetadataUploadJob requests an upload of item's metadata. A pending
// upload for the same relative path is replaced.
func (s *Scheduler) ScheduleMetadataUploadJob(ctx context.Context, item SyncableItem) error {
	item.RelativePath = jobKey(item.RelativePath)
	p, err := MetadataParams(item)
	if err != nil {
		return err
	}
	return s.schedule(ctx, job.MetadataUpload, item.RelativePath, p)
}

// MetadataParams builds the parameter bag for a metadata upload. Optional
// fields are omitted when unset; the last play timestamp is truncated to
// whole seconds.
func MetadataParams(item SyncableItem) (job.Params, error) {
	item.RelativePath = jobKey(item.RelativePath)
	if item.RelativePath == "" {
		return job.Params{}, fmt.Errorf("%w: relativePath is required", job.ErrInvalid)
	}
	if !item.Type.Valid() {
		return job.Params{}, fmt.Errorf("%w: unknown item type %q", job.ErrInvalid, item.Type)
	}

	var err error
	p := job.NewParams()
	set := func(k string, v any) {
		if err == nil {
			err = p.Set(k, v)
		}
	}
	set("relativePath", item.RelativePath)
	set("originalFileName", item.OriginalFileName)
	set("title", item.Title)
	set("details", item.Details)
	set("currentTime", item.CurrentTime)
	set("duration", item.Duration)
	set("percentCompleted", item.PercentCompleted)
	set("isFinished", item.IsFinished)
	set("orderRank", item.OrderRank)
	set("type", string(item.Type))
	if ts := item.LastPlayDateTimestamp; ts != nil {
		if math.IsNaN(*ts) || math.IsInf(*ts, 0) {
			return job.Params{}, fmt.Errorf("%w: lastPlayDateTimestamp is not finite", job.ErrInvalid)
		}
		set("lastPlayDateTimestamp", int64(*ts))
	}
	if item.Speed != nil {
		set("speed", *item.Speed)
	}
	if err != nil {
		return job.Params{}, fmt.Errorf("%w: %v", job.ErrInvalid, err)
	}
	return p, nil
}

func (s *Scheduler) schedule(ctx context.Context, t job.Type, id string, p job.Params) error {
	q := s.queues[t]
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoQueue, t)
	}
	pol := s.policies[t]
	d := job.New(t, id, p, pol.RetryLimit, pol.Network)
	if err := q.Submit(ctx, d); err != nil {
		s.log.Error("schedule failed", logx.String("type", string(t)), logx.String("id", id), logx.Err(err))
		return fmt.Errorf("schedule %s %s: %w", t, id, err)
	}
	s.log.Debug("scheduled", logx.String("type", string(t)), logx.String("id", id), logx.String("instance", d.Instance))
	return nil
}
