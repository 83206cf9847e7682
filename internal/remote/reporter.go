package remote

import (
	"context"
	"encoding/json"
	"net/http"

	"syncq/internal/queue"
)

// FailureReporter posts terminal job failures to library/failures so the
// server can surface them to the user. It is a notifier sink.
type FailureReporter struct {
	c    *Client
	path string
}

func NewFailureReporter(c *Client) *FailureReporter {
	return &FailureReporter{c: c, path: "library/failures"}
}

func (r *FailureReporter) Deliver(ctx context.Context, f queue.Failure) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = r.c.do(ctx, http.MethodPost, r.path, nil, bytesPayload(body), "application/json")
	return err
}
