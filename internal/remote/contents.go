package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type ItemType string

const (
	ItemBook   ItemType = "book"
	ItemBound  ItemType = "bound"
	ItemFolder ItemType = "folder"
)

func (t *ItemType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch ItemType(s) {
	case ItemBook, ItemBound, ItemFolder:
		*t = ItemType(s)
		return nil
	default:
		return fmt.Errorf("unknown item type %q", s)
	}
}

// SyncedItem is one entry of the remote library.
type SyncedItem struct {
	RelativePath          string   `json:"relativePath"`
	OriginalFileName      string   `json:"originalFileName"`
	Title                 string   `json:"title"`
	Author                string   `json:"author"`
	Speed                 *float64 `json:"speed,omitempty"`
	CurrentTime           float64  `json:"currentTime"`
	Duration              float64  `json:"duration"`
	PercentCompleted      float64  `json:"percentCompleted"`
	IsFinished            bool     `json:"isFinished"`
	OrderRank             int      `json:"orderRank"`
	LastPlayDateTimestamp *float64 `json:"lastPlayDateTimestamp,omitempty"`
	Type                  ItemType `json:"type"`
}

type contentsResponse struct {
	Items []SyncedItem `json:"items"`
}

// Contents lists the remote library at path.
func (c *Client) Contents(ctx context.Context, path string) ([]SyncedItem, error) {
	raw, err := c.do(ctx, http.MethodGet, "library/contents", url.Values{"path": {path}}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("contents %q: %w", path, err)
	}
	var resp contentsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	return resp.Items, nil
}
