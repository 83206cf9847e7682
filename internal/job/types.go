package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("invalid job descriptor")

// Type selects the queue a descriptor belongs to.
type Type string

const (
	FileUpload     Type = "file_upload"
	MetadataUpload Type = "metadata_upload"
)

func (t Type) Valid() bool { return t == FileUpload || t == MetadataUpload }

// Network is the minimum connectivity class a descriptor needs to run.
type Network string

const (
	NetworkAny      Network = "any"
	NetworkWiFiOnly Network = "wifi"
)

// ParseNetwork accepts the config spellings ("any", "wifi", "wifi_only").
// Empty defaults to WiFi-only.
func ParseNetwork(raw string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "wifi", "wifi_only", "wifionly":
		return NetworkWiFiOnly, nil
	case "any", "cellular":
		return NetworkAny, nil
	default:
		return "", fmt.Errorf("unknown network requirement %q", raw)
	}
}

// Result is the three-way outcome reported by an execution collaborator.
type Result int

const (
	Success Result = iota
	Transient
	Permanent
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Descriptor is one unit of work. Queues treat it as immutable and replace it
// wholesale (Retry) instead of mutating in place.
type Descriptor struct {
	ID                string    `json:"id"`
	Type              Type      `json:"type"`
	Params            Params    `json:"params"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	MaxAttempts       int       `json:"max_attempts"`
	Network           Network   `json:"network"`
	Seq               uint64    `json:"seq"`
	Instance          string    `json:"instance"`
	CreatedAt         time.Time `json:"created_at"`
}

// New builds a fresh descriptor with a new instance id.
// Seq is assigned by the queue at submit time.
func New(t Type, id string, params Params, attempts int, network Network) Descriptor {
	return Descriptor{
		ID:                id,
		Type:              t,
		Params:            params,
		AttemptsRemaining: attempts,
		MaxAttempts:       attempts,
		Network:           network,
		Instance:          uuid.NewString(),
		CreatedAt:         time.Now().UTC(),
	}
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, d.Type)
	}
	if d.AttemptsRemaining <= 0 {
		return fmt.Errorf("%w: attempts_remaining must be > 0", ErrInvalid)
	}
	if d.Network != NetworkAny && d.Network != NetworkWiFiOnly {
		return fmt.Errorf("%w: unknown network %q", ErrInvalid, d.Network)
	}
	if d.Instance == "" {
		return fmt.Errorf("%w: instance is required", ErrInvalid)
	}
	return nil
}

// Retry returns the descriptor with one attempt consumed.
func (d Descriptor) Retry() Descriptor {
	d.AttemptsRemaining--
	d.Params = d.Params.Clone()
	return d
}

// Attempt is the 1-based number of the execution about to run.
func (d Descriptor) Attempt() int {
	return d.MaxAttempts - d.AttemptsRemaining + 1
}
