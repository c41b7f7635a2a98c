package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// PatchRecord is one entry of a site's patch log. Seq is assigned by the
// site and only grows.
type PatchRecord struct {
	Seq        int64      `json:"seq"`
	Origin     string     `json:"origin"`
	ReceivedAt time.Time  `json:"receivedAt"`
	Patch      woot.Patch `json:"patch"`
}

// Checkpoint is everything a site needs to resume after a restart. Fields
// holds the winning side-channel changes keyed by page.object.
type Checkpoint struct {
	Snapshot woot.Snapshot                 `json:"snapshot"`
	Patches  []PatchRecord                 `json:"patches"`
	NextSeq  int64                         `json:"nextSeq"`
	Fields   map[string][]wire.FieldChange `json:"fields,omitempty"`
	SavedAt  time.Time                     `json:"savedAt"`
}

// StateBackend persists checkpoints. Load returns nil, nil when nothing has
// been saved yet.
type StateBackend interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, state *Checkpoint) error
}

type closer interface {
	Close() error
}

// Close releases backend resources when the backend holds any.
func Close(backend StateBackend) error {
	if c, ok := backend.(closer); ok {
		return c.Close()
	}
	return nil
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load(_ context.Context) (*Checkpoint, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone Checkpoint
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(_ context.Context, state *Checkpoint) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load(ctx context.Context) (*Checkpoint, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state Checkpoint
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(ctx context.Context, state *Checkpoint) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
