package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltStateBucket = []byte("relaywoot_state")

const boltOpenTimeout = time.Second

// BoltStateBackend keeps checkpoints in a bbolt file, one key per site.
type BoltStateBackend struct {
	path     string
	stateKey string

	mu sync.Mutex
	db *bolt.DB
}

func NewBoltStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	stripped, key, err := splitStateKey(dsn)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(stripped)
	if err != nil {
		return nil, err
	}
	path, err := dsnPath(parsed, stripped)
	if err != nil {
		return nil, err
	}
	return &BoltStateBackend{path: path, stateKey: key}, nil
}

func (b *BoltStateBackend) Load(ctx context.Context) (*Checkpoint, error) {
	if b == nil {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := b.open()
	if err != nil {
		return nil, err
	}
	var payload []byte
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltStateBucket)
		if bucket == nil {
			return nil
		}
		if value := bucket.Get([]byte(b.stateKey)); value != nil {
			payload = append([]byte(nil), value...)
		}
		return nil
	})
	if err != nil || payload == nil {
		return nil, err
	}
	var state Checkpoint
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *BoltStateBackend) Save(ctx context.Context, state *Checkpoint) error {
	if b == nil || state == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := b.open()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(boltStateBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(b.stateKey), payload)
	})
}

func (b *BoltStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BoltStateBackend) open() (*bolt.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt state %s: %w", b.path, err)
	}
	b.db = db
	return db, nil
}
