package woot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrClockLocked = errors.New("clock file is locked by another process")

// FileClockStore keeps counters in a JSON file. An exclusive flock on a
// sidecar lock file is held from Open until Close.
type FileClockStore struct {
	mu   sync.Mutex
	path string
	lock *os.File
}

type persistedClock struct {
	Sites map[string]int64 `json:"sites"`
}

func OpenFileClockStore(path string) (*FileClockStore, error) {
	if path == "" {
		return nil, fmt.Errorf("clock file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrClockLocked, path)
		}
		return nil, err
	}
	return &FileClockStore{path: path, lock: lock}, nil
}

func (s *FileClockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	_ = unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	err := s.lock.Close()
	s.lock = nil
	return err
}

func (s *FileClockStore) LoadClock(_ context.Context, siteID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.readLocked()
	if err != nil {
		return 0, err
	}
	return state.Sites[siteID], nil
}

func (s *FileClockStore) StoreClock(_ context.Context, siteID string, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return fmt.Errorf("clock store %s is closed", s.path)
	}
	state, err := s.readLocked()
	if err != nil {
		return err
	}
	state.Sites[siteID] = next
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
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
	return os.Rename(tmp, s.path)
}

func (s *FileClockStore) readLocked() (persistedClock, error) {
	state := persistedClock{Sites: map[string]int64{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode clock file %s: %w", s.path, err)
	}
	if state.Sites == nil {
		state.Sites = map[string]int64{}
	}
	return state, nil
}
