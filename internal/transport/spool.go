package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaywoot/internal/wire"
)

const spoolOrigin = "spool"

// SpoolInbox ingests patch files dropped into a directory. Accepted files are
// removed; files that fail to decode are renamed with a .rejected suffix.
type SpoolInbox struct {
	dir      string
	receiver Receiver
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
}

func NewSpoolInbox(dir string, receiver Receiver, logger zerolog.Logger) (*SpoolInbox, error) {
	if dir == "" {
		return nil, errors.New("spool dir is required")
	}
	if receiver == nil {
		return nil, errors.New("spool receiver is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &SpoolInbox{
		dir:      dir,
		receiver: receiver,
		logger:   logger.With().Str("component", "spool").Str("dir", dir).Logger(),
		watcher:  watcher,
	}, nil
}

// Run processes files already present, then watches for new ones until ctx
// is done.
func (s *SpoolInbox) Run(ctx context.Context) error {
	defer s.watcher.Close()
	if err := s.Scan(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isSpoolFile(event.Name) {
				continue
			}
			s.ingest(ctx, event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("spool watcher error")
		}
	}
}

// Scan ingests every pending file in name order.
func (s *SpoolInbox) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		s.ingest(ctx, filepath.Join(s.dir, name))
	}
	return nil
}

func (s *SpoolInbox) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("file", path).Msg("read spool file")
		}
		return
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		// Writer has created the file but not filled it yet.
		return
	}
	patch, err := wire.DecodePatch(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", path).Msg("spool file rejected")
		if err := os.Rename(path, path+".rejected"); err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("quarantine spool file")
		}
		return
	}
	report, err := s.receiver.Receive(ctx, spoolOrigin, patch)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", path).Msg("spool patch partially rejected")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error().Err(err).Str("file", path).Msg("remove spool file")
		return
	}
	s.logger.Debug().Str("file", path).Int("applied", report.Applied).Int("queued", report.Queued).Msg("spool file ingested")
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}

func (s *SpoolInbox) Close() error {
	return s.watcher.Close()
}
