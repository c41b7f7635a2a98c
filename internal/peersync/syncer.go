package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const defaultPageLimit = 100

// ErrFeedTruncated means the source dropped patches the target has not
// seen. Recovery needs a state transfer.
var ErrFeedTruncated = errors.New("source patch log truncated past cursor")

type SyncerOptions struct {
	// SourceName keys the stored cursor, usually the source base URL.
	SourceName string
	StateFile  string
	PageLimit  int
	// BootstrapOnTruncate transfers the source snapshot to the target when
	// the feed is truncated instead of failing.
	BootstrapOnTruncate bool
	Logger              *zerolog.Logger
}

// SyncStats summarises one SyncOnce pass.
type SyncStats struct {
	Patches      int  `json:"patches"`
	Applied      int  `json:"applied"`
	Queued       int  `json:"queued"`
	Duplicates   int  `json:"duplicates"`
	Rejected     int  `json:"rejected"`
	Bootstrapped bool `json:"bootstrapped"`
}

// Syncer pulls the patch log of a source site and delivers it to a target
// site, remembering how far it got.
type Syncer struct {
	source     RemoteClient
	target     RemoteClient
	sourceName string
	stateFile  string
	limit      int
	bootstrap  bool
	logger     zerolog.Logger
	state      syncState
	loaded     bool
}

type syncState struct {
	Cursors map[string]int64 `json:"cursors"`
}

func NewSyncer(source, target RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if source == nil || target == nil {
		return nil, fmt.Errorf("source and target clients are required")
	}
	sourceName := strings.TrimSpace(opts.SourceName)
	if sourceName == "" {
		return nil, fmt.Errorf("source name is required")
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		return nil, fmt.Errorf("state file is required")
	}
	limit := opts.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Syncer{
		source:     source,
		target:     target,
		sourceName: sourceName,
		stateFile:  filepath.Clean(stateFile),
		limit:      limit,
		bootstrap:  opts.BootstrapOnTruncate,
		logger:     logger.With().Str("component", "peersync").Str("source", sourceName).Logger(),
		state:      syncState{Cursors: map[string]int64{}},
	}, nil
}

func (s *Syncer) Cursor() int64 {
	return s.state.Cursors[s.sourceName]
}

func (s *Syncer) SyncOnce(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	if err := s.loadState(); err != nil {
		return stats, err
	}
	cursor := s.state.Cursors[s.sourceName]
	for {
		page, err := s.source.FetchPatches(ctx, cursor, s.limit)
		if err != nil {
			return stats, fmt.Errorf("fetch patches after %d: %w", cursor, err)
		}
		if page.Truncated {
			if !s.bootstrap || stats.Bootstrapped {
				return stats, ErrFeedTruncated
			}
			if err := s.transferState(ctx); err != nil {
				return stats, err
			}
			stats.Bootstrapped = true
		}
		for _, record := range page.Patches {
			if len(record.Patch.Operations) == 0 && len(record.Patch.SideChannel) == 0 {
				continue
			}
			origin := record.Origin
			if origin == "" {
				origin = s.sourceName
			}
			result, err := s.target.PushPatch(ctx, origin, record.Patch)
			if err != nil {
				return stats, fmt.Errorf("push patch %d: %w", record.Seq, err)
			}
			for _, msg := range result.Errors {
				s.logger.Warn().Int64("seq", record.Seq).Str("error", msg).Msg("target rejected operation")
			}
			stats.Patches++
			stats.Applied += result.Report.Applied + result.Report.Drained
			stats.Queued += result.Report.Queued
			stats.Duplicates += result.Report.Duplicates
			stats.Rejected += result.Report.Rejected
		}
		if page.NextCursor <= cursor {
			break
		}
		cursor = page.NextCursor
		s.state.Cursors[s.sourceName] = cursor
		if err := s.saveState(); err != nil {
			return stats, err
		}
		if len(page.Patches) < s.limit {
			break
		}
	}
	s.logger.Info().
		Int64("cursor", cursor).
		Int("patches", stats.Patches).
		Int("applied", stats.Applied).
		Int("queued", stats.Queued).
		Int("duplicates", stats.Duplicates).
		Msg("sync pass complete")
	return stats, nil
}

// transferState replaces the target's state with the source snapshot. Work
// the target has not yet published to the source is lost, so this is
// opt-in.
func (s *Syncer) transferState(ctx context.Context) error {
	snap, err := s.source.FetchState(ctx)
	if err != nil {
		return fmt.Errorf("fetch source state: %w", err)
	}
	if err := s.target.PushState(ctx, snap); err != nil {
		if isStatus(err, http.StatusUnprocessableEntity) {
			return fmt.Errorf("target refused source state: %w", err)
		}
		return fmt.Errorf("push state: %w", err)
	}
	s.logger.Warn().Int("contents", len(snap.Contents)).Msg("source feed truncated, transferred state")
	return nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state syncState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Cursors == nil {
		state.Cursors = map[string]int64{}
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.stateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
