package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaywoot/internal/storage"
	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

const defaultFeedLimit = 100

var ErrEngineRequired = errors.New("engine is required")

// Publisher hands patches to a transport. Delivery is best effort; the
// engine tolerates loss only through anti-entropy pulls of the patch log.
type Publisher interface {
	Publish(ctx context.Context, patch woot.Patch) error
}

type Options struct {
	Engine  *woot.Engine
	Backend storage.StateBackend
	Logger  *zerolog.Logger
	// MaxLog bounds the retained patch log. Zero keeps everything.
	MaxLog int
	// Relay republishes operations first learned from a peer.
	Relay bool
}

// Site wraps an engine with a patch log, checkpointing and publishers.
type Site struct {
	engine  *woot.Engine
	backend storage.StateBackend
	logger  zerolog.Logger
	maxLog  int
	relay   bool

	mu         sync.Mutex
	log        []storage.PatchRecord
	logged     mapset.Set[woot.ID]
	fields     *wire.FieldRegister
	nextSeq    int64
	publishers []Publisher
}

type FeedPage struct {
	Patches    []storage.PatchRecord `json:"patches"`
	NextCursor int64                 `json:"nextCursor"`
	Truncated  bool                  `json:"truncated"`
}

func New(ctx context.Context, opts Options) (*Site, error) {
	if opts.Engine == nil {
		return nil, ErrEngineRequired
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Site{
		engine:  opts.Engine,
		backend: opts.Backend,
		logger:  logger.With().Str("component", "site").Str("site", opts.Engine.SiteID()).Logger(),
		maxLog:  opts.MaxLog,
		relay:   opts.Relay,
		logged:  mapset.NewSet[woot.ID](),
		fields:  wire.NewFieldRegister(),
		nextSeq: 1,
	}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Site) Engine() *woot.Engine {
	return s.engine
}

func (s *Site) SiteID() string {
	return s.engine.SiteID()
}

func (s *Site) AddPublisher(p Publisher) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

func (s *Site) LoadDocument(cid woot.ContentID) (*woot.Handle, error) {
	return s.engine.LoadDocument(cid)
}

func (s *Site) Insert(ctx context.Context, cid woot.ContentID, text string, position int) (woot.Patch, error) {
	op, err := s.engine.Insert(ctx, cid, text, position)
	if err != nil {
		return woot.Patch{}, err
	}
	return s.commitLocal(ctx, op)
}

func (s *Site) Delete(ctx context.Context, cid woot.ContentID, position int) (woot.Patch, error) {
	op, err := s.engine.Delete(ctx, cid, position)
	if err != nil {
		return woot.Patch{}, err
	}
	return s.commitLocal(ctx, op)
}

func (s *Site) commitLocal(ctx context.Context, op woot.Operation) (woot.Patch, error) {
	patch := woot.NewPatch(op)
	s.mu.Lock()
	s.appendLocked(s.SiteID(), patch)
	err := s.checkpointLocked(ctx)
	publishers := append([]Publisher(nil), s.publishers...)
	s.mu.Unlock()
	if err != nil {
		return patch, err
	}
	s.publish(ctx, publishers, patch)
	return patch, nil
}

// PublishSideChannel emits a patch carrying only side-channel entries for
// one page/object. The entries are opaque here.
func (s *Site) PublishSideChannel(ctx context.Context, pageID, objectID string, entries []json.RawMessage) (woot.Patch, error) {
	if pageID == "" || objectID == "" {
		return woot.Patch{}, fmt.Errorf("%w: page and object ids are required", woot.ErrInvalidInput)
	}
	if len(entries) == 0 {
		return woot.Patch{}, fmt.Errorf("%w: no side channel entries", woot.ErrInvalidInput)
	}
	if _, err := s.fields.Apply(pageID, objectID, entries); err != nil {
		return woot.Patch{}, fmt.Errorf("%w: %v", woot.ErrInvalidInput, err)
	}
	patch := woot.NewPatch()
	patch.Operations = []woot.Operation{}
	patch.PageID = pageID
	patch.ObjectID = objectID
	patch.SideChannel = entries
	s.mu.Lock()
	s.appendLocked(s.SiteID(), patch)
	err := s.checkpointLocked(ctx)
	publishers := append([]Publisher(nil), s.publishers...)
	s.mu.Unlock()
	if err != nil {
		return patch, err
	}
	s.publish(ctx, publishers, patch)
	return patch, nil
}

// Receive delivers a patch from a peer. Operations this site has not logged
// yet, and side-channel entries that won, are appended to the patch log so
// they flow on to pulling peers.
func (s *Site) Receive(ctx context.Context, origin string, patch woot.Patch) (woot.DeliveryReport, error) {
	report, deliverErr := s.engine.DeliverPatch(ctx, patch)

	fieldsWon := 0
	if len(patch.SideChannel) > 0 {
		won, err := s.fields.Apply(patch.PageID, patch.ObjectID, patch.SideChannel)
		if err != nil {
			deliverErr = errors.Join(deliverErr, fmt.Errorf("%w: side channel: %v", woot.ErrInvalidInput, err))
		}
		fieldsWon = won
	}

	fresh := patch
	fresh.Operations = nil
	if fieldsWon == 0 {
		fresh.SideChannel = nil
	}
	for _, op := range patch.Operations {
		if op.Validate() != nil {
			continue
		}
		fresh.Operations = append(fresh.Operations, op)
	}

	s.mu.Lock()
	fresh.Operations = s.unloggedLocked(fresh.Operations)
	var publishers []Publisher
	var err error
	if len(fresh.Operations) > 0 || len(fresh.SideChannel) > 0 {
		s.appendLocked(origin, fresh)
		err = s.checkpointLocked(ctx)
		if s.relay {
			publishers = append(publishers, s.publishers...)
		}
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("origin", origin).
		Int("applied", report.Applied).
		Int("queued", report.Queued).
		Int("duplicates", report.Duplicates).
		Int("rejected", report.Rejected).
		Int("drained", report.Drained).
		Int("fields", fieldsWon).
		Msg("patch delivered")

	if err != nil {
		return report, errors.Join(deliverErr, err)
	}
	if len(publishers) > 0 {
		s.publish(ctx, publishers, fresh)
	}
	return report, deliverErr
}

// PatchesSince pages the patch log after cursor. Truncated reports that
// records after cursor were already dropped from the bounded log, in which
// case the caller must bootstrap from a state snapshot.
func (s *Site) PatchesSince(cursor int64, limit int) FeedPage {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page := FeedPage{NextCursor: cursor, Patches: []storage.PatchRecord{}}
	if len(s.log) > 0 && s.log[0].Seq > cursor+1 {
		page.Truncated = true
	}
	for _, record := range s.log {
		if record.Seq <= cursor {
			continue
		}
		if len(page.Patches) == limit {
			break
		}
		page.Patches = append(page.Patches, record)
		page.NextCursor = record.Seq
	}
	return page
}

// Fields returns the current side-channel field values of one page object.
func (s *Site) Fields(pageID, objectID string) map[string]json.RawMessage {
	return s.fields.Values(pageID, objectID)
}

func (s *Site) State(ctx context.Context) (woot.Snapshot, error) {
	return s.engine.GetState(ctx)
}

// Bootstrap replaces the engine state with a snapshot from another site and
// checkpoints the result.
func (s *Site) Bootstrap(ctx context.Context, snap woot.Snapshot) error {
	if err := s.engine.SetState(ctx, snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info().Str("from", snap.SiteID).Msg("bootstrapped from snapshot")
	return s.checkpointLocked(ctx)
}

func (s *Site) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(ctx)
}

func (s *Site) appendLocked(origin string, patch woot.Patch) {
	s.log = append(s.log, storage.PatchRecord{
		Seq:        s.nextSeq,
		Origin:     origin,
		ReceivedAt: time.Now().UTC(),
		Patch:      patch,
	})
	s.nextSeq++
	s.logged.Append(patch.OpIDs()...)
	if s.maxLog > 0 && len(s.log) > s.maxLog {
		s.log = append([]storage.PatchRecord(nil), s.log[len(s.log)-s.maxLog:]...)
	}
}

func (s *Site) unloggedLocked(ops []woot.Operation) []woot.Operation {
	var out []woot.Operation
	for _, op := range ops {
		if s.logged.Contains(op.OpID) {
			continue
		}
		out = append(out, op)
	}
	return out
}

func (s *Site) checkpointLocked(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	snap, err := s.engine.GetState(ctx)
	if err != nil {
		return err
	}
	state := &storage.Checkpoint{
		Snapshot: snap,
		Patches:  s.log,
		NextSeq:  s.nextSeq,
		Fields:   s.fields.Export(),
		SavedAt:  time.Now().UTC(),
	}
	if err := s.backend.Save(ctx, state); err != nil {
		s.logger.Error().Err(err).Msg("checkpoint failed")
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Site) restore(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	state, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if state == nil {
		return nil
	}
	if err := s.engine.SetState(ctx, state.Snapshot); err != nil {
		return err
	}
	s.log = state.Patches
	if state.NextSeq > 0 {
		s.nextSeq = state.NextSeq
	}
	s.fields.Restore(state.Fields)
	for _, record := range s.log {
		s.logged.Append(record.Patch.OpIDs()...)
	}
	s.logger.Info().
		Int("contents", len(state.Snapshot.Contents)).
		Int("patches", len(s.log)).
		Msg("checkpoint restored")
	return nil
}

func (s *Site) publish(ctx context.Context, publishers []Publisher, patch woot.Patch) {
	for _, p := range publishers {
		if err := p.Publish(ctx, patch); err != nil {
			s.logger.Warn().Err(err).Str("patch", patch.GlobalID()).Msg("publish failed")
		}
	}
}
