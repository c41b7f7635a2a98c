package woot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
)

type Options struct {
	SiteID     string
	ClockStore ClockStore
	Logger     *zerolog.Logger
	Metrics    *Metrics
}

// Engine is the per-site orchestrator. The engine lock guards the document
// map and is held shared by every edit and delivery; each document has its
// own lock so different content ids proceed in parallel. GetState and
// SetState hold the engine lock exclusively.
type Engine struct {
	siteID  string
	clock   *Clock
	logger  zerolog.Logger
	metrics *Metrics

	mu   sync.RWMutex
	docs map[ContentID]*docEntry
	seen mapset.Set[ID]
}

type docEntry struct {
	mu    sync.Mutex
	doc   *Document
	queue *WaitingQueue
}

func newDocEntry(doc *Document) *docEntry {
	return &docEntry{doc: doc, queue: NewWaitingQueue()}
}

// DeliveryReport counts what happened to the operations of one patch.
type DeliveryReport struct {
	Applied    int `json:"applied"`
	Queued     int `json:"queued"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Drained    int `json:"drained"`
}

func NewEngine(ctx context.Context, opts Options) (*Engine, error) {
	siteID := strings.TrimSpace(opts.SiteID)
	if siteID == "" {
		return nil, fmt.Errorf("%w: site id is required", ErrInvalidInput)
	}
	clock, err := NewClock(ctx, siteID, opts.ClockStore)
	if err != nil {
		return nil, err
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		siteID:  siteID,
		clock:   clock,
		logger:  logger.With().Str("site", siteID).Logger(),
		metrics: opts.Metrics,
		docs:    map[ContentID]*docEntry{},
		seen:    mapset.NewSet[ID](),
	}, nil
}

func (e *Engine) SiteID() string {
	return e.siteID
}

func (e *Engine) Clock() *Clock {
	return e.clock
}

// LoadDocument returns a handle on the document for cid, creating an empty
// one on first use.
func (e *Engine) LoadDocument(cid ContentID) (*Handle, error) {
	if err := cid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[cid]; !ok {
		e.docs[cid] = newDocEntry(NewDocument(cid))
		e.metrics.setDocuments(len(e.docs))
		e.logger.Debug().Stringer("content", cid).Msg("document created")
	}
	return &Handle{engine: e, cid: cid}, nil
}

func (e *Engine) Insert(ctx context.Context, cid ContentID, text string, position int) (Operation, error) {
	if text == "" {
		return Operation{}, fmt.Errorf("%w: inserted text must not be empty", ErrInvalidInput)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, err := e.entryRLocked(cid)
	if err != nil {
		return Operation{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	left, right, degree, err := entry.doc.insertBounds(position)
	if err != nil {
		return Operation{}, err
	}
	id, err := e.clock.Tick(ctx)
	if err != nil {
		return Operation{}, err
	}
	op := NewInsert(cid, Row{ID: id, Content: text, Visible: true, Degree: degree}, left.ID, right.ID)
	if err := entry.doc.integrate(op); err != nil {
		return Operation{}, err
	}
	e.seen.Add(op.OpID)
	e.metrics.observe(originLocal, resultApplied, 1)
	e.logger.Debug().Stringer("op", op).Msg("local insert")
	return op, nil
}

func (e *Engine) Delete(ctx context.Context, cid ContentID, position int) (Operation, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, err := e.entryRLocked(cid)
	if err != nil {
		return Operation{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	target, err := entry.doc.deleteTarget(position)
	if err != nil {
		return Operation{}, err
	}
	id, err := e.clock.Tick(ctx)
	if err != nil {
		return Operation{}, err
	}
	op := NewDelete(cid, id, target.ID)
	if err := entry.doc.integrate(op); err != nil {
		return Operation{}, err
	}
	e.seen.Add(op.OpID)
	e.metrics.observe(originLocal, resultApplied, 1)
	e.logger.Debug().Stringer("op", op).Msg("local delete")
	return op, nil
}

// DeliverPatch integrates remote operations. Duplicates are skipped and
// operations with missing neighbors are queued; neither is an error.
// Malformed operations are rejected one by one and returned joined.
func (e *Engine) DeliverPatch(ctx context.Context, patch Patch) (DeliveryReport, error) {
	var report DeliveryReport
	if len(patch.Operations) == 0 {
		return report, nil
	}
	e.logger.Info().
		Str("patch", patch.GlobalID()).
		Int("operations", len(patch.Operations)).
		Msg("patch received")

	e.ensureDocuments(patch.ContentIDs())
	e.mu.RLock()
	defer e.mu.RUnlock()

	var errs []error
	touched := map[ContentID]*docEntry{}
	var order []ContentID
	for _, op := range patch.Operations {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := op.Validate(); err != nil {
			report.Rejected++
			errs = append(errs, err)
			e.logger.Warn().Err(err).Msg("operation rejected")
			continue
		}
		entry, ok := e.docs[op.ContentID]
		if !ok {
			// SetState dropped the document after ensureDocuments.
			report.Rejected++
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownContent, op.ContentID))
			continue
		}
		if _, ok := touched[op.ContentID]; !ok {
			touched[op.ContentID] = entry
			order = append(order, op.ContentID)
		}
		switch err := e.deliverOne(entry, op); {
		case err == nil:
			report.Applied++
		case errors.Is(err, ErrDuplicate):
			report.Duplicates++
		case errors.Is(err, ErrNotReady):
			report.Queued++
		default:
			report.Rejected++
			errs = append(errs, err)
			e.logger.Warn().Err(err).Stringer("op", op).Msg("operation rejected")
		}
	}
	for _, cid := range order {
		n, drainErrs := e.drainEntry(touched[cid])
		report.Drained += n
		report.Rejected += len(drainErrs)
		errs = append(errs, drainErrs...)
	}
	e.metrics.observe(originRemote, resultApplied, report.Applied)
	e.metrics.observe(originRemote, resultQueued, report.Queued)
	e.metrics.observe(originRemote, resultDuplicate, report.Duplicates)
	e.metrics.observe(originRemote, resultRejected, report.Rejected)
	e.metrics.observe(originRemote, resultDrained, report.Drained)
	return report, errors.Join(errs...)
}

func (e *Engine) deliverOne(entry *docEntry, op Operation) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if e.seen.Contains(op.OpID) || entry.queue.Contains(op.OpID) {
		e.logger.Debug().Stringer("op", op).Msg("duplicate operation skipped")
		return ErrDuplicate
	}
	err := entry.doc.integrate(op)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyDeleted):
		e.seen.Add(op.OpID)
		return nil
	case errors.Is(err, ErrNotReady):
		entry.queue.Enqueue(op)
		e.metrics.addQueued(1)
		e.logger.Debug().Stringer("op", op).Strs("waitingOn", entry.doc.missing(op)).Msg("operation queued")
		return ErrNotReady
	default:
		return err
	}
}

func (e *Engine) drainEntry(entry *docEntry) (int, []error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	before := entry.queue.Len()
	n, errs := entry.queue.Drain(entry.doc, func(op Operation) {
		e.seen.Add(op.OpID)
	})
	e.metrics.addQueued(entry.queue.Len() - before)
	for _, err := range errs {
		e.logger.Warn().Err(err).Stringer("content", entry.doc.ContentID()).Msg("queued operation dropped")
	}
	return n, errs
}

func (e *Engine) ensureDocuments(cids []ContentID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cid := range cids {
		if cid.Validate() != nil {
			continue
		}
		if _, ok := e.docs[cid]; !ok {
			e.docs[cid] = newDocEntry(NewDocument(cid))
		}
	}
	e.metrics.setDocuments(len(e.docs))
}

func (e *Engine) entryRLocked(cid ContentID) (*docEntry, error) {
	entry, ok := e.docs[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContent, cid)
	}
	return entry, nil
}

// ListContent returns every loaded content id in sorted order.
func (e *Engine) ListContent() []ContentID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ContentID, 0, len(e.docs))
	for cid := range e.docs {
		out = append(out, cid)
	}
	sort.Slice(out, func(i, j int) bool { return compareContentIDs(out[i], out[j]) < 0 })
	return out
}

func (e *Engine) ListPages() []string {
	seen := map[string]struct{}{}
	var pages []string
	for _, cid := range e.ListContent() {
		if _, ok := seen[cid.PageID]; ok {
			continue
		}
		seen[cid.PageID] = struct{}{}
		pages = append(pages, cid.PageID)
	}
	return pages
}

// CopyContent clones the rows of src into a new document dst. The copy
// replicates independently of its source.
func (e *Engine) CopyContent(src, dst ContentID) (*Handle, error) {
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, err := e.entryRLocked(src)
	if err != nil {
		return nil, err
	}
	if _, exists := e.docs[dst]; exists {
		return nil, fmt.Errorf("%w: %s", ErrContentExists, dst)
	}
	entry.mu.Lock()
	clone := entry.doc.Clone(dst)
	entry.mu.Unlock()
	e.docs[dst] = newDocEntry(clone)
	e.metrics.setDocuments(len(e.docs))
	return &Handle{engine: e, cid: dst}, nil
}

func (e *Engine) PendingCount(cid ContentID) (int, error) {
	var n int
	err := e.view(cid, func(entry *docEntry) {
		n = entry.queue.Len()
	})
	return n, err
}

func (e *Engine) view(cid ContentID, fn func(*docEntry)) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, err := e.entryRLocked(cid)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	fn(entry)
	return nil
}

// Handle reads one document. Every call resolves the content id again, so
// a handle taken before SetState reads the restored document.
type Handle struct {
	engine *Engine
	cid    ContentID
}

func (h *Handle) ContentID() ContentID {
	return h.cid
}

func (h *Handle) VisibleContent() (string, error) {
	var out string
	err := h.engine.view(h.cid, func(entry *docEntry) { out = entry.doc.VisibleContent() })
	return out, err
}

func (h *Handle) FullContent() (string, error) {
	var out string
	err := h.engine.view(h.cid, func(entry *docEntry) { out = entry.doc.FullContent() })
	return out, err
}

func (h *Handle) Text() (string, error) {
	var out string
	err := h.engine.view(h.cid, func(entry *docEntry) { out = entry.doc.Text() })
	return out, err
}

func (h *Handle) VisibleLines() ([]string, error) {
	var out []string
	err := h.engine.view(h.cid, func(entry *docEntry) { out = entry.doc.VisibleLines() })
	return out, err
}

func (h *Handle) Rows() ([]Row, error) {
	var out []Row
	err := h.engine.view(h.cid, func(entry *docEntry) { out = entry.doc.Rows() })
	return out, err
}

func (h *Handle) Modifications() ([]string, error) {
	var out []string
	err := h.engine.view(h.cid, func(entry *docEntry) { out = entry.doc.Modifications() })
	return out, err
}

func (h *Handle) Insert(ctx context.Context, text string, position int) (Operation, error) {
	return h.engine.Insert(ctx, h.cid, text, position)
}

func (h *Handle) Delete(ctx context.Context, position int) (Operation, error) {
	return h.engine.Delete(ctx, h.cid, position)
}
