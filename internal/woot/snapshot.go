package woot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Snapshot is the complete replicated state of a site: every document with
// its tombstones, the operations still waiting on dependencies, the ids of
// integrated operations and the highest clock value seen per site.
type Snapshot struct {
	SiteID   string           `json:"siteId"`
	Contents []ContentState   `json:"contents"`
	Clocks   map[string]int64 `json:"clocks"`
	Seen     []ID             `json:"seen"`
}

type ContentState struct {
	ContentID ContentID   `json:"contentId"`
	Rows      []Row       `json:"rows"`
	Pending   []Operation `json:"pending,omitempty"`
}

func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrStateTransfer, err)
	}
	return s, nil
}

func (e *Engine) GetState(_ context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		SiteID: e.siteID,
		Clocks: map[string]int64{},
	}
	observe := func(id ID) {
		if id.IsSentinel() {
			return
		}
		if cur, ok := snap.Clocks[id.SiteID]; !ok || id.Clock > cur {
			snap.Clocks[id.SiteID] = id.Clock
		}
	}
	if next := e.clock.Next(); next > 0 {
		snap.Clocks[e.siteID] = next - 1
	}
	for cid, entry := range e.docs {
		state := ContentState{
			ContentID: cid,
			Rows:      entry.doc.Rows(),
			Pending:   entry.queue.Pending(),
		}
		for _, row := range state.Rows {
			observe(row.ID)
		}
		snap.Contents = append(snap.Contents, state)
	}
	sort.Slice(snap.Contents, func(i, j int) bool {
		return compareContentIDs(snap.Contents[i].ContentID, snap.Contents[j].ContentID) < 0
	})
	snap.Seen = e.seen.ToSlice()
	for _, id := range snap.Seen {
		observe(id)
	}
	sort.Slice(snap.Seen, func(i, j int) bool { return Compare(snap.Seen[i], snap.Seen[j]) < 0 })
	return snap, nil
}

// SetState replaces every document, the waiting queues and the seen set
// with the snapshot contents. The snapshot is fully validated before
// anything is replaced; on error the previous state is untouched.
func (e *Engine) SetState(ctx context.Context, snap Snapshot) error {
	docs, seen, err := buildState(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStateTransfer, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := snap.Clocks[e.siteID] + 1
	if _, ok := snap.Clocks[e.siteID]; !ok {
		next = 0
	}
	for _, entry := range docs {
		for _, row := range entry.doc.Rows() {
			if row.ID.SiteID == e.siteID && row.ID.Clock+1 > next {
				next = row.ID.Clock + 1
			}
		}
	}
	if err := e.clock.Observe(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", ErrStateTransfer, err)
	}

	e.docs = docs
	e.seen = seen
	queued := 0
	for _, entry := range docs {
		queued += entry.queue.Len()
	}
	e.metrics.setDocuments(len(docs))
	e.metrics.setQueued(queued)
	e.logger.Info().
		Str("from", snap.SiteID).
		Int("contents", len(docs)).
		Int("queued", queued).
		Msg("state restored")
	return nil
}

func buildState(snap Snapshot) (map[ContentID]*docEntry, mapset.Set[ID], error) {
	for site, value := range snap.Clocks {
		if site == "" || value < 0 {
			return nil, nil, fmt.Errorf("invalid clock entry %q=%d", site, value)
		}
	}
	docs := make(map[ContentID]*docEntry, len(snap.Contents))
	seen := mapset.NewSet[ID]()
	for _, content := range snap.Contents {
		if err := content.ContentID.Validate(); err != nil {
			return nil, nil, err
		}
		if _, dup := docs[content.ContentID]; dup {
			return nil, nil, fmt.Errorf("content %s appears twice", content.ContentID)
		}
		doc, err := documentFromRows(content.ContentID, content.Rows)
		if err != nil {
			return nil, nil, err
		}
		entry := newDocEntry(doc)
		for _, op := range content.Pending {
			if err := op.Validate(); err != nil {
				return nil, nil, fmt.Errorf("pending operation: %w", err)
			}
			if op.ContentID != content.ContentID {
				return nil, nil, fmt.Errorf("pending operation %s is addressed to %s", op.OpID, op.ContentID)
			}
			entry.queue.Enqueue(op)
		}
		for _, row := range content.Rows {
			if !row.IsSentinel() {
				seen.Add(row.ID)
			}
		}
		// Pending operations whose dependencies the snapshot already holds
		// integrate now; one that can never integrate fails the transfer.
		if _, errs := entry.queue.Drain(entry.doc, func(op Operation) { seen.Add(op.OpID) }); len(errs) > 0 {
			return nil, nil, fmt.Errorf("pending operations of %s: %w", content.ContentID, errors.Join(errs...))
		}
		docs[content.ContentID] = entry
	}
	for _, id := range snap.Seen {
		if id.IsSentinel() {
			return nil, nil, fmt.Errorf("seen set contains sentinel %s", id)
		}
		if err := id.validate(); err != nil {
			return nil, nil, err
		}
		seen.Add(id)
	}
	return docs, seen, nil
}
