package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wI2L/jsondiff"
)

// FieldChange is a last-writer-wins update of one object field. It rides
// in a patch's side channel; conflicts resolve by Timestamp, then SiteID.
type FieldChange struct {
	Op        string          `json:"op"`
	Path      string          `json:"path"`
	Value     json.RawMessage `json:"value,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SiteID    string          `json:"siteId"`
}

// FieldChanges diffs two JSON object bodies and encodes one side-channel
// entry per changed path.
func FieldChanges(siteID string, timestamp int64, before, after []byte) ([]json.RawMessage, error) {
	if len(before) == 0 {
		before = []byte("{}")
	}
	if len(after) == 0 {
		after = []byte("{}")
	}
	ops, err := jsondiff.CompareJSON(before, after)
	if err != nil {
		return nil, fmt.Errorf("diff field bodies: %w", err)
	}
	out := make([]json.RawMessage, 0, len(ops))
	for _, op := range ops {
		change := FieldChange{
			Op:        op.Type,
			Path:      fmt.Sprint(op.Path),
			Timestamp: timestamp,
			SiteID:    siteID,
		}
		if op.Type != jsondiff.OperationRemove {
			value, err := json.Marshal(op.Value)
			if err != nil {
				return nil, err
			}
			change.Value = value
		}
		encoded, err := json.Marshal(change)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

func DecodeFieldChanges(raw []json.RawMessage) ([]FieldChange, error) {
	out := make([]FieldChange, 0, len(raw))
	for i, entry := range raw {
		var change FieldChange
		if err := json.Unmarshal(entry, &change); err != nil {
			return nil, fmt.Errorf("side channel entry %d: %w", i, err)
		}
		if change.Op == "" || change.Path == "" {
			return nil, fmt.Errorf("side channel entry %d: op and path are required", i)
		}
		out = append(out, change)
	}
	return out, nil
}

// Wins reports whether change a supersedes change b on the same path.
func (a FieldChange) Wins(b FieldChange) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return a.SiteID > b.SiteID
}

var ErrMissingObject = errors.New("page and object ids are required")

// FieldRegister keeps the winning change per field path of every page
// object. Paths are independent registers.
type FieldRegister struct {
	mu      sync.Mutex
	objects map[string]map[string]FieldChange
}

func NewFieldRegister() *FieldRegister {
	return &FieldRegister{objects: map[string]map[string]FieldChange{}}
}

func objectKey(pageID, objectID string) string {
	return pageID + "." + objectID
}

// Apply merges side-channel entries addressed to one page object and
// returns how many of them won. Nothing is applied when any entry is
// malformed.
func (r *FieldRegister) Apply(pageID, objectID string, raw []json.RawMessage) (int, error) {
	if pageID == "" || objectID == "" {
		return 0, ErrMissingObject
	}
	changes, err := DecodeFieldChanges(raw)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := objectKey(pageID, objectID)
	fields := r.objects[key]
	if fields == nil {
		fields = map[string]FieldChange{}
		r.objects[key] = fields
	}
	won := 0
	for _, change := range changes {
		if current, ok := fields[change.Path]; ok && !change.Wins(current) {
			continue
		}
		fields[change.Path] = change
		won++
	}
	return won, nil
}

// Values returns the live value of every field of one page object.
// Removed fields are left out.
func (r *FieldRegister) Values(pageID, objectID string) map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]json.RawMessage{}
	for path, change := range r.objects[objectKey(pageID, objectID)] {
		if change.Op == jsondiff.OperationRemove {
			continue
		}
		out[path] = change.Value
	}
	return out
}

// Export lists the winning changes per page object, sorted by path.
func (r *FieldRegister) Export() map[string][]FieldChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]FieldChange, len(r.objects))
	for key, fields := range r.objects {
		list := make([]FieldChange, 0, len(fields))
		for _, change := range fields {
			list = append(list, change)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
		out[key] = list
	}
	return out
}

// Restore replaces the register with exported changes.
func (r *FieldRegister) Restore(exported map[string][]FieldChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[string]map[string]FieldChange, len(exported))
	for key, list := range exported {
		fields := make(map[string]FieldChange, len(list))
		for _, change := range list {
			fields[change.Path] = change
		}
		r.objects[key] = fields
	}
}
