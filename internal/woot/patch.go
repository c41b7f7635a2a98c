package woot

import (
	"encoding/json"
	"time"
)

// Patch is the transport envelope for operations addressed to one
// page/object. SideChannel carries field operations for a cooperating
// last-writer-wins engine and is never interpreted here.
type Patch struct {
	Operations   []Operation       `json:"operations"`
	SideChannel  []json.RawMessage `json:"sideChannel,omitempty"`
	PageID       string            `json:"pageId"`
	ObjectID     string            `json:"objectId"`
	Timestamp    int64             `json:"timestamp"`
	Version      int               `json:"version"`
	MinorVersion int               `json:"minorVersion"`
}

func NewPatch(ops ...Operation) Patch {
	p := Patch{
		Operations: ops,
		Timestamp:  time.Now().UTC().UnixMilli(),
	}
	if len(ops) > 0 {
		p.PageID = ops[0].ContentID.PageID
		p.ObjectID = ops[0].ContentID.ObjectID
	}
	return p
}

func (p Patch) GlobalID() string {
	return p.PageID + "." + p.ObjectID
}

// ContentIDs lists the content ids the patch touches in first-seen order.
func (p Patch) ContentIDs() []ContentID {
	seen := map[ContentID]struct{}{}
	var out []ContentID
	for _, op := range p.Operations {
		if _, ok := seen[op.ContentID]; ok {
			continue
		}
		seen[op.ContentID] = struct{}{}
		out = append(out, op.ContentID)
	}
	return out
}

// OpIDs lists the operation ids carried by the patch.
func (p Patch) OpIDs() []ID {
	out := make([]ID, 0, len(p.Operations))
	for _, op := range p.Operations {
		out = append(out, op.OpID)
	}
	return out
}
