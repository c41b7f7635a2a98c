package woot

import "fmt"

type OpKind string

const (
	KindInsert OpKind = "insert"
	KindDelete OpKind = "delete"
)

type InsertPayload struct {
	Row     Row `json:"row"`
	LeftID  ID  `json:"leftId"`
	RightID ID  `json:"rightId"`
}

type DeletePayload struct {
	TargetID ID `json:"targetId"`
}

// Operation is an Insert or a Delete; Kind selects which payload is set.
// Operations are immutable once built.
type Operation struct {
	Kind      OpKind         `json:"kind"`
	OpID      ID             `json:"opId"`
	ContentID ContentID      `json:"contentId"`
	SiteID    string         `json:"siteId"`
	Insert    *InsertPayload `json:"insert,omitempty"`
	Delete    *DeletePayload `json:"delete,omitempty"`
}

func NewInsert(contentID ContentID, row Row, left, right ID) Operation {
	return Operation{
		Kind:      KindInsert,
		OpID:      row.ID,
		ContentID: contentID,
		SiteID:    row.ID.SiteID,
		Insert:    &InsertPayload{Row: row, LeftID: left, RightID: right},
	}
}

func NewDelete(contentID ContentID, opID, target ID) Operation {
	return Operation{
		Kind:      KindDelete,
		OpID:      opID,
		ContentID: contentID,
		SiteID:    opID.SiteID,
		Delete:    &DeletePayload{TargetID: target},
	}
}

// Validate rejects operations that can never integrate, whatever the
// state of the receiving document.
func (op Operation) Validate() error {
	if op.OpID.IsSentinel() {
		return structural(op.OpID, "operation id is a sentinel")
	}
	if err := op.OpID.validate(); err != nil {
		return structural(op.OpID, "%v", err)
	}
	if op.SiteID != op.OpID.SiteID {
		return structural(op.OpID, "site %q does not match operation id", op.SiteID)
	}
	if err := op.ContentID.Validate(); err != nil {
		return structural(op.OpID, "%v", err)
	}
	switch op.Kind {
	case KindInsert:
		if op.Insert == nil || op.Delete != nil {
			return structural(op.OpID, "insert must carry only an insert payload")
		}
		ins := op.Insert
		if ins.Row.ID != op.OpID {
			return structural(op.OpID, "row id %s does not match operation id", ins.Row.ID)
		}
		if err := ins.Row.validate(); err != nil {
			return structural(op.OpID, "%v", err)
		}
		if !ins.Row.Visible {
			return structural(op.OpID, "inserted row must be visible")
		}
		if err := ins.LeftID.validate(); err != nil {
			return structural(op.OpID, "left neighbor: %v", err)
		}
		if err := ins.RightID.validate(); err != nil {
			return structural(op.OpID, "right neighbor: %v", err)
		}
		if ins.LeftID.IsLast() || ins.RightID.IsFirst() {
			return structural(op.OpID, "neighbors %s/%s are reversed", ins.LeftID, ins.RightID)
		}
		if ins.LeftID == ins.Row.ID || ins.RightID == ins.Row.ID || ins.LeftID == ins.RightID {
			return structural(op.OpID, "neighbors must be distinct rows")
		}
	case KindDelete:
		if op.Delete == nil || op.Insert != nil {
			return structural(op.OpID, "delete must carry only a delete payload")
		}
		if op.Delete.TargetID.IsSentinel() {
			return structural(op.OpID, "sentinel rows cannot be deleted")
		}
		if err := op.Delete.TargetID.validate(); err != nil {
			return structural(op.OpID, "target: %v", err)
		}
	default:
		return structural(op.OpID, "unknown operation kind %q", op.Kind)
	}
	return nil
}

// Dependencies lists the row ids that must be present before the
// operation can integrate.
func (op Operation) Dependencies() []ID {
	switch op.Kind {
	case KindInsert:
		return []ID{op.Insert.LeftID, op.Insert.RightID}
	case KindDelete:
		return []ID{op.Delete.TargetID}
	}
	return nil
}

func (op Operation) String() string {
	switch op.Kind {
	case KindInsert:
		return fmt.Sprintf("%s insert(%s, %s, %s)", op.ContentID, op.Insert.Row, op.Insert.LeftID, op.Insert.RightID)
	case KindDelete:
		return fmt.Sprintf("%s delete(%s) by %s", op.ContentID, op.Delete.TargetID, op.OpID)
	}
	return fmt.Sprintf("%s %s(%s)", op.ContentID, op.Kind, op.OpID)
}

// integrate applies op to doc. A delete of a tombstone reports
// ErrAlreadyDeleted so callers can decide whether that is an error.
func (d *Document) integrate(op Operation) error {
	switch op.Kind {
	case KindInsert:
		return d.integrateInsert(op.Insert)
	case KindDelete:
		return d.integrateDelete(op.Delete)
	}
	return structural(op.OpID, "unknown operation kind %q", op.Kind)
}
