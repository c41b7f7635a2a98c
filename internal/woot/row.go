package woot

import (
	"fmt"
	"strings"
)

// Row is one line of a document. Deleted rows stay in place as tombstones.
type Row struct {
	ID      ID     `json:"id"`
	Content string `json:"content"`
	Visible bool   `json:"visible"`
	Degree  int    `json:"degree"`
}

var (
	firstRow = Row{ID: FirstID, Visible: true}
	lastRow  = Row{ID: LastID, Visible: true}
)

func (r Row) IsSentinel() bool {
	return r.ID.IsSentinel()
}

func (r Row) validate() error {
	if err := r.ID.validate(); err != nil {
		return err
	}
	if r.IsSentinel() {
		if r.Content != "" || !r.Visible || r.Degree != 0 {
			return fmt.Errorf("sentinel row %s was modified", r.ID)
		}
		return nil
	}
	if r.Content == "" {
		return fmt.Errorf("row %s has empty content", r.ID)
	}
	if r.Degree < 1 {
		return fmt.Errorf("row %s has degree %d", r.ID, r.Degree)
	}
	return nil
}

func (r Row) String() string {
	state := "+"
	if !r.Visible {
		state = "-"
	}
	return fmt.Sprintf("%s%s(%d)%q", state, r.ID, r.Degree, r.Content)
}

// ContentID addresses one independently replicated line sequence.
type ContentID struct {
	PageID   string `json:"pageId"`
	ObjectID string `json:"objectId"`
	FieldID  string `json:"fieldId"`
}

func (c ContentID) Validate() error {
	switch {
	case strings.TrimSpace(c.PageID) == "":
		return fmt.Errorf("content id is missing page id")
	case strings.TrimSpace(c.ObjectID) == "":
		return fmt.Errorf("content id is missing object id")
	case strings.TrimSpace(c.FieldID) == "":
		return fmt.Errorf("content id is missing field id")
	}
	return nil
}

// GlobalID is the page.object address shared by every field of an object.
func (c ContentID) GlobalID() string {
	return c.PageID + "." + c.ObjectID
}

func (c ContentID) String() string {
	return c.PageID + "." + c.ObjectID + "." + c.FieldID
}

func compareContentIDs(a, b ContentID) int {
	if c := strings.Compare(a.PageID, b.PageID); c != 0 {
		return c
	}
	if c := strings.Compare(a.ObjectID, b.ObjectID); c != 0 {
		return c
	}
	return strings.Compare(a.FieldID, b.FieldID)
}
