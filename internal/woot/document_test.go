package woot

import (
	"errors"
	"reflect"
	"testing"
)

func TestNewDocumentHasOnlySentinels(t *testing.T) {
	doc := NewDocument(testContent)
	if doc.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", doc.Len())
	}
	if doc.VisibleLen() != 0 {
		t.Fatalf("expected no visible rows, got %d", doc.VisibleLen())
	}
	if doc.VisibleContent() != "" {
		t.Fatalf("expected empty visible content, got %q", doc.VisibleContent())
	}
	if doc.FullContent() != "[]" {
		t.Fatalf("expected sentinel markers only, got %q", doc.FullContent())
	}
	got := doc.Rows()
	if got[0].ID != FirstID || got[1].ID != LastID {
		t.Fatalf("expected FIRST then LAST, got %v", got)
	}
}

func TestDocumentInsertBoundsAndDegree(t *testing.T) {
	doc := NewDocument(testContent)
	left, right, degree, err := doc.insertBounds(0)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if left.ID != FirstID || right.ID != LastID || degree != 1 {
		t.Fatalf("expected FIRST/LAST with degree 1, got %s/%s degree %d", left.ID, right.ID, degree)
	}
	a := ID{SiteID: "s", Clock: 0}
	if err := doc.integrate(NewInsert(testContent, Row{ID: a, Content: "a", Visible: true, Degree: 1}, FirstID, LastID)); err != nil {
		t.Fatalf("integrate: %v", err)
	}
	left, right, degree, err = doc.insertBounds(1)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if left.ID != a || right.ID != LastID || degree != 2 {
		t.Fatalf("expected a/LAST with degree 2, got %s/%s degree %d", left.ID, right.ID, degree)
	}
	if _, _, _, err := doc.insertBounds(2); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if _, _, _, err := doc.insertBounds(-1); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition for negative position, got %v", err)
	}
}

func TestDocumentDeleteKeepsTombstone(t *testing.T) {
	doc := NewDocument(testContent)
	a := ID{SiteID: "s", Clock: 0}
	b := ID{SiteID: "s", Clock: 1}
	_ = doc.integrate(NewInsert(testContent, Row{ID: a, Content: "a", Visible: true, Degree: 1}, FirstID, LastID))
	_ = doc.integrate(NewInsert(testContent, Row{ID: b, Content: "b", Visible: true, Degree: 2}, a, LastID))

	target, err := doc.deleteTarget(0)
	if err != nil || target.ID != a {
		t.Fatalf("expected delete target a, got %v (%v)", target.ID, err)
	}
	if err := doc.integrate(NewDelete(testContent, ID{SiteID: "s", Clock: 2}, a)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if doc.VisibleContent() != "b" {
		t.Fatalf("expected visible content b, got %q", doc.VisibleContent())
	}
	if doc.FullContent() != "[ab]" {
		t.Fatalf("expected tombstone kept in full content, got %q", doc.FullContent())
	}
	if doc.Len() != 4 {
		t.Fatalf("expected 4 rows after delete, got %d", doc.Len())
	}
	err = doc.integrate(NewDelete(testContent, ID{SiteID: "s", Clock: 3}, a))
	if !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("expected ErrAlreadyDeleted on double delete, got %v", err)
	}
	if _, err := doc.deleteTarget(1); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition past visible end, got %v", err)
	}
	if got := doc.Modifications(); !reflect.DeepEqual(got, []string{"- a", "  b"}) {
		t.Fatalf("unexpected modifications %v", got)
	}
}

func TestDocumentIntegrateMissingNeighborIsNotReady(t *testing.T) {
	doc := NewDocument(testContent)
	missing := ID{SiteID: "s", Clock: 7}
	op := NewInsert(testContent, Row{ID: ID{SiteID: "s", Clock: 8}, Content: "x", Visible: true, Degree: 1}, missing, LastID)
	if err := doc.integrate(op); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if err := doc.integrate(NewDelete(testContent, ID{SiteID: "s", Clock: 9}, missing)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady for delete, got %v", err)
	}
	if got := doc.missing(op); len(got) != 1 || got[0] != missing.String() {
		t.Fatalf("expected only %s to be missing, got %v", missing, got)
	}
}

func TestDocumentIntegrateInsertIsIdempotent(t *testing.T) {
	doc := NewDocument(testContent)
	op := NewInsert(testContent, Row{ID: ID{SiteID: "s", Clock: 0}, Content: "a", Visible: true, Degree: 1}, FirstID, LastID)
	for i := 0; i < 2; i++ {
		if err := doc.integrate(op); err != nil {
			t.Fatalf("integrate #%d: %v", i, err)
		}
	}
	if doc.Len() != 3 {
		t.Fatalf("expected a single copy of the row, got %d rows", doc.Len())
	}
}

func TestDocumentPlacesConcurrentInsertsById(t *testing.T) {
	// Both rows target the empty gap between the sentinels with the same
	// degree, so the lower id lands first whatever the arrival order.
	low := NewInsert(testContent, Row{ID: ID{SiteID: "a", Clock: 0}, Content: "low", Visible: true, Degree: 1}, FirstID, LastID)
	high := NewInsert(testContent, Row{ID: ID{SiteID: "b", Clock: 0}, Content: "high", Visible: true, Degree: 1}, FirstID, LastID)

	one := NewDocument(testContent)
	_ = one.integrate(low)
	_ = one.integrate(high)
	two := NewDocument(testContent)
	_ = two.integrate(high)
	_ = two.integrate(low)

	if one.VisibleContent() != "lowhigh" || two.VisibleContent() != "lowhigh" {
		t.Fatalf("expected lowhigh on both, got %q and %q", one.VisibleContent(), two.VisibleContent())
	}
}

func TestDocumentRejectsReversedNeighbors(t *testing.T) {
	doc := NewDocument(testContent)
	a := ID{SiteID: "s", Clock: 0}
	b := ID{SiteID: "s", Clock: 1}
	_ = doc.integrate(NewInsert(testContent, Row{ID: a, Content: "a", Visible: true, Degree: 1}, FirstID, LastID))
	_ = doc.integrate(NewInsert(testContent, Row{ID: b, Content: "b", Visible: true, Degree: 2}, a, LastID))

	op := NewInsert(testContent, Row{ID: ID{SiteID: "t", Clock: 0}, Content: "x", Visible: true, Degree: 3}, b, a)
	if err := doc.integrate(op); !errors.Is(err, ErrStructural) {
		t.Fatalf("expected ErrStructural for reversed neighbors, got %v", err)
	}
}

func TestDocumentFromRowsValidatesSequence(t *testing.T) {
	row := Row{ID: ID{SiteID: "s", Clock: 0}, Content: "a", Visible: true, Degree: 1}
	cases := map[string][]Row{
		"missing sentinels": {row},
		"no last":           {firstRow, row},
		"duplicate row":     {firstRow, row, row, lastRow},
		"empty content":     {firstRow, {ID: ID{SiteID: "s", Clock: 1}, Visible: true, Degree: 1}, lastRow},
		"inner sentinel":    {firstRow, firstRow, lastRow},
	}
	for name, rows := range cases {
		if _, err := documentFromRows(testContent, rows); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	doc, err := documentFromRows(testContent, []Row{firstRow, row, lastRow})
	if err != nil {
		t.Fatalf("valid rows: %v", err)
	}
	if doc.VisibleContent() != "a" {
		t.Fatalf("expected a, got %q", doc.VisibleContent())
	}
}

func TestDocumentTextAndClone(t *testing.T) {
	doc := NewDocument(testContent)
	a := ID{SiteID: "s", Clock: 0}
	_ = doc.integrate(NewInsert(testContent, Row{ID: a, Content: "line1", Visible: true, Degree: 1}, FirstID, LastID))
	_ = doc.integrate(NewInsert(testContent, Row{ID: ID{SiteID: "s", Clock: 1}, Content: "line2", Visible: true, Degree: 2}, a, LastID))
	if doc.Text() != "line1\nline2\n" {
		t.Fatalf("unexpected text %q", doc.Text())
	}
	other := ContentID{PageID: "Main.WebHome", ObjectID: "copy", FieldID: "content"}
	clone := doc.Clone(other)
	_ = clone.integrate(NewDelete(other, ID{SiteID: "s", Clock: 2}, a))
	if doc.VisibleContent() != "line1line2" {
		t.Fatalf("expected source untouched by clone edits, got %q", doc.VisibleContent())
	}
	if clone.VisibleContent() != "line2" || clone.ContentID() != other {
		t.Fatalf("unexpected clone %q %s", clone.VisibleContent(), clone.ContentID())
	}
}
