package woot

import (
	"context"
	"reflect"
	"testing"
)

var testContent = ContentID{PageID: "Main.WebHome", ObjectID: "page", FieldID: "content"}

func newTestEngine(t *testing.T, siteID string) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), Options{SiteID: siteID})
	if err != nil {
		t.Fatalf("new engine %s: %v", siteID, err)
	}
	if _, err := engine.LoadDocument(testContent); err != nil {
		t.Fatalf("load document: %v", err)
	}
	return engine
}

func mustInsert(t *testing.T, e *Engine, cid ContentID, text string, pos int) Operation {
	t.Helper()
	op, err := e.Insert(context.Background(), cid, text, pos)
	if err != nil {
		t.Fatalf("insert %q at %d on %s: %v", text, pos, e.SiteID(), err)
	}
	return op
}

func mustDelete(t *testing.T, e *Engine, cid ContentID, pos int) Operation {
	t.Helper()
	op, err := e.Delete(context.Background(), cid, pos)
	if err != nil {
		t.Fatalf("delete at %d on %s: %v", pos, e.SiteID(), err)
	}
	return op
}

func mustDeliver(t *testing.T, e *Engine, ops ...Operation) DeliveryReport {
	t.Helper()
	report, err := e.DeliverPatch(context.Background(), NewPatch(ops...))
	if err != nil {
		t.Fatalf("deliver to %s: %v", e.SiteID(), err)
	}
	return report
}

func visible(t *testing.T, e *Engine, cid ContentID) string {
	t.Helper()
	var out string
	if err := e.view(cid, func(entry *docEntry) { out = entry.doc.VisibleContent() }); err != nil {
		t.Fatalf("visible content on %s: %v", e.SiteID(), err)
	}
	return out
}

func full(t *testing.T, e *Engine, cid ContentID) string {
	t.Helper()
	var out string
	if err := e.view(cid, func(entry *docEntry) { out = entry.doc.FullContent() }); err != nil {
		t.Fatalf("full content on %s: %v", e.SiteID(), err)
	}
	return out
}

func rows(t *testing.T, e *Engine, cid ContentID) []Row {
	t.Helper()
	var out []Row
	if err := e.view(cid, func(entry *docEntry) { out = entry.doc.Rows() }); err != nil {
		t.Fatalf("rows on %s: %v", e.SiteID(), err)
	}
	return out
}

func assertSameRows(t *testing.T, a, b *Engine, cid ContentID) {
	t.Helper()
	ra, rb := rows(t, a, cid), rows(t, b, cid)
	if !reflect.DeepEqual(ra, rb) {
		t.Fatalf("expected identical row sequences\n%s: %v\n%s: %v", a.SiteID(), ra, b.SiteID(), rb)
	}
}
