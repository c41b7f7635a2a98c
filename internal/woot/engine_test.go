package woot

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func TestEngineBasic(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	op0 := mustInsert(t, site0, testContent, "line1", 0)
	op1 := mustInsert(t, site0, testContent, "line2", 1)
	if got := visible(t, site0, testContent); got != "line1line2" {
		t.Fatalf("expected line1line2 on site0, got %q", got)
	}

	mustDeliver(t, site1, op0, op1)
	if got := visible(t, site1, testContent); got != "line1line2" {
		t.Fatalf("expected line1line2 on site1, got %q", got)
	}
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineCrossInsertsConverge(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	opA := mustInsert(t, site0, testContent, "line1", 0)
	opB := mustInsert(t, site1, testContent, "line2", 0)

	mustDeliver(t, site0, opB)
	mustDeliver(t, site1, opA)

	a, b := visible(t, site0, testContent), visible(t, site1, testContent)
	if a != b {
		t.Fatalf("expected convergence, got %q and %q", a, b)
	}
	if a != "line1line2" {
		t.Fatalf("expected lower id first, got %q", a)
	}
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineInsertBeginning(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	op0 := mustInsert(t, site0, testContent, "line1", 0)
	op1 := mustInsert(t, site0, testContent, "line2", 0)
	if got := visible(t, site0, testContent); got != "line2line1" {
		t.Fatalf("expected line2line1, got %q", got)
	}
	mustDeliver(t, site1, op0, op1)
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineSimpleDelete(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	op0 := mustInsert(t, site0, testContent, "line1", 0)
	op1 := mustInsert(t, site0, testContent, "line2", 1)
	op2 := mustDelete(t, site0, testContent, 0)
	if got := visible(t, site0, testContent); got != "line2" {
		t.Fatalf("expected line2, got %q", got)
	}
	if got := full(t, site0, testContent); got != "[line1line2]" {
		t.Fatalf("expected tombstone in full content, got %q", got)
	}
	mustDeliver(t, site1, op0, op1, op2)
	if got := visible(t, site1, testContent); got != "line2" {
		t.Fatalf("expected line2 on site1, got %q", got)
	}
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineTP2(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")
	site2 := newTestEngine(t, "site2")

	base := []Operation{
		mustInsert(t, site0, testContent, "line1", 0),
		mustInsert(t, site0, testContent, "line2", 1),
		mustInsert(t, site0, testContent, "line3", 2),
	}
	mustDeliver(t, site1, base...)
	mustDeliver(t, site2, base...)

	op3 := mustInsert(t, site0, testContent, "line4", 2)
	op4 := mustDelete(t, site1, testContent, 2)
	op5 := mustInsert(t, site2, testContent, "line5", 3)

	mustDeliver(t, site1, op5)
	mustDeliver(t, site2, op4)
	if a, b := full(t, site1, testContent), full(t, site2, testContent); a != b {
		t.Fatalf("expected site1 and site2 to agree, got %q and %q", a, b)
	}

	mustDeliver(t, site1, op3)
	mustDeliver(t, site2, op3)
	mustDeliver(t, site0, op4)
	mustDeliver(t, site0, op5)

	if got := visible(t, site0, testContent); got != "line1line2line4line5" {
		t.Fatalf("expected line1line2line4line5, got %q", got)
	}
	assertSameRows(t, site0, site1, testContent)
	assertSameRows(t, site1, site2, testContent)
}

func TestEngineTPUrso(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")
	site2 := newTestEngine(t, "site2")

	op0 := mustInsert(t, site0, testContent, "line1", 0)
	op1 := mustInsert(t, site0, testContent, "line2", 1)
	mustDeliver(t, site1, op0, op1)
	mustDeliver(t, site2, op0, op1)

	op2 := mustInsert(t, site0, testContent, "line3", 1)
	op3 := mustInsert(t, site1, testContent, "line4", 1)

	mustDeliver(t, site2, op2)
	op4 := mustInsert(t, site2, testContent, "line5", 1)

	mustDeliver(t, site2, op3)
	mustDeliver(t, site0, op3)
	mustDeliver(t, site0, op4)

	mustDeliver(t, site1, op2, op4)

	want := "line1line4line5line3line2"
	for _, site := range []*Engine{site0, site1, site2} {
		if got := visible(t, site, testContent); got != want {
			t.Fatalf("expected %q on %s, got %q", want, site.SiteID(), got)
		}
	}
	assertSameRows(t, site0, site2, testContent)
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineUpdateSameLine(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	op0 := mustInsert(t, site0, testContent, "line1", 0)
	mustDeliver(t, site1, op0)

	op00 := mustDelete(t, site0, testContent, 0)
	op01 := mustInsert(t, site0, testContent, "line2", 0)
	if got := visible(t, site0, testContent); got != "line2" {
		t.Fatalf("expected line2 on site0, got %q", got)
	}
	op10 := mustDelete(t, site1, testContent, 0)
	op11 := mustInsert(t, site1, testContent, "line3", 0)
	if got := visible(t, site1, testContent); got != "line3" {
		t.Fatalf("expected line3 on site1, got %q", got)
	}

	mustDeliver(t, site1, op00, op01)
	report := mustDeliver(t, site0, op10, op11)
	if report.Applied != 2 {
		t.Fatalf("expected the concurrent delete to count as applied, got %+v", report)
	}

	if a, b := full(t, site0, testContent), full(t, site1, testContent); a != b {
		t.Fatalf("expected identical full content, got %q and %q", a, b)
	}
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineWaitingQueue(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	op1 := mustInsert(t, site0, testContent, "line1", 0)
	op2 := mustInsert(t, site0, testContent, "line2", 1)
	op3 := mustInsert(t, site0, testContent, "line3", 2)

	report := mustDeliver(t, site1, op3, op2)
	if report.Queued != 2 {
		t.Fatalf("expected 2 queued operations, got %+v", report)
	}
	if got := visible(t, site1, testContent); got != "" {
		t.Fatalf("expected empty content while dependencies are missing, got %q", got)
	}
	if n, _ := site1.PendingCount(testContent); n != 2 {
		t.Fatalf("expected 2 pending operations, got %d", n)
	}

	report = mustDeliver(t, site1, op1)
	if report.Applied != 1 || report.Drained != 2 {
		t.Fatalf("expected op1 applied and 2 drained, got %+v", report)
	}
	if got := visible(t, site1, testContent); got != "line1line2line3" {
		t.Fatalf("expected line1line2line3, got %q", got)
	}
	if n, _ := site1.PendingCount(testContent); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestEngineWaitingQueueDuplicates(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	op1 := mustInsert(t, site0, testContent, "line1", 0)
	op2 := mustInsert(t, site0, testContent, "line2", 1)
	op3 := mustInsert(t, site0, testContent, "line3", 2)

	report := mustDeliver(t, site1, op3, op2, op2)
	if report.Queued != 2 || report.Duplicates != 1 {
		t.Fatalf("expected 2 queued and 1 duplicate, got %+v", report)
	}
	if got := full(t, site1, testContent); got != "[]" {
		t.Fatalf("expected empty document, got %q", got)
	}

	mustDeliver(t, site1, op1)
	if got := full(t, site1, testContent); got != "[line1line2line3]" {
		t.Fatalf("expected [line1line2line3], got %q", got)
	}

	report = mustDeliver(t, site1, op1, op2)
	if report.Duplicates != 2 || report.Applied != 0 {
		t.Fatalf("expected both redelivered ops to be duplicates, got %+v", report)
	}
	if got := full(t, site1, testContent); got != "[line1line2line3]" {
		t.Fatalf("expected content unchanged by redelivery, got %q", got)
	}
}

func TestEnginePatchIdempotence(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	ops := []Operation{
		mustInsert(t, site0, testContent, "a", 0),
		mustInsert(t, site0, testContent, "b", 1),
		mustDelete(t, site0, testContent, 0),
	}
	mustDeliver(t, site1, ops...)
	once := full(t, site1, testContent)
	mustDeliver(t, site1, ops...)
	if got := full(t, site1, testContent); got != once {
		t.Fatalf("expected redelivery to be a no-op, got %q want %q", got, once)
	}
	if got := visible(t, site1, testContent); got != "b" {
		t.Fatalf("expected b, got %q", got)
	}
}

func TestEngineOwnEchoIsNoop(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	op := mustInsert(t, site0, testContent, "a", 0)
	report := mustDeliver(t, site0, op)
	if report.Duplicates != 1 {
		t.Fatalf("expected own op echo to be a duplicate, got %+v", report)
	}
	if got := visible(t, site0, testContent); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
}

func TestEngineDuplicateDeleteSafety(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	ins := mustInsert(t, site0, testContent, "a", 0)
	keep := mustInsert(t, site0, testContent, "b", 1)
	mustDeliver(t, site1, ins, keep)

	del0 := mustDelete(t, site0, testContent, 0)
	del1 := mustDelete(t, site1, testContent, 0)

	report := mustDeliver(t, site0, del1)
	if report.Applied != 1 || report.Rejected != 0 {
		t.Fatalf("expected concurrent delete of a tombstone to succeed silently, got %+v", report)
	}
	mustDeliver(t, site0, del1)
	mustDeliver(t, site1, del0)
	for _, site := range []*Engine{site0, site1} {
		if got := visible(t, site, testContent); got != "b" {
			t.Fatalf("expected b on %s, got %q", site.SiteID(), got)
		}
	}
	assertSameRows(t, site0, site1, testContent)
}

func TestEngineDeleteBeforeInsertIsQueued(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	ins := mustInsert(t, site0, testContent, "a", 0)
	del := mustDelete(t, site0, testContent, 0)

	report := mustDeliver(t, site1, del)
	if report.Queued != 1 {
		t.Fatalf("expected delete queued, got %+v", report)
	}
	mustDeliver(t, site1, ins)
	if got := full(t, site1, testContent); got != "[a]" {
		t.Fatalf("expected tombstone only, got %q", got)
	}
	if got := visible(t, site1, testContent); got != "" {
		t.Fatalf("expected empty visible content, got %q", got)
	}
}

func TestEngineMultiContentIsolation(t *testing.T) {
	page := testContent
	page2 := ContentID{PageID: testContent.PageID, ObjectID: "page2", FieldID: testContent.FieldID}

	site0 := newTestEngine(t, "site0")
	if _, err := site0.LoadDocument(page2); err != nil {
		t.Fatalf("load page2: %v", err)
	}
	site1 := newTestEngine(t, "site1")

	opA := mustInsert(t, site0, page, "first", 0)
	opB := mustInsert(t, site0, page2, "second", 0)
	opC := mustDelete(t, site0, page, 0)

	mustDeliver(t, site1, opA, opB, opC)
	if got := visible(t, site1, page); got != "" {
		t.Fatalf("expected page empty after delete, got %q", got)
	}
	if got := visible(t, site1, page2); got != "second" {
		t.Fatalf("expected page2 unaffected, got %q", got)
	}
	if got := site1.ListContent(); len(got) != 2 {
		t.Fatalf("expected delivery to create page2, got %v", got)
	}
}

func TestEngineRejectsMalformedOperationButAppliesRest(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	good := mustInsert(t, site0, testContent, "ok", 0)
	bad := good
	bad.OpID = ID{SiteID: "site0", Clock: 99}
	bad.Insert = &InsertPayload{Row: Row{ID: bad.OpID, Content: "", Visible: true, Degree: 1}, LeftID: FirstID, RightID: LastID}
	noContent := mustInsert(t, site0, testContent, "other", 1)
	noContent.ContentID = ContentID{PageID: "p"}

	report, err := site1.DeliverPatch(context.Background(), NewPatch(bad, good, noContent))
	if !errors.Is(err, ErrStructural) {
		t.Fatalf("expected structural error, got %v", err)
	}
	var structErr *StructuralError
	if !errors.As(err, &structErr) || structErr.OpID != bad.OpID {
		t.Fatalf("expected structural error for %s, got %v", bad.OpID, err)
	}
	if report.Applied != 1 || report.Rejected != 2 {
		t.Fatalf("expected 1 applied and 2 rejected, got %+v", report)
	}
	if got := visible(t, site1, testContent); got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
}

func TestEngineLocalMisuse(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	ctx := context.Background()
	unknown := ContentID{PageID: "p", ObjectID: "o", FieldID: "f"}

	if _, err := site0.Insert(ctx, unknown, "x", 0); !errors.Is(err, ErrUnknownContent) {
		t.Fatalf("expected ErrUnknownContent on insert, got %v", err)
	}
	if _, err := site0.Delete(ctx, unknown, 0); !errors.Is(err, ErrUnknownContent) {
		t.Fatalf("expected ErrUnknownContent on delete, got %v", err)
	}
	if _, err := site0.Insert(ctx, testContent, "x", 1); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition on insert, got %v", err)
	}
	if _, err := site0.Delete(ctx, testContent, 0); !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition on delete, got %v", err)
	}
	if _, err := site0.Insert(ctx, testContent, "", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty text, got %v", err)
	}
	if _, err := site0.LoadDocument(ContentID{PageID: "p"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for partial content id, got %v", err)
	}
	if next := site0.Clock().Next(); next != 0 {
		t.Fatalf("expected rejected edits not to consume clock values, got %d", next)
	}
}

// Every permutation of a set of concurrent inserts, including a chained
// insert that depends on one of them, must produce the same row sequence.
func TestEngineConvergesUnderAllDeliveryOrders(t *testing.T) {
	origin := newTestEngine(t, "origin")
	base := []Operation{
		mustInsert(t, origin, testContent, "top", 0),
		mustInsert(t, origin, testContent, "bottom", 1),
	}

	var concurrent []Operation
	for _, siteID := range []string{"alpha", "bravo", "charlie"} {
		site := newTestEngine(t, siteID)
		mustDeliver(t, site, base...)
		concurrent = append(concurrent, mustInsert(t, site, testContent, siteID, 1))
		if siteID == "bravo" {
			concurrent = append(concurrent, mustInsert(t, site, testContent, siteID+"-next", 2))
		}
	}

	var reference []Row
	permute(concurrent, func(order []Operation) {
		site := newTestEngine(t, "observer")
		mustDeliver(t, site, base...)
		for _, op := range order {
			mustDeliver(t, site, op)
		}
		got := rows(t, site, testContent)
		if reference == nil {
			reference = got
			return
		}
		if !reflect.DeepEqual(got, reference) {
			t.Fatalf("order %v diverged\n got %v\nwant %v", order, got, reference)
		}
	})
	if len(reference) != 8 {
		t.Fatalf("expected 6 rows plus sentinels, got %v", reference)
	}
}

func permute(ops []Operation, visit func([]Operation)) {
	var walk func(int)
	walk = func(k int) {
		if k == len(ops) {
			order := make([]Operation, len(ops))
			copy(order, ops)
			visit(order)
			return
		}
		for i := k; i < len(ops); i++ {
			ops[k], ops[i] = ops[i], ops[k]
			walk(k + 1)
			ops[k], ops[i] = ops[i], ops[k]
		}
	}
	walk(0)
}

func TestEngineCopyContentAndListing(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	mustInsert(t, site0, testContent, "a", 0)
	other := ContentID{PageID: "Sandbox.Test", ObjectID: "page", FieldID: "content"}
	if _, err := site0.LoadDocument(other); err != nil {
		t.Fatalf("load: %v", err)
	}

	dst := ContentID{PageID: testContent.PageID, ObjectID: "draft", FieldID: "content"}
	h, err := site0.CopyContent(testContent, dst)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := h.Insert(context.Background(), "b", 1); err != nil {
		t.Fatalf("insert into copy: %v", err)
	}
	if got, _ := h.VisibleContent(); got != "ab" {
		t.Fatalf("expected ab in copy, got %q", got)
	}
	if got := visible(t, site0, testContent); got != "a" {
		t.Fatalf("expected source unchanged, got %q", got)
	}
	if _, err := site0.CopyContent(testContent, dst); !errors.Is(err, ErrContentExists) {
		t.Fatalf("expected ErrContentExists, got %v", err)
	}

	pages := site0.ListPages()
	if !reflect.DeepEqual(pages, []string{"Main.WebHome", "Sandbox.Test"}) {
		t.Fatalf("unexpected pages %v", pages)
	}
	if got := len(site0.ListContent()); got != 3 {
		t.Fatalf("expected 3 content ids, got %d", got)
	}
}

func TestHandleReadsFollowDocument(t *testing.T) {
	site0 := newTestEngine(t, "site0")
	h, err := site0.LoadDocument(testContent)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := h.Insert(context.Background(), "one", 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := h.Insert(context.Background(), "two", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if text, _ := h.Text(); text != "one\ntwo\n" {
		t.Fatalf("unexpected text %q", text)
	}
	if lines, _ := h.VisibleLines(); !reflect.DeepEqual(lines, []string{"one", "two"}) {
		t.Fatalf("unexpected lines %v", lines)
	}
	if _, err := h.Delete(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mods, _ := h.Modifications(); !reflect.DeepEqual(mods, []string{"  one", "- two"}) {
		t.Fatalf("unexpected modifications %v", mods)
	}
	if fullText, _ := h.FullContent(); fullText != "[onetwo]" {
		t.Fatalf("unexpected full content %q", fullText)
	}
}

func TestEngineConcurrentEditsDeliveryAndSnapshots(t *testing.T) {
	ctx := context.Background()
	const (
		contents = 8
		inserts  = 50
	)
	site0 := newTestEngine(t, "site0")
	site1 := newTestEngine(t, "site1")

	cids := make([]ContentID, contents)
	for i := range cids {
		cids[i] = ContentID{PageID: fmt.Sprintf("Main.Page%d", i), ObjectID: "page", FieldID: "content"}
		if _, err := site0.LoadDocument(cids[i]); err != nil {
			t.Fatalf("load %s: %v", cids[i], err)
		}
	}

	errs := make(chan error, contents*inserts+1)
	var wg sync.WaitGroup
	for _, cid := range cids {
		wg.Add(1)
		go func(cid ContentID) {
			defer wg.Done()
			for j := 0; j < inserts; j++ {
				op, err := site0.Insert(ctx, cid, fmt.Sprintf("line%d", j), j)
				if err != nil {
					errs <- fmt.Errorf("insert on %s: %w", cid, err)
					return
				}
				report, err := site1.DeliverPatch(ctx, NewPatch(op))
				if err != nil {
					errs <- fmt.Errorf("deliver on %s: %w", cid, err)
					return
				}
				if report.Applied != 1 {
					errs <- fmt.Errorf("expected in-order delivery to apply on %s, got %+v", cid, report)
					return
				}
			}
		}(cid)
	}

	done := make(chan struct{})
	var snapshots sync.WaitGroup
	snapshots.Add(1)
	go func() {
		defer snapshots.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			snap, err := site0.GetState(ctx)
			if err != nil {
				errs <- fmt.Errorf("get state: %w", err)
				return
			}
			restored, err := NewEngine(ctx, Options{SiteID: "site2"})
			if err != nil {
				errs <- err
				return
			}
			if err := restored.SetState(ctx, snap); err != nil {
				errs <- fmt.Errorf("snapshot taken during edits did not restore: %w", err)
				return
			}
		}
	}()

	wg.Wait()
	close(done)
	snapshots.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("%v", err)
	}

	for _, cid := range cids {
		assertSameRows(t, site0, site1, cid)
		lines, err := site1.LoadDocument(cid)
		if err != nil {
			t.Fatalf("load %s: %v", cid, err)
		}
		got, err := lines.VisibleLines()
		if err != nil {
			t.Fatalf("visible lines of %s: %v", cid, err)
		}
		if len(got) != inserts {
			t.Fatalf("expected %d lines in %s, got %d", inserts, cid, len(got))
		}
	}
}
