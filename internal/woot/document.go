package woot

import (
	"fmt"
	"strings"
)

const (
	headSlot = 0
	tailSlot = 1
	noSlot   = -1
)

type slot struct {
	row  Row
	prev int
	next int
}

// Document is the row sequence of one content id. Rows live in an arena and
// are linked in sequence order; index maps ids to arena slots. A Document is
// not safe for concurrent use; the engine serializes access per content id.
type Document struct {
	contentID ContentID
	slots     []slot
	index     map[ID]int
	visible   int
}

func NewDocument(contentID ContentID) *Document {
	return &Document{
		contentID: contentID,
		slots: []slot{
			headSlot: {row: firstRow, prev: noSlot, next: tailSlot},
			tailSlot: {row: lastRow, prev: headSlot, next: noSlot},
		},
		index: map[ID]int{FirstID: headSlot, LastID: tailSlot},
	}
}

func documentFromRows(contentID ContentID, rows []Row) (*Document, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("content %s: sequence has %d rows, need both sentinels", contentID, len(rows))
	}
	if rows[0] != firstRow || rows[len(rows)-1] != lastRow {
		return nil, fmt.Errorf("content %s: sequence is not bounded by sentinels", contentID)
	}
	doc := NewDocument(contentID)
	after := headSlot
	for _, row := range rows[1 : len(rows)-1] {
		if row.IsSentinel() {
			return nil, fmt.Errorf("content %s: sentinel %s inside sequence", contentID, row.ID)
		}
		if err := row.validate(); err != nil {
			return nil, fmt.Errorf("content %s: %w", contentID, err)
		}
		if _, exists := doc.index[row.ID]; exists {
			return nil, fmt.Errorf("content %s: duplicate row %s", contentID, row.ID)
		}
		after = doc.linkAfter(after, row)
	}
	return doc, nil
}

func (d *Document) ContentID() ContentID {
	return d.contentID
}

// Len counts every row, sentinels and tombstones included.
func (d *Document) Len() int {
	return len(d.slots)
}

// VisibleLen counts visible rows, sentinels excluded.
func (d *Document) VisibleLen() int {
	return d.visible
}

func (d *Document) Contains(id ID) bool {
	_, ok := d.index[id]
	return ok
}

// missing lists the dependencies of op that d does not hold yet.
func (d *Document) missing(op Operation) []string {
	var out []string
	for _, id := range op.Dependencies() {
		if !d.Contains(id) {
			out = append(out, id.String())
		}
	}
	return out
}

func (d *Document) Row(id ID) (Row, bool) {
	idx, ok := d.index[id]
	if !ok {
		return Row{}, false
	}
	return d.slots[idx].row, true
}

// Rows returns the sequence in order, from FIRST to LAST.
func (d *Document) Rows() []Row {
	rows := make([]Row, 0, len(d.slots))
	for s := headSlot; s != noSlot; s = d.slots[s].next {
		rows = append(rows, d.slots[s].row)
	}
	return rows
}

func (d *Document) VisibleLines() []string {
	lines := make([]string, 0, d.visible)
	for s := d.slots[headSlot].next; s != tailSlot; s = d.slots[s].next {
		if row := d.slots[s].row; row.Visible {
			lines = append(lines, row.Content)
		}
	}
	return lines
}

func (d *Document) VisibleContent() string {
	return strings.Join(d.VisibleLines(), "")
}

// Text renders visible rows one per line, each terminated by a newline.
func (d *Document) Text() string {
	var b strings.Builder
	for _, line := range d.VisibleLines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// FullContent concatenates every row including tombstones, with the
// sentinels rendered as "[" and "]".
func (d *Document) FullContent() string {
	var b strings.Builder
	b.WriteByte('[')
	for s := d.slots[headSlot].next; s != tailSlot; s = d.slots[s].next {
		b.WriteString(d.slots[s].row.Content)
	}
	b.WriteByte(']')
	return b.String()
}

// Modifications lists every row as a diff line: "  " for visible rows and
// "- " for tombstones.
func (d *Document) Modifications() []string {
	out := make([]string, 0, len(d.slots)-2)
	for s := d.slots[headSlot].next; s != tailSlot; s = d.slots[s].next {
		row := d.slots[s].row
		prefix := "  "
		if !row.Visible {
			prefix = "- "
		}
		out = append(out, prefix+row.Content)
	}
	return out
}

func (d *Document) Clone(contentID ContentID) *Document {
	clone := &Document{
		contentID: contentID,
		slots:     make([]slot, len(d.slots)),
		index:     make(map[ID]int, len(d.index)),
		visible:   d.visible,
	}
	copy(clone.slots, d.slots)
	for id, idx := range d.index {
		clone.index[id] = idx
	}
	return clone
}

// visibleSlot resolves a visible position to a slot. FIRST is position 0,
// the first visible row is position 1, and LAST follows the final row.
func (d *Document) visibleSlot(pos int) int {
	count := 0
	for s := headSlot; s != noSlot; s = d.slots[s].next {
		if !d.slots[s].row.Visible {
			continue
		}
		if count == pos {
			return s
		}
		count++
	}
	return noSlot
}

func (d *Document) nextVisibleSlot(from int) int {
	for s := d.slots[from].next; s != noSlot; s = d.slots[s].next {
		if d.slots[s].row.Visible {
			return s
		}
	}
	return noSlot
}

// insertBounds returns the visible rows around the gap at pos and the degree
// a row inserted there receives.
func (d *Document) insertBounds(pos int) (left, right Row, degree int, err error) {
	if pos < 0 || pos > d.visible {
		return Row{}, Row{}, 0, &PositionError{ContentID: d.contentID, Position: pos, Size: d.visible}
	}
	ls := d.visibleSlot(pos)
	rs := d.nextVisibleSlot(ls)
	left, right = d.slots[ls].row, d.slots[rs].row
	return left, right, 1 + max(left.Degree, right.Degree), nil
}

// deleteTarget returns the visible row at pos, counting from 0.
func (d *Document) deleteTarget(pos int) (Row, error) {
	if pos < 0 || pos >= d.visible {
		return Row{}, &PositionError{ContentID: d.contentID, Position: pos, Size: d.visible}
	}
	return d.slots[d.visibleSlot(pos+1)].row, nil
}

// integrateInsert places a row between its declared neighbors. Rows already
// present are left untouched.
func (d *Document) integrateInsert(ins *InsertPayload) error {
	if d.Contains(ins.Row.ID) {
		return nil
	}
	left, okLeft := d.index[ins.LeftID]
	right, okRight := d.index[ins.RightID]
	if !okLeft || !okRight {
		return ErrNotReady
	}
	if !d.follows(left, right) {
		return structural(ins.Row.ID, "right neighbor %s does not follow left neighbor %s", ins.RightID, ins.LeftID)
	}
	d.linkAfter(d.place(ins.Row.ID, left, right), ins.Row)
	return nil
}

// place runs the WOOTO integration loop: among the rows strictly between
// the bounds, only those of minimal degree are compared with the new id,
// and the bounds close in on the gap until they are adjacent.
func (d *Document) place(id ID, left, right int) int {
	for d.slots[left].next != right {
		minDegree := -1
		for s := d.slots[left].next; s != right; s = d.slots[s].next {
			if deg := d.slots[s].row.Degree; minDegree < 0 || deg < minDegree {
				minDegree = deg
			}
		}
		for s := d.slots[left].next; s != right; s = d.slots[s].next {
			row := d.slots[s].row
			if row.Degree != minDegree {
				continue
			}
			if Compare(row.ID, id) < 0 {
				left = s
				continue
			}
			right = s
			break
		}
	}
	return left
}

func (d *Document) follows(left, right int) bool {
	for s := d.slots[left].next; s != noSlot; s = d.slots[s].next {
		if s == right {
			return true
		}
	}
	return false
}

func (d *Document) linkAfter(after int, row Row) int {
	idx := len(d.slots)
	next := d.slots[after].next
	d.slots = append(d.slots, slot{row: row, prev: after, next: next})
	d.slots[after].next = idx
	d.slots[next].prev = idx
	d.index[row.ID] = idx
	if row.Visible {
		d.visible++
	}
	return idx
}

func (d *Document) integrateDelete(del *DeletePayload) error {
	idx, ok := d.index[del.TargetID]
	if !ok {
		return ErrNotReady
	}
	if !d.slots[idx].row.Visible {
		return ErrAlreadyDeleted
	}
	d.slots[idx].row.Visible = false
	d.visible--
	return nil
}
