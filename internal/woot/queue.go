package woot

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"
)

// WaitingQueue holds the operations of one content id whose causal
// neighbors have not arrived yet.
type WaitingQueue struct {
	ops []Operation
	// ids is guarded by the owning document's lock.
	ids mapset.Set[ID]
}

func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{ids: mapset.NewThreadUnsafeSet[ID]()}
}

// Enqueue stores op unless an operation with the same id is already queued.
func (q *WaitingQueue) Enqueue(op Operation) bool {
	if !q.ids.Add(op.OpID) {
		return false
	}
	q.ops = append(q.ops, op)
	return true
}

func (q *WaitingQueue) Contains(id ID) bool {
	return q.ids.Contains(id)
}

func (q *WaitingQueue) Len() int {
	return len(q.ops)
}

func (q *WaitingQueue) Pending() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Drain integrates queued operations into doc until a full pass makes no
// progress. applied is called for every operation that left the queue by
// integrating. Operations that can never integrate are dropped and returned
// as errors.
func (q *WaitingQueue) Drain(doc *Document, applied func(Operation)) (int, []error) {
	var (
		count int
		errs  []error
	)
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(q.ops); {
			op := q.ops[i]
			err := doc.integrate(op)
			if errors.Is(err, ErrNotReady) {
				i++
				continue
			}
			q.removeAt(i)
			if err != nil && !errors.Is(err, ErrAlreadyDeleted) {
				errs = append(errs, err)
				continue
			}
			count++
			progress = true
			if applied != nil {
				applied(op)
			}
		}
	}
	return count, errs
}

func (q *WaitingQueue) removeAt(i int) {
	q.ids.Remove(q.ops[i].OpID)
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
}
