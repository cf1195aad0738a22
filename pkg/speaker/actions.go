package speaker

// ActionFunc is a deferred callback bound to an absolute byte offset of the
// speaker stream. It is invoked exactly once: with canceled false when the
// playback position reaches the offset, or with canceled true when playback
// is stopped locally before that. Invoked with the controller lock held; it
// must not call back into the controller's public surface.
type ActionFunc func(offset uint64, canceled bool)

type offsetAction struct {
	offset uint64
	fn     ActionFunc
	order  uint64 // insertion order, tie-break for equal offsets
}

// actionQueue keeps offset actions ordered ascending by offset, stable FIFO
// among equal offsets.
type actionQueue struct {
	items []offsetAction
	next  uint64
}

func (q *actionQueue) schedule(offset uint64, fn ActionFunc) {
	a := offsetAction{offset: offset, fn: fn, order: q.next}
	q.next++
	i := len(q.items)
	for i > 0 && q.items[i-1].offset > offset {
		i--
	}
	q.items = append(q.items, offsetAction{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = a
}

// popDue removes and returns every action with offset <= pos, in firing
// order.
func (q *actionQueue) popDue(pos uint64) []offsetAction {
	n := 0
	for n < len(q.items) && q.items[n].offset <= pos {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]offsetAction, n)
	copy(due, q.items[:n])
	q.items = q.items[:copy(q.items, q.items[n:])]
	return due
}

// drain removes and returns every pending action, for cancellation.
func (q *actionQueue) drain() []offsetAction {
	out := q.items
	q.items = nil
	return out
}

func (q *actionQueue) len() int { return len(q.items) }

type streamMarker struct {
	offset uint64
	id     uint32
}

// markerQueue holds markers in arrival order. Offsets are non-decreasing by
// construction, so FIFO order and offset order agree.
type markerQueue struct {
	items []streamMarker
}

func (q *markerQueue) push(offset uint64, id uint32) {
	q.items = append(q.items, streamMarker{offset: offset, id: id})
}

// popPassed removes and returns every marker whose offset is at or behind
// pos, in FIFO order.
func (q *markerQueue) popPassed(pos uint64) []streamMarker {
	n := 0
	for n < len(q.items) && q.items[n].offset <= pos {
		n++
	}
	if n == 0 {
		return nil
	}
	passed := make([]streamMarker, n)
	copy(passed, q.items[:n])
	q.items = q.items[:copy(q.items, q.items[n:])]
	return passed
}

func (q *markerQueue) clear() { q.items = nil }

func (q *markerQueue) len() int { return len(q.items) }
