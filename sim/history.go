package sim

// StateKind tags what a history resolved to at some tick.
type StateKind byte

const (
	// StateAbsent means the history has no entry at or before the tick.
	StateAbsent StateKind = iota
	// StateRemoved means the most recent entry is a removal marker.
	StateRemoved
	// StateUpdated means the most recent entry holds a value.
	StateUpdated
)

func (k StateKind) String() string {
	return []string{"absent", "removed", "updated"}[k]
}

// Entry is one observed change: at Tick the tracked value either became
// Value or was removed.
type Entry[T any] struct {
	Tick    Tick
	Removed bool
	Value   T
}

// History is a sparse, strictly tick-increasing log of past values of one
// (entity, component) pair. Prediction records into it every simulated
// tick, replication records into it as confirmed updates arrive; it is the
// same structure on both sides of the rollback comparison.
//
// Depth bounds the log: pushing past it drops the oldest entry, which also
// bounds how far a rollback can reach back.
type History[T any] struct {
	entries []Entry[T]
	depth   int
}

// NewHistory makes a history keeping at most depth entries; depth <= 0
// means unbounded.
func NewHistory[T any](depth int) *History[T] {
	return &History[T]{depth: depth}
}

func (h *History[T]) Len() int {
	return len(h.entries)
}

func (h *History[T]) Newest() (Entry[T], bool) {
	if len(h.entries) == 0 {
		return Entry[T]{}, false
	}
	return h.entries[len(h.entries)-1], true
}

func (h *History[T]) Oldest() (Entry[T], bool) {
	if len(h.entries) == 0 {
		return Entry[T]{}, false
	}
	return h.entries[0], true
}

// AddUpdate appends a value observation. The tick must not precede the
// newest stored tick; an equal tick overwrites in place and reports it,
// since a same-tick double write usually means a system ran twice.
func (h *History[T]) AddUpdate(t Tick, v T) (replaced bool) {
	return h.push(Entry[T]{Tick: t, Value: v})
}

// AddRemove appends a removal marker, same tick rules as AddUpdate.
func (h *History[T]) AddRemove(t Tick) (replaced bool) {
	return h.push(Entry[T]{Tick: t, Removed: true})
}

func (h *History[T]) push(e Entry[T]) (replaced bool) {
	if n := len(h.entries); n > 0 {
		last := h.entries[n-1]
		if e.Tick == last.Tick {
			h.entries[n-1] = e
			return true
		}
		if e.Tick.Before(last.Tick) {
			// Out-of-order writes are a caller bug; keep the log
			// consistent by treating it as a same-tick overwrite
			// of the tail.
			h.entries[n-1] = e
			return true
		}
	}
	h.entries = append(h.entries, e)
	if h.depth > 0 && len(h.entries) > h.depth {
		h.entries = h.entries[1:]
	}
	return false
}

// Get returns the most recent value at or before t, or false if there is
// no prior entry or the most recent one is a removal.
func (h *History[T]) Get(t Tick) (T, bool) {
	var zero T
	e, ok := h.at(t)
	if !ok || e.Removed {
		return zero, false
	}
	return e.Value, true
}

// Resolve reports what the tracked value looked like at t.
func (h *History[T]) Resolve(t Tick) (StateKind, T) {
	var zero T
	e, ok := h.at(t)
	switch {
	case !ok:
		return StateAbsent, zero
	case e.Removed:
		return StateRemoved, zero
	default:
		return StateUpdated, e.Value
	}
}

func (h *History[T]) at(t Tick) (Entry[T], bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if !h.entries[i].Tick.After(t) {
			return h.entries[i], true
		}
	}
	return Entry[T]{}, false
}

// Bracket returns the newest entry at or before t and the oldest entry
// after t, the two samples an interpolation at t sits between.
func (h *History[T]) Bracket(t Tick) (start, end Entry[T], hasStart, hasEnd bool) {
	for _, e := range h.entries {
		if e.Tick.After(t) {
			end, hasEnd = e, true
			break
		}
		start, hasStart = e, true
	}
	return
}

// PopUntil drains every entry at or before t and returns the most recent
// one found. That entry is re-inserted at exactly t so queries for any
// later tick still resolve as if nothing was drained.
func (h *History[T]) PopUntil(t Tick) (Entry[T], bool) {
	idx := -1
	for i, e := range h.entries {
		if e.Tick.After(t) {
			break
		}
		idx = i
	}
	if idx < 0 {
		return Entry[T]{}, false
	}
	last := h.entries[idx]
	h.entries = h.entries[idx+1:]
	last.Tick = t
	h.entries = append([]Entry[T]{last}, h.entries...)
	return last, true
}

// ClearUntil is PopUntil without caring about the drained value.
func (h *History[T]) ClearUntil(t Tick) {
	h.PopUntil(t)
}

// ClearExcept collapses the history to the single entry that t resolves
// to, re-stamped at t. Used once a rollback target has been fully applied
// and older entries are provably unneeded.
func (h *History[T]) ClearExcept(t Tick) {
	e, ok := h.at(t)
	if !ok {
		h.entries = h.entries[:0]
		return
	}
	e.Tick = t
	h.entries = append(h.entries[:0], e)
}

// Clear drops everything, used when tracking stops.
func (h *History[T]) Clear() {
	h.entries = h.entries[:0]
}

// UpdateTicks shifts every stored tick by a signed delta. Only needed when
// the clock itself is renumbered on a resync, never in normal operation.
func (h *History[T]) UpdateTicks(delta int16) {
	for i := range h.entries {
		h.entries[i].Tick = h.entries[i].Tick.Add(delta)
	}
}
