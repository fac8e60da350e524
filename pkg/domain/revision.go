package domain

import "sync/atomic"

// Revision tracks modification state with two monotonic counters instead of
// a boolean flag. An entity is dirty iff its modification count exceeds the
// count observed by the last successful save, which stays correct when the
// entity is mutated concurrently with a save in flight.
type Revision struct {
	mod   atomic.Int64
	saved atomic.Int64
}

// Touch records one in-memory mutation.
func (r *Revision) Touch() { r.mod.Add(1) }

// ModCount returns the current modification count. Savers capture it before
// serializing and pass it back to MarkSaved after commit.
func (r *Revision) ModCount() int64 { return r.mod.Load() }

// MarkSaved records that state at modification count mod has been persisted.
// The saved counter only moves forward.
func (r *Revision) MarkSaved(mod int64) {
	for {
		cur := r.saved.Load()
		if mod <= cur {
			return
		}
		if r.saved.CompareAndSwap(cur, mod) {
			return
		}
	}
}

// MarkClean marks the entity saved at its current modification count.
func (r *Revision) MarkClean() { r.MarkSaved(r.mod.Load()) }

// Dirty reports whether there are mutations not yet persisted.
func (r *Revision) Dirty() bool { return r.mod.Load() > r.saved.Load() }
