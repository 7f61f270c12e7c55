package messaging

import (
	"sync"
)

// offsetTracker decides which offset is safe to commit for one partition.
// Workers finish out of order, but a commit asserts that everything below it
// is done, so the tracker only advances the commit point across a contiguous
// run of completed offsets.
type offsetTracker struct {
	mu sync.Mutex

	// next is the lowest offset not yet known to be done.
	next int64

	// done holds completed offsets at or above next that are still waiting
	// for the gap below them to fill.
	done map[int64]struct{}

	// committed is the last offset handed out for commit.
	committed int64
}

// newOffsetTracker starts tracking at the given first offset.
func newOffsetTracker(start int64) *offsetTracker {
	return &offsetTracker{
		next:      start,
		committed: start,
		done:      make(map[int64]struct{}),
	}
}

// MarkDone records a terminal outcome for the offset and advances the commit
// point across any contiguous run it completes.
func (t *offsetTracker) MarkDone(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset < t.next {
		return
	}
	t.done[offset] = struct{}{}
	for {
		if _, ok := t.done[t.next]; !ok {
			break
		}
		delete(t.done, t.next)
		t.next++
	}
}

// Committable returns the offset to commit (the first not-yet-done offset)
// and whether it is ahead of the last recorded commit.
func (t *offsetTracker) Committable() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next, t.next != t.committed
}

// MarkCommitted records that a commit at the given offset succeeded.
func (t *offsetTracker) MarkCommitted(offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if offset > t.committed {
		t.committed = offset
	}
}

// Pending returns how many completed offsets are stuck behind a gap, plus
// how far the commit point is ahead of the last commit.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.done) + int(t.next-t.committed)
}
