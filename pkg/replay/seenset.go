package replay

import "sync"

// SeenSet is the "seen-with-holes" progress register described by
// spec.md's data model: a contiguous upper bound plus a sparse set of
// ids above it that have already been applied out of order, so that ids
// committed late (a transaction that reserved an id before the current
// fetch window but committed after it) are detected as holes rather than
// silently skipped.
type SeenSet struct {
	mu         sync.Mutex
	contiguous int64
	// scanned is the highest id included in any fetch window completed so
	// far -- distinct from contiguous, which only advances once an id is
	// actually marked applied. Holes are only ever looked for below
	// scanned: an id above it has simply never been fetched yet, which is
	// the main fetch's job, not a hole re-probe's.
	scanned int64
	applied map[int64]struct{}
}

// NewSeenSet returns an empty set whose contiguous bound starts at
// floor (typically snapshot_max_id).
func NewSeenSet(floor int64) *SeenSet {
	return &SeenSet{contiguous: floor, scanned: floor, applied: make(map[int64]struct{})}
}

// Mark records id as applied and advances the contiguous bound past any
// run of consecutive applied ids immediately above it.
func (s *SeenSet) Mark(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= s.contiguous {
		return
	}
	s.applied[id] = struct{}{}
	for {
		next := s.contiguous + 1
		if _, ok := s.applied[next]; !ok {
			break
		}
		delete(s.applied, next)
		s.contiguous = next
	}
}

// ContiguousUpTo returns the highest id below which every id is known
// to have been applied.
func (s *SeenSet) ContiguousUpTo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contiguous
}

// ScannedUpTo returns the highest id included in any fetch window
// completed so far.
func (s *SeenSet) ScannedUpTo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned
}

// AdvanceScanned records that every id up to upTo has now been included
// in a fetch window, regardless of whether every row in it has been
// applied yet. Called once a fetch completes, before its rows are
// grouped and executed, so a hole left by a failed or partial pass is
// re-probed by id on the next pass rather than silently re-fetched by
// range (which would hand RunPass the same rows twice).
func (s *SeenSet) AdvanceScanned(upTo int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo > s.scanned {
		s.scanned = upTo
	}
}

// Holes returns the ids in (ContiguousUpTo(), min(ScannedUpTo(), upTo)]
// that have not yet been marked applied -- candidates for a
// late-committing transaction whose row was still invisible when its
// fetch window was scanned, or for an id left over from an earlier
// pass that failed partway through execution. Only ids already covered
// by a completed fetch window are returned; an id above the scanned
// high-water mark has simply never been fetched yet, which is the main
// fetch's job in RunPass, not a hole re-probe's -- conflating the two
// would hand the same id to both queries in the same pass.
func (s *SeenSet) Holes(upTo int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound := s.scanned
	if upTo < bound {
		bound = upTo
	}
	var holes []int64
	for id := s.contiguous + 1; id <= bound; id++ {
		if _, ok := s.applied[id]; !ok {
			holes = append(holes, id)
		}
	}
	return holes
}
