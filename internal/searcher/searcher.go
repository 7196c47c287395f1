package searcher

import "sync"

// Searcher owns the scratch memory of one graph search. It is not safe for
// concurrent use; take one from the pool per search.
type Searcher struct {
	// Visited tracks visited nodes during graph traversal.
	Visited *VisitedSet
	// Results is a max-heap holding the best ef nodes found so far.
	Results *PriorityQueue
	// Candidates is a min-heap of nodes still to expand.
	Candidates *PriorityQueue
	// Scratch is a reusable buffer for neighbor selection.
	Scratch []PriorityQueueItem
	// Ops counts distance evaluations.
	Ops int
}

var pool = sync.Pool{
	New: func() any { return NewSearcher(1024) },
}

// NewSearcher creates a searcher whose visited set starts at visitedCap
// nodes.
func NewSearcher(visitedCap int) *Searcher {
	return &Searcher{
		Visited:    NewVisitedSet(visitedCap),
		Results:    NewPriorityQueue(true),
		Candidates: NewPriorityQueue(false),
		Scratch:    make([]PriorityQueueItem, 0, 64),
	}
}

// Get returns a reset Searcher from the pool.
func Get() *Searcher {
	s := pool.Get().(*Searcher)
	s.Reset()
	return s
}

// Put returns s to the pool.
func Put(s *Searcher) {
	pool.Put(s)
}

// Reset clears the searcher for reuse.
func (s *Searcher) Reset() {
	s.Visited.Reset()
	s.Results.Reset()
	s.Candidates.Reset()
	s.Scratch = s.Scratch[:0]
	s.Ops = 0
}
