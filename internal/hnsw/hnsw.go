package hnsw

import (
	"encoding/binary"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/searcher"
	"github.com/hupe1980/chronos/model"
)

// Index is an HNSW graph. Mutations are serialized internally; searches are
// lock-free.
type Index struct {
	opts    Options
	dist    distance.Func
	mL      float64
	mmax    int
	mmax0   int
	current atomic.Pointer[root]

	mu sync.Mutex // serializes mutations

	slotsMu sync.RWMutex
	slots   map[model.Key]int32
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return newIndex(opts.normalized(), emptyRoot())
}

func newIndex(opts Options, r *root) (*Index, error) {
	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}
	h := &Index{
		opts:  opts,
		dist:  dist,
		mL:    1 / math.Log(float64(opts.M)),
		mmax:  opts.M,
		mmax0: 2 * opts.M,
		slots: make(map[model.Key]int32),
	}
	for slot := int32(0); slot < r.next; slot++ {
		if n := r.node(slot); n != nil {
			h.slots[n.key] = slot
		}
	}
	h.current.Store(r)
	return h, nil
}

// Options returns the index configuration.
func (h *Index) Options() Options { return h.opts }

// Len returns the number of indexed keys.
func (h *Index) Len() int { return h.current.Load().count }

// Contains reports whether key is indexed.
func (h *Index) Contains(key model.Key) bool {
	h.slotsMu.RLock()
	defer h.slotsMu.RUnlock()
	_, ok := h.slots[key]
	return ok
}

// Freeze returns an immutable view of the current graph.
func (h *Index) Freeze() *View {
	return &View{r: h.current.Load(), opts: h.opts, dist: h.dist}
}

// Search returns up to k nearest keys to q, ascending by distance.
func (h *Index) Search(q []float32, k int) ([]Result, error) {
	return h.Freeze().Search(q, k)
}

// Insert adds key with vector v. Inserting a key that is already indexed
// replaces its vector.
func (h *Index) Insert(key model.Key, v []float32) error {
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	vec := distance.Prepare(h.opts.Metric, v)

	h.mu.Lock()
	defer h.mu.Unlock()

	t := begin(h.current.Load())
	h.slotsMu.RLock()
	slot, exists := h.slots[key]
	h.slotsMu.RUnlock()

	if exists {
		// Detach and relink in the same slot.
		level := t.node(slot).level
		h.detach(t, slot)
		h.link(t, slot, &node{key: key, level: level, vec: vec})
	} else {
		slot = t.r.next
		t.r.next++
		h.link(t, slot, &node{key: key, level: h.levelFor(key), vec: vec})
		t.r.count++
	}
	h.current.Store(t.commit())

	if !exists {
		h.slotsMu.Lock()
		h.slots[key] = slot
		h.slotsMu.Unlock()
	}
	return nil
}

// Remove deletes key from the graph. Removing an unknown key returns
// ErrKeyNotFound.
func (h *Index) Remove(key model.Key) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.slotsMu.RLock()
	slot, ok := h.slots[key]
	h.slotsMu.RUnlock()
	if !ok {
		return ErrKeyNotFound
	}

	t := begin(h.current.Load())
	h.detach(t, slot)
	t.r.count--
	h.current.Store(t.commit())

	h.slotsMu.Lock()
	delete(h.slots, key)
	h.slotsMu.Unlock()
	return nil
}

// Vector returns the stored (prepared) vector of key.
func (h *Index) Vector(key model.Key) ([]float32, bool) {
	h.slotsMu.RLock()
	slot, ok := h.slots[key]
	h.slotsMu.RUnlock()
	if !ok {
		return nil, false
	}
	n := h.current.Load().node(slot)
	if n == nil {
		return nil, false
	}
	return n.vec, true
}

// levelFor derives the node layer from the key: floor(-ln(u) * mL) with u
// uniform in (0, 1] drawn from splitmix64 of the key.
func (h *Index) levelFor(key model.Key) int {
	x := splitmix64(binary.LittleEndian.Uint64(key[0:8]) ^ binary.LittleEndian.Uint64(key[8:16]))
	u := float64((x>>11)+1) / (1 << 53)
	level := int(math.Floor(-math.Log(u) * h.mL))
	return min(level, MaxLevel)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (h *Index) maxLinks(level int) int {
	if level == 0 {
		return h.mmax0
	}
	return h.mmax
}

// link wires n into slot. The node's own links are computed before it is
// stored; back-links follow. Nothing is visible until the txn is published.
func (h *Index) link(t *txn, slot int32, n *node) {
	n.links = make([][]int32, n.level+1)
	r := t.r
	if r.entry < 0 {
		for l := range n.links {
			n.links[l] = []int32{}
		}
		t.set(slot, n)
		r.entry, r.maxLevel = slot, n.level
		return
	}

	s := searcher.Get()
	defer searcher.Put(s)

	ep := r.entry
	epDist := h.dist(n.vec, t.node(ep).vec)
	for l := r.maxLevel; l > n.level; l-- {
		ep, epDist = greedy(h.dist, t.r, n.vec, ep, epDist, l)
	}

	for l := min(n.level, r.maxLevel); l >= 0; l-- {
		searchLayer(h.dist, s, t.r, n.vec, ep, epDist, l, h.opts.EfConstruction, slot)
		cands := drainAscending(s.Results, s.Scratch[:0])
		s.Scratch = cands
		if len(cands) == 0 {
			n.links[l] = []int32{}
			continue
		}
		ep, epDist = cands[0].Node, cands[0].Distance

		selected := h.selectNeighbors(t.r, cands, h.maxLinks(l))
		links := make([]int32, len(selected))
		for i, c := range selected {
			links[i] = c.Node
		}
		n.links[l] = links
	}
	for l := range n.links {
		if n.links[l] == nil {
			n.links[l] = []int32{}
		}
	}
	t.set(slot, n)

	for l := min(n.level, r.maxLevel); l >= 0; l-- {
		for _, nb := range n.links[l] {
			h.addBackLink(t, nb, slot, l)
		}
	}

	if n.level > r.maxLevel {
		r.entry, r.maxLevel = slot, n.level
	}
}

// addBackLink adds slot to the layer-l list of from. On overflow the
// farthest neighbor is evicted.
func (h *Index) addBackLink(t *txn, from, slot int32, l int) {
	fn := t.node(from)
	if fn == nil || l > fn.level || slices.Contains(fn.links[l], slot) {
		return
	}
	links := append(slices.Clone(fn.links[l]), slot)
	if len(links) > h.maxLinks(l) {
		worst, worstDist := 0, h.dist(fn.vec, t.node(links[0]).vec)
		for i := 1; i < len(links); i++ {
			id := links[i]
			d := h.dist(fn.vec, t.node(id).vec)
			if d > worstDist || (d == worstDist && id > links[worst]) {
				worst, worstDist = i, d
			}
		}
		links = slices.Delete(links, worst, worst+1)
	}
	t.set(from, fn.withLinks(l, links))
}

// detach clears slot and removes every inbound link to it, repairing the
// affected lists from the removed node's neighbors. The entry point is
// replaced when it was the removed node.
func (h *Index) detach(t *txn, slot int32) {
	gone := t.node(slot)
	t.set(slot, nil)
	r := t.r

	for id := int32(0); id < r.next; id++ {
		n := t.node(id)
		if n == nil {
			continue
		}
		for l := 0; l <= n.level && l <= gone.level; l++ {
			i := slices.Index(n.links[l], slot)
			if i < 0 {
				continue
			}
			t.set(id, h.repaired(t, n, id, l, i, gone.links[l]))
			n = t.node(id)
		}
	}

	if r.entry == slot {
		r.entry, r.maxLevel = -1, -1
		for id := int32(0); id < r.next; id++ {
			if n := t.node(id); n != nil && n.level > r.maxLevel {
				r.entry, r.maxLevel = id, n.level
			}
		}
	}
}

// repaired returns n with link idx on layer l dropped and the list refilled
// from its remaining links plus the removed node's links.
func (h *Index) repaired(t *txn, n *node, id int32, l, idx int, extra []int32) *node {
	kept := slices.Delete(slices.Clone(n.links[l]), idx, idx+1)

	cands := make([]searcher.PriorityQueueItem, 0, len(kept)+len(extra))
	seen := make(map[int32]struct{}, len(kept)+len(extra))
	for _, c := range slices.Concat(kept, extra) {
		if c == id {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		cn := t.node(c)
		if cn == nil || cn.level < l {
			continue
		}
		seen[c] = struct{}{}
		cands = append(cands, searcher.PriorityQueueItem{Node: c, Distance: h.dist(n.vec, cn.vec)})
	}
	sortItems(cands)

	selected := h.selectNeighbors(t.r, cands, h.maxLinks(l))
	links := make([]int32, len(selected))
	for i, c := range selected {
		links[i] = c.Node
	}
	return n.withLinks(l, links)
}

// selectNeighbors applies the relative-neighborhood heuristic to cands
// (ascending) and tops up with the nearest rejected candidates.
func (h *Index) selectNeighbors(r *root, cands []searcher.PriorityQueueItem, m int) []searcher.PriorityQueueItem {
	if len(cands) <= m {
		return slices.Clone(cands)
	}
	result := make([]searcher.PriorityQueueItem, 0, m)
	var rejected []searcher.PriorityQueueItem
	for _, c := range cands {
		if len(result) >= m {
			break
		}
		cv := r.node(c.Node).vec
		good := true
		for _, s := range result {
			if h.dist(cv, r.node(s.Node).vec) < c.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, c)
		} else {
			rejected = append(rejected, c)
		}
	}
	for _, c := range rejected {
		if len(result) >= m {
			break
		}
		result = append(result, c)
	}
	return result
}

// greedy walks layer l towards q from ep until no neighbor is closer.
func greedy(dist distance.Func, r *root, q []float32, ep int32, epDist float32, l int) (int32, float32) {
	for changed := true; changed; {
		changed = false
		n := r.node(ep)
		if n == nil || l > n.level {
			break
		}
		for _, nb := range n.links[l] {
			nn := r.node(nb)
			if nn == nil {
				continue
			}
			d := dist(q, nn.vec)
			if d < epDist || (d == epDist && nb < ep) {
				ep, epDist, changed = nb, d, true
			}
		}
	}
	return ep, epDist
}

// searchLayer runs a beam search of width ef on layer l. Results are left
// in s.Results. skip is never added to the results.
func searchLayer(dist distance.Func, s *searcher.Searcher, r *root, q []float32, ep int32, epDist float32, l, ef int, skip int32) {
	s.Visited.Reset()
	s.Results.Reset()
	s.Candidates.Reset()

	s.Visited.Visit(ep)
	s.Candidates.PushItem(searcher.PriorityQueueItem{Node: ep, Distance: epDist})
	if ep != skip {
		s.Results.PushItem(searcher.PriorityQueueItem{Node: ep, Distance: epDist})
	}

	for s.Candidates.Len() > 0 {
		curr, _ := s.Candidates.PopItem()
		if worst, ok := s.Results.TopItem(); ok && s.Results.Len() >= ef && worst.Less(curr) {
			break
		}
		n := r.node(curr.Node)
		if n == nil || l > n.level {
			continue
		}
		for _, nb := range n.links[l] {
			if !s.Visited.Visit(nb) {
				continue
			}
			nn := r.node(nb)
			if nn == nil {
				continue
			}
			d := dist(q, nn.vec)
			s.Ops++
			item := searcher.PriorityQueueItem{Node: nb, Distance: d}
			if worst, ok := s.Results.TopItem(); ok && s.Results.Len() >= ef && worst.Less(item) {
				continue
			}
			s.Candidates.PushItem(item)
			if nb != skip {
				s.Results.PushItemBounded(item, ef)
			}
		}
	}
}

// drainAscending empties a max-heap into buf in ascending order.
func drainAscending(pq *searcher.PriorityQueue, buf []searcher.PriorityQueueItem) []searcher.PriorityQueueItem {
	for pq.Len() > 0 {
		it, _ := pq.PopItem()
		buf = append(buf, it)
	}
	slices.Reverse(buf)
	return buf
}

func sortItems(items []searcher.PriorityQueueItem) {
	slices.SortFunc(items, func(a, b searcher.PriorityQueueItem) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}
