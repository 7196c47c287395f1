package hnsw

import (
	"slices"

	"github.com/hupe1980/chronos/model"
)

const (
	chunkBits = 6
	chunkSize = 1 << chunkBits
	chunkMask = chunkSize - 1

	pageBits = 7
	pageSize = 1 << pageBits
	pageMask = pageSize - 1

	slotsPerPage = chunkSize * pageSize
)

// node is immutable once published. Changing its links means storing a new
// node in the same slot.
type node struct {
	key   model.Key
	level int
	vec   []float32
	links [][]int32
}

// withLinks returns a copy of n with layer l replaced.
func (n *node) withLinks(l int, links []int32) *node {
	c := *n
	c.links = slices.Clone(n.links)
	c.links[l] = links
	return &c
}

type chunk struct {
	gen   uint64
	nodes [chunkSize]*node
}

type page struct {
	gen    uint64
	chunks [pageSize]*chunk
}

// root is one published version of the graph. Published roots and
// everything reachable from them are never modified.
type root struct {
	gen      uint64
	pages    []*page
	entry    int32
	maxLevel int
	next     int32
	count    int
}

func emptyRoot() *root {
	return &root{entry: -1, maxLevel: -1}
}

// node returns the node in slot, or nil for removed and unused slots.
func (r *root) node(slot int32) *node {
	if slot < 0 || slot >= r.next {
		return nil
	}
	p := int(slot) / slotsPerPage
	if p >= len(r.pages) || r.pages[p] == nil {
		return nil
	}
	c := r.pages[p].chunks[(int(slot)>>chunkBits)&pageMask]
	if c == nil {
		return nil
	}
	return c.nodes[int(slot)&chunkMask]
}

// txn is a private working copy of a root. Pages and chunks are copied the
// first time an operation writes to them and are then owned by the txn.
type txn struct {
	r *root
}

func begin(base *root) *txn {
	r := *base
	r.gen = base.gen + 1
	r.pages = slices.Clone(base.pages)
	return &txn{r: &r}
}

func (t *txn) node(slot int32) *node { return t.r.node(slot) }

func (t *txn) set(slot int32, n *node) {
	p := int(slot) / slotsPerPage
	for len(t.r.pages) <= p {
		t.r.pages = append(t.r.pages, nil)
	}
	pg := t.r.pages[p]
	switch {
	case pg == nil:
		pg = &page{gen: t.r.gen}
		t.r.pages[p] = pg
	case pg.gen != t.r.gen:
		cp := *pg
		cp.gen = t.r.gen
		pg = &cp
		t.r.pages[p] = pg
	}

	ci := (int(slot) >> chunkBits) & pageMask
	ch := pg.chunks[ci]
	switch {
	case ch == nil:
		ch = &chunk{gen: t.r.gen}
		pg.chunks[ci] = ch
	case ch.gen != t.r.gen:
		cp := *ch
		cp.gen = t.r.gen
		ch = &cp
		pg.chunks[ci] = ch
	}
	ch.nodes[int(slot)&chunkMask] = n
}

// commit returns the finished root, ready to publish.
func (t *txn) commit() *root {
	r := t.r
	t.r = nil
	return r
}
