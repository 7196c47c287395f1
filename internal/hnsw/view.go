package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/searcher"
	"github.com/hupe1980/chronos/model"
)

const (
	indexMagic   = "CHRHNSW1"
	indexVersion = 1
)

// View is an immutable version of the graph. It stays valid and unchanged
// while the index it came from keeps being modified.
type View struct {
	r    *root
	opts Options
	dist distance.Func
}

// Options returns the parameters of the graph.
func (v *View) Options() Options { return v.opts }

// Len returns the number of indexed keys.
func (v *View) Len() int { return v.r.count }

// Keys yields the indexed keys in slot order.
func (v *View) Keys(yield func(model.Key) bool) {
	for slot := int32(0); slot < v.r.next; slot++ {
		if n := v.r.node(slot); n != nil && !yield(n.key) {
			return
		}
	}
}

// Search returns up to k nearest keys to q, ascending by distance with
// ties broken by slot.
func (v *View) Search(q []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q) != v.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: v.opts.Dimension, Actual: len(q)}
	}
	r := v.r
	if r.entry < 0 {
		return nil, nil
	}
	q = distance.Prepare(v.opts.Metric, q)

	s := searcher.Get()
	defer searcher.Put(s)

	ep := r.entry
	epDist := v.dist(q, r.node(ep).vec)
	for l := r.maxLevel; l > 0; l-- {
		ep, epDist = greedy(v.dist, r, q, ep, epDist, l)
	}
	searchLayer(v.dist, s, r, q, ep, epDist, 0, max(v.opts.EfSearch, k), -1)

	items := drainAscending(s.Results, s.Scratch[:0])
	s.Scratch = items
	n := min(k, len(items))
	out := make([]Result, n)
	for i := range out {
		out[i] = Result{Key: r.node(items[i].Node).key, Distance: items[i].Distance, Slot: items[i].Node}
	}
	return out, nil
}

// Stats returns per-layer statistics.
func (v *View) Stats() Stats {
	r := v.r
	st := Stats{Nodes: r.count, Slots: int(r.next), Entry: r.entry, MaxLevel: r.maxLevel}
	if r.maxLevel >= 0 {
		st.Levels = make([]LevelStats, r.maxLevel+1)
		for l := range st.Levels {
			st.Levels[l].Level = l
		}
	}
	for slot := int32(0); slot < r.next; slot++ {
		n := r.node(slot)
		if n == nil {
			st.Removed++
			continue
		}
		for l := 0; l <= n.level; l++ {
			st.Levels[l].Nodes++
			st.Levels[l].Connections += len(n.links[l])
		}
	}
	for i := range st.Levels {
		if st.Levels[i].Nodes > 0 {
			st.Levels[i].AvgConnections = float64(st.Levels[i].Connections) / float64(st.Levels[i].Nodes)
		}
	}
	return st
}

// WriteTo serializes the full graph. The encoding depends only on the
// graph contents.
//
//	magic | version u8 | metric u8 | dim u16 | M u16 | efC u32 | efS u32 |
//	entry i32 | maxLevel i32 | next i32 | count u32 |
//	removed-slot bitmap (len u32 + roaring) |
//	per live slot: key 16 | level u8 | vec dim*f32 | per layer: n u16 + n*i32
func (v *View) WriteTo(w io.Writer) (int64, error) {
	r := v.r
	cw := &countingWriter{w: bufio.NewWriterSize(w, 64<<10)}

	removed := roaring.New()
	for slot := int32(0); slot < r.next; slot++ {
		if r.node(slot) == nil {
			removed.Add(uint32(slot))
		}
	}
	removed.RunOptimize()
	rb, err := removed.ToBytes()
	if err != nil {
		return 0, err
	}

	hdr := make([]byte, 0, 64)
	hdr = append(hdr, indexMagic...)
	hdr = append(hdr, indexVersion, byte(v.opts.Metric))
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(v.opts.Dimension))
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(v.opts.M))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(v.opts.EfConstruction))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(v.opts.EfSearch))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(r.entry))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(int32(r.maxLevel)))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(r.next))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(r.count))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(rb)))
	cw.write(hdr)
	cw.write(rb)

	buf := make([]byte, 0, 16+1+4*v.opts.Dimension+256)
	for slot := int32(0); slot < r.next; slot++ {
		n := r.node(slot)
		if n == nil {
			continue
		}
		buf = buf[:0]
		buf = append(buf, n.key[:]...)
		buf = append(buf, byte(n.level))
		for _, f := range n.vec {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
		for _, links := range n.links {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(links)))
			for _, id := range links {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
			}
		}
		cw.write(buf)
	}
	if cw.err == nil {
		cw.err = cw.w.(*bufio.Writer).Flush()
	}
	return cw.n, cw.err
}

// ReadIndex rebuilds an index from data written by View.WriteTo. want, if
// non-nil, must match the serialized metric and dimension.
func ReadIndex(rd io.Reader, want *Options) (*Index, error) {
	br := bufio.NewReaderSize(rd, 64<<10)
	hdr := make([]byte, len(indexMagic)+2+2+2+4+4+4+4+4+4+4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptIndex, err)
	}
	if string(hdr[:8]) != indexMagic || hdr[8] != indexVersion {
		return nil, fmt.Errorf("%w: magic or version", ErrFormatMismatch)
	}
	p := hdr[9:]
	opts := Options{Metric: distance.Metric(p[0])}
	opts.Dimension = int(binary.LittleEndian.Uint16(p[1:]))
	opts.M = int(binary.LittleEndian.Uint16(p[3:]))
	opts.EfConstruction = int(binary.LittleEndian.Uint32(p[5:]))
	opts.EfSearch = int(binary.LittleEndian.Uint32(p[9:]))
	if want != nil && (want.Metric != opts.Metric || want.Dimension != opts.Dimension) {
		return nil, fmt.Errorf("%w: index is %s/%d, want %s/%d",
			ErrFormatMismatch, opts.Metric, opts.Dimension, want.Metric, want.Dimension)
	}
	if opts.M < minimumM || opts.Dimension <= 0 {
		return nil, fmt.Errorf("%w: bad parameters", ErrCorruptIndex)
	}

	r := emptyRoot()
	r.entry = int32(binary.LittleEndian.Uint32(p[13:]))
	r.maxLevel = int(int32(binary.LittleEndian.Uint32(p[17:])))
	next := int32(binary.LittleEndian.Uint32(p[21:]))
	count := int(binary.LittleEndian.Uint32(p[25:]))
	rlen := binary.LittleEndian.Uint32(p[29:])
	if next < 0 || rlen > 1<<30 || r.maxLevel > MaxLevel {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptIndex)
	}

	rb := make([]byte, rlen)
	if _, err := io.ReadFull(br, rb); err != nil {
		return nil, fmt.Errorf("%w: removed set: %v", ErrCorruptIndex, err)
	}
	removed := roaring.New()
	if err := removed.UnmarshalBinary(rb); err != nil {
		return nil, fmt.Errorf("%w: removed set: %v", ErrCorruptIndex, err)
	}
	if uint64(next)-removed.GetCardinality() != uint64(count) {
		return nil, fmt.Errorf("%w: %d slots, %d removed, count %d",
			ErrCorruptIndex, next, removed.GetCardinality(), count)
	}

	t := begin(r)
	t.r.next = next
	fixed := make([]byte, 16+1+4*opts.Dimension)
	var u16 [2]byte
	for slot := int32(0); slot < next; slot++ {
		if removed.Contains(uint32(slot)) {
			continue
		}
		if _, err := io.ReadFull(br, fixed); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrCorruptIndex, slot, err)
		}
		n := &node{level: int(fixed[16])}
		copy(n.key[:], fixed[:16])
		if n.level > MaxLevel {
			return nil, fmt.Errorf("%w: slot %d level %d", ErrCorruptIndex, slot, n.level)
		}
		n.vec = make([]float32, opts.Dimension)
		for i := range n.vec {
			n.vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(fixed[17+4*i:]))
		}
		n.links = make([][]int32, n.level+1)
		for l := range n.links {
			if _, err := io.ReadFull(br, u16[:]); err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrCorruptIndex, slot, err)
			}
			cnt := int(binary.LittleEndian.Uint16(u16[:]))
			if cnt > 2*opts.M {
				return nil, fmt.Errorf("%w: slot %d has %d links", ErrCorruptIndex, slot, cnt)
			}
			raw := make([]byte, 4*cnt)
			if _, err := io.ReadFull(br, raw); err != nil {
				return nil, fmt.Errorf("%w: slot %d: %v", ErrCorruptIndex, slot, err)
			}
			links := make([]int32, cnt)
			for i := range links {
				links[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
				if links[i] < 0 || links[i] >= next {
					return nil, fmt.Errorf("%w: slot %d links to %d", ErrCorruptIndex, slot, links[i])
				}
			}
			n.links[l] = links
		}
		t.set(slot, n)
	}
	r = t.commit()
	r.count = count
	if count > 0 && r.node(r.entry) == nil {
		return nil, fmt.Errorf("%w: entry point %d missing", ErrCorruptIndex, r.entry)
	}
	return newIndex(opts, r)
}

// FromView returns a new index whose state is v.
func FromView(v *View) (*Index, error) {
	return newIndex(v.opts, v.r)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}
