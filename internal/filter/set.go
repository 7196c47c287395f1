package filter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/chronos/model"
)

const (
	setMagic   = 0x43465354 // "CFST"
	setVersion = 1

	// aggregateInitial is the capacity of the first aggregate stage.
	aggregateInitial = 1 << 14
)

// Stats tracks filter effectiveness.
type Stats struct {
	Queries    uint64 // segment and aggregate queries
	Negatives  uint64 // queries answered "definitely absent"
	Segments   int    // segments with a filter
	Finalized  int    // segments with an immutable compact filter
	SizeBytes  int    // bloom bytes including the aggregate
	OpenKeys   int    // distinct keys tracked for open segments
	AggregateN uint64 // keys inserted into the aggregate
}

// segmentFilter is the filter of one segment. While the segment is open it
// tracks its distinct keys exactly; Finalize turns it into a compact bloom.
type segmentFilter struct {
	keys  map[model.Key]struct{}
	bloom *Bloom
}

func (f *segmentFilter) mightContain(key model.Key) bool {
	if f.bloom != nil {
		return f.bloom.MightContain(key[:])
	}
	_, ok := f.keys[key]
	return ok
}

// Set holds the per-segment filters plus an aggregate over all live
// segments. It is safe for concurrent use.
type Set struct {
	mu       sync.RWMutex
	segments map[model.SegmentID]*segmentFilter

	// aggregate is a scalable bloom: a new stage twice as large is started
	// when the current one reaches its design capacity.
	aggregate []*Bloom
	stageCap  []uint32
	aggN      uint64

	queries   atomic.Uint64
	negatives atomic.Uint64
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{segments: make(map[model.SegmentID]*segmentFilter)}
}

// Insert records that key has a version in segment seg.
func (s *Set) Insert(key model.Key, seg model.SegmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.segments[seg]
	if f == nil {
		f = &segmentFilter{keys: make(map[model.Key]struct{})}
		s.segments[seg] = f
	}
	if f.bloom != nil {
		// Segment already finalized; keep the filter sound anyway.
		f.bloom.Add(key[:])
	} else {
		f.keys[key] = struct{}{}
	}
	s.addAggregate(key)
}

func (s *Set) addAggregate(key model.Key) {
	n := len(s.aggregate)
	if n == 0 || s.aggregate[n-1].Count() >= s.stageCap[n-1] {
		c := uint32(aggregateInitial)
		if n > 0 {
			c = s.stageCap[n-1] * 2
		}
		s.aggregate = append(s.aggregate, NewBloomForSize(int(c)))
		s.stageCap = append(s.stageCap, c)
		n++
	}
	s.aggregate[n-1].Add(key[:])
	s.aggN++
}

// MightContain reports whether segment seg may hold a version of key. A
// segment without a filter is reported as possibly containing the key.
func (s *Set) MightContain(key model.Key, seg model.SegmentID) bool {
	s.queries.Add(1)
	s.mu.RLock()
	f := s.segments[seg]
	ok := f == nil || f.mightContain(key)
	s.mu.RUnlock()
	if !ok {
		s.negatives.Add(1)
	}
	return ok
}

// MightContainAny reports whether any live segment may hold key.
func (s *Set) MightContainAny(key model.Key) bool {
	s.queries.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.aggregate {
		if b.MightContain(key[:]) {
			return true
		}
	}
	s.negatives.Add(1)
	return false
}

// Candidates returns the subset of segs that may hold key, in order.
func (s *Set) Candidates(key model.Key, segs []model.SegmentID) []model.SegmentID {
	var out []model.SegmentID
	for _, id := range segs {
		if s.MightContain(key, id) {
			out = append(out, id)
		}
	}
	return out
}

// Finalize replaces the exact key set of seg with a bloom sized for its
// distinct key count. Finalizing twice is a no-op.
func (s *Set) Finalize(seg model.SegmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.segments[seg]
	if f == nil {
		f = &segmentFilter{}
		s.segments[seg] = f
	}
	if f.bloom != nil {
		return
	}
	f.bloom = buildBloom(f.keys)
	f.keys = nil
}

// Finalized reports whether seg has an immutable filter.
func (s *Set) Finalized(seg model.SegmentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f := s.segments[seg]
	return f != nil && f.bloom != nil
}

// Prune drops the filters of segments below liveFrom.
func (s *Set) Prune(liveFrom model.SegmentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.segments {
		if id < liveFrom {
			delete(s.segments, id)
		}
	}
}

// Segments returns the ids with a filter, ascending.
func (s *Set) Segments() []model.SegmentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.segments))
}

// Stats returns a snapshot of the filter statistics.
func (s *Set) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Queries:    s.queries.Load(),
		Negatives:  s.negatives.Load(),
		Segments:   len(s.segments),
		AggregateN: s.aggN,
	}
	for _, f := range s.segments {
		if f.bloom != nil {
			st.Finalized++
			st.SizeBytes += f.bloom.SizeBytes()
		} else {
			st.OpenKeys += len(f.keys)
		}
	}
	for _, b := range s.aggregate {
		st.SizeBytes += b.SizeBytes()
	}
	return st
}

// Clone returns a deep copy. Counters start from zero.
func (s *Set) Clone() *Set {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := NewSet()
	for id, f := range s.segments {
		cf := &segmentFilter{}
		if f.bloom != nil {
			cf.bloom = f.bloom.Clone()
		} else {
			cf.keys = maps.Clone(f.keys)
		}
		c.segments[id] = cf
	}
	for _, b := range s.aggregate {
		c.aggregate = append(c.aggregate, b.Clone())
	}
	c.stageCap = slices.Clone(s.stageCap)
	c.aggN = s.aggN
	return c
}

// MarshalBinary encodes the set deterministically: segments ascending, open
// segment keys sorted.
//
//	magic u32 | version u8 | nseg u32 |
//	  { id u32 | kind u8 (0 open, 1 bloom) | keys or bloom } ... |
//	nstage u32 | { cap u32 | bloom } ... | aggN u64
func (s *Set) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := binary.LittleEndian.AppendUint32(nil, setMagic)
	buf = append(buf, setVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.segments)))
	for _, id := range slices.Sorted(maps.Keys(s.segments)) {
		f := s.segments[id]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(id))
		if f.bloom != nil {
			buf = append(buf, 1)
			buf = f.bloom.AppendBinary(buf)
			continue
		}
		buf = append(buf, 0)
		keys := sortedKeys(f.keys)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(keys)))
		for _, k := range keys {
			buf = append(buf, k[:]...)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.aggregate)))
	for i, b := range s.aggregate {
		buf = binary.LittleEndian.AppendUint32(buf, s.stageCap[i])
		buf = b.AppendBinary(buf)
	}
	buf = binary.LittleEndian.AppendUint64(buf, s.aggN)
	return buf, nil
}

// UnmarshalBinary replaces the contents of s with data produced by
// MarshalBinary.
func (s *Set) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorruptedBloom, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != setMagic || hdr[4] != setVersion {
		return fmt.Errorf("%w: bad magic or version", ErrCorruptedBloom)
	}
	nseg := binary.LittleEndian.Uint32(hdr[5:])

	segments := make(map[model.SegmentID]*segmentFilter, min(nseg, 1<<16))
	for range nseg {
		var sh [5]byte
		if _, err := io.ReadFull(r, sh[:]); err != nil {
			return fmt.Errorf("%w: segment header: %v", ErrCorruptedBloom, err)
		}
		id := model.SegmentID(binary.LittleEndian.Uint32(sh[0:]))
		switch sh[4] {
		case 1:
			b, err := ReadBloom(r)
			if err != nil {
				return fmt.Errorf("%w: segment %d: %v", ErrCorruptedBloom, id, err)
			}
			segments[id] = &segmentFilter{bloom: b}
		case 0:
			var nb [4]byte
			if _, err := io.ReadFull(r, nb[:]); err != nil {
				return fmt.Errorf("%w: segment %d: %v", ErrCorruptedBloom, id, err)
			}
			n := binary.LittleEndian.Uint32(nb[:])
			if int64(n)*16 > int64(r.Len()) {
				return fmt.Errorf("%w: segment %d: key count %d", ErrCorruptedBloom, id, n)
			}
			keys := make(map[model.Key]struct{}, n)
			for range n {
				var k model.Key
				if _, err := io.ReadFull(r, k[:]); err != nil {
					return fmt.Errorf("%w: segment %d: %v", ErrCorruptedBloom, id, err)
				}
				keys[k] = struct{}{}
			}
			segments[id] = &segmentFilter{keys: keys}
		default:
			return fmt.Errorf("%w: segment %d: kind %d", ErrCorruptedBloom, id, sh[4])
		}
	}

	var nb [4]byte
	if _, err := io.ReadFull(r, nb[:]); err != nil {
		return fmt.Errorf("%w: aggregate: %v", ErrCorruptedBloom, err)
	}
	nstage := binary.LittleEndian.Uint32(nb[:])
	if nstage > 32 {
		return fmt.Errorf("%w: %d aggregate stages", ErrCorruptedBloom, nstage)
	}
	aggregate := make([]*Bloom, 0, nstage)
	stageCap := make([]uint32, 0, nstage)
	for range nstage {
		if _, err := io.ReadFull(r, nb[:]); err != nil {
			return fmt.Errorf("%w: aggregate: %v", ErrCorruptedBloom, err)
		}
		b, err := ReadBloom(r)
		if err != nil {
			return fmt.Errorf("%w: aggregate: %v", ErrCorruptedBloom, err)
		}
		stageCap = append(stageCap, binary.LittleEndian.Uint32(nb[:]))
		aggregate = append(aggregate, b)
	}
	var nn [8]byte
	if _, err := io.ReadFull(r, nn[:]); err != nil {
		return fmt.Errorf("%w: aggregate: %v", ErrCorruptedBloom, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptedBloom, r.Len())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = segments
	s.aggregate = aggregate
	s.stageCap = stageCap
	s.aggN = binary.LittleEndian.Uint64(nn[:])
	return nil
}

func buildBloom(keys map[model.Key]struct{}) *Bloom {
	b := NewBloomForSize(len(keys))
	for _, k := range sortedKeys(keys) {
		b.Add(k[:])
	}
	return b
}

func sortedKeys(keys map[model.Key]struct{}) []model.Key {
	return slices.SortedFunc(maps.Keys(keys), func(a, b model.Key) int {
		return bytes.Compare(a[:], b[:])
	})
}
