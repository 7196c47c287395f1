package keydir

import (
	"bytes"
	"iter"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/chronos/model"
)

const numShards = 64

// Entry is one version of a directory entry.
type Entry struct {
	Tx      uint64
	Loc     model.Location
	Deleted bool
}

type version struct {
	Entry
	next atomic.Pointer[version]
}

type chain struct {
	head atomic.Pointer[version]
}

// at returns the newest version with Tx <= tx.
func (c *chain) at(tx uint64) *version {
	for v := c.head.Load(); v != nil; v = v.next.Load() {
		if v.Tx <= tx {
			return v
		}
	}
	return nil
}

type shard struct {
	mu sync.RWMutex
	m  map[model.Key]*chain
}

// Directory is the key directory. Put must be called from a single writer;
// Get, Keys and All are safe concurrently with it.
type Directory struct {
	shards [numShards]shard

	pinMu sync.Mutex
	pins  map[uint64]int

	keys atomic.Int64
	live atomic.Int64
}

// New returns an empty directory.
func New() *Directory {
	d := &Directory{pins: make(map[uint64]int)}
	for i := range d.shards {
		d.shards[i].m = make(map[model.Key]*chain)
	}
	return d
}

func (d *Directory) shardFor(key model.Key) *shard {
	// uuids are random enough in their last byte
	return &d.shards[key[15]%numShards]
}

func (d *Directory) chainFor(key model.Key) *chain {
	s := d.shardFor(key)
	s.mu.RLock()
	c := s.m[key]
	s.mu.RUnlock()
	return c
}

// Get returns the entry of key visible at log position atTx. Deleted
// entries are returned with Deleted set.
func (d *Directory) Get(key model.Key, atTx uint64) (Entry, bool) {
	c := d.chainFor(key)
	if c == nil {
		return Entry{}, false
	}
	v := c.at(atTx)
	if v == nil {
		return Entry{}, false
	}
	return v.Entry, true
}

// Latest returns the newest entry of key.
func (d *Directory) Latest(key model.Key) (Entry, bool) {
	return d.Get(key, math.MaxUint64)
}

// Put publishes a new version of key. Versions that no pinned snapshot can
// observe are dropped.
func (d *Directory) Put(key model.Key, e Entry) {
	s := d.shardFor(key)
	s.mu.Lock()
	c := s.m[key]
	if c == nil {
		c = &chain{}
		s.m[key] = c
		d.keys.Add(1)
	}
	s.mu.Unlock()

	prev := c.head.Load()
	v := &version{Entry: e}
	v.next.Store(prev)
	c.head.Store(v)

	wasLive := prev != nil && !prev.Deleted
	switch {
	case wasLive && e.Deleted:
		d.live.Add(-1)
	case !wasLive && !e.Deleted:
		d.live.Add(1)
	}

	d.prune(v, d.Floor())
}

// prune cuts the chain below the version visible at floor.
func (d *Directory) prune(head *version, floor uint64) {
	for v := head; v != nil; v = v.next.Load() {
		if v.Tx <= floor {
			v.next.Store(nil)
			return
		}
	}
}

// Pin keeps the directory as of tx observable until the returned release
// function is called.
func (d *Directory) Pin(tx uint64) (release func()) {
	d.pinMu.Lock()
	d.pins[tx]++
	d.pinMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.pinMu.Lock()
			defer d.pinMu.Unlock()
			if d.pins[tx]--; d.pins[tx] <= 0 {
				delete(d.pins, tx)
			}
		})
	}
}

// Floor returns the lowest pinned position, or MaxUint64 when nothing is
// pinned.
func (d *Directory) Floor() uint64 {
	d.pinMu.Lock()
	defer d.pinMu.Unlock()
	floor := uint64(math.MaxUint64)
	for tx := range d.pins {
		floor = min(floor, tx)
	}
	return floor
}

// Keys returns the keys with an entry visible at atTx, sorted bytewise.
func (d *Directory) Keys(atTx uint64) []model.Key {
	var out []model.Key
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.RLock()
		for k, c := range s.m {
			if c.at(atTx) != nil {
				out = append(out, k)
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, Compare)
	return out
}

// All yields the entries visible at atTx in key order.
func (d *Directory) All(atTx uint64) iter.Seq2[model.Key, Entry] {
	return func(yield func(model.Key, Entry) bool) {
		for _, k := range d.Keys(atTx) {
			e, ok := d.Get(k, atTx)
			if !ok {
				continue
			}
			if !yield(k, e) {
				return
			}
		}
	}
}

// Len returns the number of keys, including deleted ones.
func (d *Directory) Len() int { return int(d.keys.Load()) }

// Live returns the number of keys whose latest entry is not deleted.
func (d *Directory) Live() int { return int(d.live.Load()) }

// Compare orders keys bytewise.
func Compare(a, b model.Key) int {
	return bytes.Compare(a[:], b[:])
}
