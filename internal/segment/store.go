package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/chronos/internal/cache"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/model"
)

// DefaultCapacity is the nominal segment size.
const DefaultCapacity int64 = 64 << 20

// Options configures a Store.
type Options struct {
	// Capacity is the maximum size of a segment file including its header.
	Capacity int64
	// Durability selects per-append sync or periodic flushing.
	Durability Durability
	// FlushInterval is the relaxed-mode flush period.
	FlushInterval time.Duration
	// LiveFrom is the first segment id on the live scan path. Segments below
	// it are superseded: readable, but excluded from LiveSegments.
	LiveFrom model.SegmentID
	// OnSeal is called on the appending goroutine after a segment is sealed.
	OnSeal func(id model.SegmentID)
	// Cache caches record bodies read from the open segment. Optional.
	Cache *cache.LRU

	FS     fs.FileSystem
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 200 * time.Millisecond
	}
	if o.FS == nil {
		o.FS = fs.Default
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Info describes a segment for diagnostics and snapshot layouts.
type Info struct {
	Header
	Size   int64
	Sealed bool
	Live   bool
}

// Item is one frame yielded by Iterate.
type Item struct {
	Loc  model.Location
	Body []byte
}

type segList struct {
	ordered []*segment
	byID    map[model.SegmentID]*segment
}

func newSegList(ordered []*segment) *segList {
	l := &segList{ordered: ordered, byID: make(map[model.SegmentID]*segment, len(ordered))}
	for _, s := range ordered {
		l.byID[s.header.ID] = s
	}
	return l
}

// Store is the segment store. Appends from several goroutines are
// serialized; reads are safe from any goroutine.
type Store struct {
	dir  string
	opts Options
	log  *slog.Logger

	appendMu sync.Mutex // serializes Append, SealIfFull and Rotate
	lastTx   uint64     // highest tx appended since Open, guarded by appendMu

	mu       sync.Mutex // guards active, dirty, failed against the flusher
	active   *segment
	dirty    bool
	failed   error
	liveFrom atomic.Uint32
	segs     *segList // replaced under mu and closeMu, read under either

	closeMu sync.RWMutex
	closed  atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Open opens the store in dir, recovering the open segment.
func Open(dir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Capacity < HeaderSize+FrameHeaderSize+recordFixedSize {
		return nil, fmt.Errorf("segment capacity %d too small", opts.Capacity)
	}
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create segment dir: %v", ErrStorageIO, err)
	}

	entries, err := opts.FS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list segment dir: %v", ErrStorageIO, err)
	}
	var ids []model.SegmentID
	for _, e := range entries {
		if id, ok := parseFileName(e.Name()); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	s := &Store{
		dir:  dir,
		opts: opts,
		log:  opts.Logger.With("component", "segment"),
		done: make(chan struct{}),
	}
	s.liveFrom.Store(uint32(opts.LiveFrom))

	ordered := make([]*segment, len(ids))
	if len(ids) > 1 {
		g := new(errgroup.Group)
		for i, id := range ids[:len(ids)-1] {
			g.Go(func() error {
				seg, err := openSegment(opts.FS, dir, id, os.O_RDONLY)
				if err != nil {
					return err
				}
				ordered[i] = seg
				if err := seg.seal(); err != nil {
					return fmt.Errorf("%w: map segment %d: %v", ErrStorageIO, id, err)
				}
				size := seg.size.Load()
				end, err := scanFrames(seg.mapping.Load(), size, s.maxBody(seg.header.Capacity), nil)
				if err != nil {
					return err
				}
				if end < size {
					return corrupt(model.Location{Segment: id, Offset: uint32(end)}, "unreadable frame in sealed segment")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			closeAll(ordered)
			return nil, err
		}
	}

	if len(ids) == 0 {
		seg, err := createSegment(opts.FS, dir, Header{ID: 1, Seq: 1, Capacity: opts.Capacity})
		if err != nil {
			return nil, err
		}
		ordered = []*segment{seg}
	} else {
		last := ids[len(ids)-1]
		seg, err := s.recoverActive(last, ordered[:len(ids)-1])
		if err != nil {
			closeAll(ordered)
			return nil, err
		}
		ordered[len(ids)-1] = seg
	}

	s.active = ordered[len(ordered)-1]
	s.segs = newSegList(ordered)

	if opts.Durability == DurabilityRelaxed {
		s.wg.Add(1)
		go s.runFlusher(opts.FlushInterval)
	}
	return s, nil
}

// recoverActive opens the last segment for appends, truncating a torn tail.
// A file too short or with a torn header (crash during creation) is
// recreated.
func (s *Store) recoverActive(id model.SegmentID, sealed []*segment) (*segment, error) {
	seg, err := openSegment(s.opts.FS, s.dir, id, os.O_RDWR)
	if err != nil {
		if !errors.Is(err, ErrInvalidHeader) {
			return nil, err
		}
		s.log.Warn("recreating segment with torn header", "segment", id, "error", err)
		h := Header{ID: id, Seq: uint64(id), Capacity: s.opts.Capacity}
		if n := len(sealed); n > 0 {
			h.Seq = sealed[n-1].header.Seq + 1
		}
		return createSegment(s.opts.FS, s.dir, h)
	}

	size := seg.size.Load()
	good, err := scanFrames(seg.file, size, s.maxBody(seg.header.Capacity), nil)
	if err != nil {
		_ = seg.close()
		return nil, err
	}
	if good < size {
		s.log.Warn("truncating torn segment tail",
			"segment", id, "good", good, "dropped_bytes", size-good)
		if err := seg.file.Truncate(good); err != nil {
			_ = seg.close()
			return nil, fmt.Errorf("%w: truncate segment %d: %v", ErrStorageIO, id, err)
		}
		if err := seg.file.Sync(); err != nil {
			_ = seg.close()
			return nil, fmt.Errorf("%w: sync segment %d: %v", ErrStorageIO, id, err)
		}
		seg.size.Store(good)
	}
	if _, err := seg.file.Seek(good, io.SeekStart); err != nil {
		_ = seg.close()
		return nil, fmt.Errorf("%w: seek segment %d: %v", ErrStorageIO, id, err)
	}
	return seg, nil
}

func (s *Store) maxBody(capacity int64) int64 {
	return capacity - HeaderSize - FrameHeaderSize
}

// MaxRecordSize returns the largest body that fits into an empty segment.
func (s *Store) MaxRecordSize() int {
	return int(s.maxBody(s.opts.Capacity))
}

// Durability returns the configured durability mode.
func (s *Store) Durability() Durability { return s.opts.Durability }

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Append writes body as a new frame and returns its location. tx is the log
// position being applied; it becomes the base position of a segment created
// by this append.
func (s *Store) Append(tx uint64, body []byte) (model.Location, error) {
	if int64(len(body)) > s.maxBody(s.opts.Capacity) {
		return model.Location{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(body))
	}
	if len(body) == 0 {
		return model.Location{}, errors.New("segment: empty record")
	}

	frame := appendFrame(make([]byte, 0, FrameHeaderSize+len(body)), body)
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if _, err := s.sealIfFull(tx, len(frame)); err != nil {
		return model.Location{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return model.Location{}, err
	}

	seg := s.active
	off := seg.size.Load()
	if _, err := seg.file.Write(frame); err != nil {
		return model.Location{}, s.fail(fmt.Errorf("write segment %d: %v", seg.header.ID, err))
	}
	if s.opts.Durability == DurabilityStrict {
		if err := seg.file.Sync(); err != nil {
			return model.Location{}, s.fail(fmt.Errorf("sync segment %d: %v", seg.header.ID, err))
		}
	} else {
		s.dirty = true
	}
	seg.size.Store(off + int64(len(frame)))
	s.lastTx = max(s.lastTx, tx)
	return model.Location{Segment: seg.header.ID, Offset: uint32(off)}, nil
}

// SealIfFull seals the open segment if next more bytes would not fit and
// opens a new one. It reports whether a seal happened.
func (s *Store) SealIfFull(tx uint64, next int) (bool, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	return s.sealIfFull(tx, next)
}

func (s *Store) sealIfFull(tx uint64, next int) (bool, error) {
	s.mu.Lock()
	full := s.active.size.Load()+int64(next) > s.active.header.Capacity
	s.mu.Unlock()
	if !full {
		return false, nil
	}
	return true, s.rotate(tx)
}

// Rotate seals the open segment (even if it has room) and opens a new one.
// An empty open segment is kept as is.
func (s *Store) Rotate(tx uint64) (model.SegmentID, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	s.mu.Lock()
	empty := s.active.size.Load() == HeaderSize
	id := s.active.header.ID
	s.mu.Unlock()
	if empty {
		return id, nil
	}
	if err := s.rotate(tx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.header.ID, nil
}

// rotate seals the open segment. The successor's base position is never
// below a tx already appended. Caller holds appendMu.
func (s *Store) rotate(tx uint64) error {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.active
	if err := old.file.Sync(); err != nil {
		err = s.fail(fmt.Errorf("sync segment %d before seal: %v", old.header.ID, err))
		s.mu.Unlock()
		return err
	}
	s.dirty = false
	if err := old.seal(); err != nil {
		err = s.fail(fmt.Errorf("map segment %d: %v", old.header.ID, err))
		s.mu.Unlock()
		return err
	}

	next, err := createSegment(s.opts.FS, s.dir, Header{
		ID:       old.header.ID + 1,
		Seq:      old.header.Seq + 1,
		BaseTx:   max(tx, s.lastTx),
		Capacity: s.opts.Capacity,
	})
	if err != nil {
		err = s.fail(err)
		s.mu.Unlock()
		return err
	}

	ordered := append(slices.Clone(s.segs.ordered), next)
	s.closeMu.Lock()
	s.segs = newSegList(ordered)
	s.closeMu.Unlock()
	s.active = next
	s.mu.Unlock()

	s.log.Debug("segment sealed", "segment", old.header.ID, "size", old.size.Load(), "next", next.header.ID)
	if s.opts.OnSeal != nil {
		s.opts.OnSeal(old.header.ID)
	}
	return nil
}

// usable reports the sticky failure or closed state. Caller holds mu.
func (s *Store) usable() error {
	if s.failed != nil {
		return s.failed
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// fail records a sticky storage failure. Caller holds mu.
func (s *Store) fail(cause error) error {
	if s.failed == nil {
		s.failed = fmt.Errorf("%w: %v", ErrStorageIO, cause)
		s.log.Error("segment store failed", "error", cause)
	}
	return s.failed
}

// Err returns the sticky failure, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Read returns a copy of the verified body stored at loc.
func (s *Store) Read(loc model.Location) ([]byte, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	body, sealed, err := s.readLocked(loc)
	if err != nil || !sealed {
		return body, err
	}
	return bytes.Clone(body), nil
}

// ReadRecord reads and decodes the record at loc. Decoding happens before
// the segment can be unmapped by PruneSuperseded or Close.
func (s *Store) ReadRecord(loc model.Location) (model.Record, Flags, error) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	body, _, err := s.readLocked(loc)
	if err != nil {
		return model.Record{}, 0, err
	}
	rec, flags, err := DecodeRecord(body)
	if err != nil {
		return model.Record{}, 0, corrupt(loc, "%v", err)
	}
	return rec, flags, nil
}

// readLocked returns the body at loc. Bodies of sealed segments alias the
// mapping. Caller holds closeMu.
func (s *Store) readLocked(loc model.Location) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	seg, ok := s.segs.byID[loc.Segment]
	if !ok {
		return nil, false, fmt.Errorf("%w: %d", ErrNoSuchSegment, loc.Segment)
	}
	sealed := seg.sealed()
	if !sealed && s.opts.Cache != nil {
		if b, ok := s.opts.Cache.Get(loc); ok {
			return b, false, nil
		}
	}
	body, err := seg.frameAt(loc.Offset)
	if err != nil {
		return nil, false, err
	}
	if !sealed && s.opts.Cache != nil {
		s.opts.Cache.Set(loc, body)
	}
	return body, sealed, nil
}

// Iterate lazily yields the frames of segment id in append order, up to the
// size observed when iteration starts. Iteration stops after the first
// error.
func (s *Store) Iterate(id model.SegmentID) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		s.closeMu.RLock()
		if s.closed.Load() {
			s.closeMu.RUnlock()
			yield(Item{}, ErrClosed)
			return
		}
		seg, ok := s.segs.byID[id]
		s.closeMu.RUnlock()
		if !ok {
			yield(Item{}, fmt.Errorf("%w: %d", ErrNoSuchSegment, id))
			return
		}

		size := seg.size.Load()
		var r io.ReaderAt = seg.file
		if m := seg.mapping.Load(); m != nil {
			r = m
		}
		stop := errors.New("stop")
		end, err := scanFrames(r, size, s.maxBody(seg.header.Capacity), func(off uint32, body []byte) error {
			if !yield(Item{Loc: model.Location{Segment: id, Offset: off}, Body: body}, nil) {
				return stop
			}
			return nil
		})
		if errors.Is(err, stop) {
			return
		}
		if err != nil {
			yield(Item{}, err)
			return
		}
		if end < size {
			yield(Item{}, corrupt(model.Location{Segment: id, Offset: uint32(end)}, "unreadable frame before segment end"))
		}
	}
}

// Segments returns information about every segment in creation order.
func (s *Store) Segments() []Info {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	out := make([]Info, 0, len(s.segs.ordered))
	for _, seg := range s.segs.ordered {
		out = append(out, Info{
			Header: seg.header,
			Size:   seg.size.Load(),
			Sealed: seg.sealed(),
			Live:   seg.header.ID >= s.LiveFrom(),
		})
	}
	return out
}

// LiveSegments returns the ids on the live scan path, oldest first.
func (s *Store) LiveSegments() []model.SegmentID {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	var ids []model.SegmentID
	for _, seg := range s.segs.ordered {
		if seg.header.ID >= s.LiveFrom() {
			ids = append(ids, seg.header.ID)
		}
	}
	return ids
}

// Size returns the published size of segment id.
func (s *Store) Size(id model.SegmentID) (int64, bool) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	seg, ok := s.segs.byID[id]
	if !ok {
		return 0, false
	}
	return seg.size.Load(), true
}

// Active returns the id of the open segment.
func (s *Store) Active() model.SegmentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.header.ID
}

// LiveFrom returns the first live segment id.
func (s *Store) LiveFrom() model.SegmentID {
	return model.SegmentID(s.liveFrom.Load())
}

// Supersede moves every segment below id off the live scan path.
func (s *Store) Supersede(id model.SegmentID) {
	if uint32(id) > s.liveFrom.Load() {
		s.liveFrom.Store(uint32(id))
	}
}

// PruneSuperseded deletes superseded segment files. It must only be called
// while no reader holds locations into them, typically right after Open.
func (s *Store) PruneSuperseded() (int, error) {
	liveFrom := s.LiveFrom()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeMu.Lock()
	var keep, drop []*segment
	for _, seg := range s.segs.ordered {
		if seg.header.ID < liveFrom && seg != s.active {
			drop = append(drop, seg)
		} else {
			keep = append(keep, seg)
		}
	}
	s.segs = newSegList(keep)
	s.closeMu.Unlock()

	var errs []error
	for _, seg := range drop {
		errs = append(errs, seg.close(), s.opts.FS.Remove(seg.path))
		s.log.Info("pruned superseded segment", "segment", seg.header.ID)
	}
	if s.opts.Cache != nil && len(drop) > 0 {
		s.opts.Cache.Invalidate(func(loc model.Location) bool { return loc.Segment < liveFrom })
	}
	errs = append(errs, fs.SyncDir(s.dir))
	return len(drop), errors.Join(errs...)
}

// Sync flushes the open segment to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *Store) syncLocked() error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.active.file.Sync(); err != nil {
		return s.fail(fmt.Errorf("sync segment %d: %v", s.active.header.ID, err))
	}
	s.dirty = false
	return nil
}

func (s *Store) runFlusher(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.mu.Lock()
			if s.dirty && s.failed == nil {
				_ = s.syncLocked()
			}
			s.mu.Unlock()
		}
	}
}

// WaitDurable blocks until every append so far is on stable storage. In
// strict mode this returns immediately.
func (s *Store) WaitDurable(ctx context.Context) error {
	if s.opts.Durability == DurabilityStrict {
		return s.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Sync()
}

// Close flushes and closes all segments.
func (s *Store) Close() error {
	s.mu.Lock()
	var syncErr error
	if s.failed == nil && s.dirty {
		if err := s.active.file.Sync(); err != nil {
			syncErr = fmt.Errorf("%w: final sync: %v", ErrStorageIO, err)
		}
	}
	s.mu.Unlock()

	s.closeMu.Lock()
	if s.closed.Load() {
		s.closeMu.Unlock()
		return ErrClosed
	}
	s.closed.Store(true)
	segs := s.segs.ordered
	s.closeMu.Unlock()

	close(s.done)
	s.wg.Wait()

	errs := []error{syncErr}
	for _, seg := range segs {
		errs = append(errs, seg.close())
	}
	return errors.Join(errs...)
}

func closeAll(segs []*segment) {
	for _, seg := range segs {
		if seg != nil {
			_ = seg.close()
		}
	}
}
