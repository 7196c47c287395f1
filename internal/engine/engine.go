package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/cache"
	"github.com/hupe1980/chronos/internal/filter"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/hnsw"
	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/internal/resource"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/internal/snapshot"
	"github.com/hupe1980/chronos/model"
)

type failure struct{ err error }

// Engine is the replicated state machine of one node.
type Engine struct {
	dir     string
	fs      fs.FileSystem
	logger  *slog.Logger
	metrics MetricsObserver
	rc      *resource.Controller

	durability         segment.Durability
	flushInterval      time.Duration
	segmentCapacity    int64
	indexOpts          hnsw.Options
	compression        snapshot.Compression
	snapshotThreshold  uint64
	historyRetention   int
	compactionInterval time.Duration
	cacheBytes         int64

	store *segment.Store
	cache *cache.LRU
	dist  distance.Func

	keys    atomic.Pointer[keydir.Directory]
	index   atomic.Pointer[hnsw.Index]
	filters atomic.Pointer[filter.Set]

	// rewrite is the rewrite in progress. It receives segment seals and the
	// records applied while it copies. Set and cleared with applyMu held.
	rewrite atomic.Pointer[rewriter]

	// Lock order: checkpointMu before applyMu.
	checkpointMu sync.Mutex
	applyMu      sync.Mutex

	lastApplied  atomic.Uint64
	checkpointed atomic.Uint64 // position of the checkpoint on disk
	mutations    atomic.Uint64 // appends since the last compaction
	failed       atomic.Pointer[failure]

	// Superseded segment files stay until no snapshot handle can read them.
	handles      atomic.Int64
	prunePending atomic.Bool

	// readMu is held shared while a reader resolves and decodes segment
	// locations, and exclusively while superseded segments are deleted.
	readMu sync.RWMutex

	locateScans atomic.Uint64

	repairMu sync.Mutex
	repair   map[model.Key]struct{}

	checkpointCh chan struct{}
	closeCh      chan struct{}
	wg           sync.WaitGroup
	closed       atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc

	// afterAppend runs between the append and the in-memory update.
	afterAppend func(*model.Record) error
	// afterCopy runs once a compaction has copied its chains, before it
	// catches up.
	afterCopy func()
}

// Open opens or creates the engine in dir and recovers its state: the local
// checkpoint is loaded if present and valid, then every record after its
// position is replayed from the segments.
func Open(dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:               dir,
		fs:                fs.Default,
		metrics:           NoopMetricsObserver{},
		durability:        segment.DurabilityStrict,
		segmentCapacity:   segment.DefaultCapacity,
		indexOpts:         defaultIndexOptions(),
		compression:       snapshot.CompressionZSTD,
		snapshotThreshold: DefaultSnapshotThreshold,
		cacheBytes:        DefaultRecordCacheBytes,
		repair:            make(map[model.Key]struct{}),
		checkpointCh:      make(chan struct{}, 1),
		closeCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.logger = e.logger.With("component", "engine")
	if e.metrics == nil {
		e.metrics = NoopMetricsObserver{}
	}
	e.indexOpts.Dimension = model.Dim

	dist, err := distance.Provider(e.indexOpts.Metric)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	e.dist = dist

	idx, err := e.newIndex()
	if err != nil {
		return nil, err
	}
	e.publish(keydir.New(), idx, filter.NewSet())

	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorageIO, err)
	}
	m, err := readMeta(e.fs, dir)
	if err != nil {
		return nil, err
	}

	if e.cacheBytes > 0 {
		e.cache = cache.NewLRU(e.cacheBytes, e.rc)
	}
	e.store, err = segment.Open(filepath.Join(dir, segmentsDir), segment.Options{
		Capacity:      e.segmentCapacity,
		Durability:    e.durability,
		FlushInterval: e.flushInterval,
		LiveFrom:      m.LiveFrom,
		OnSeal:        e.onSeal,
		Cache:         e.cache,
		FS:            e.fs,
		Logger:        e.logger,
	})
	if err != nil {
		return nil, err
	}

	if err := e.recover(m); err != nil {
		_ = e.store.Close()
		return nil, err
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	if e.snapshotThreshold > 0 {
		e.wg.Add(1)
		go e.runCheckpointLoop()
	}
	if e.historyRetention > 0 && e.compactionInterval > 0 {
		e.wg.Add(1)
		go e.runCompactionLoop()
	}
	return e, nil
}

func (e *Engine) newIndex() (*hnsw.Index, error) {
	opts := e.indexOpts
	return hnsw.New(func(o *hnsw.Options) { *o = opts })
}

// recover rebuilds the in-memory state from the checkpoint and segments.
func (e *Engine) recover(m meta) error {
	start := time.Now()

	var from uint64
	data, err := fs.ReadFile(e.fs, filepath.Join(e.dir, snapshotFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("%w: read checkpoint: %v", ErrStorageIO, err)
	default:
		if from, err = e.loadCheckpoint(data, m); err != nil {
			e.logger.Warn("discarding local checkpoint, replaying segments", "error", err)
			idx, ierr := e.newIndex()
			if ierr != nil {
				return ierr
			}
			e.publish(keydir.New(), idx, filter.NewSet())
			from = 0
		}
	}

	pruned, err := e.store.PruneSuperseded()
	if err != nil {
		e.logger.Warn("pruning superseded segments", "error", err)
	}
	e.filters.Load().Prune(e.store.LiveFrom())

	replayed, last, err := e.replay(from)
	if err != nil {
		return err
	}
	e.finalizeSealed(e.filters.Load())
	e.lastApplied.Store(max(m.LastApplied, from, last))
	e.checkpointed.Store(from)
	e.checkIndex()

	e.logger.Info("recovered",
		"checkpoint", from,
		"replayed", replayed,
		"last_applied", e.lastApplied.Load(),
		"keys", e.keys.Load().Len(),
		"pruned_segments", pruned,
		"duration", time.Since(start))
	return nil
}

// loadCheckpoint adopts a locally written snapshot and returns its position.
func (e *Engine) loadCheckpoint(data []byte, m meta) (uint64, error) {
	snap, err := e.decodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	liveFrom := max(m.LiveFrom, snap.layout.LiveFrom)
	for _, loc := range snap.layout.Locations {
		if loc.Segment < liveFrom {
			return 0, fmt.Errorf("checkpoint references superseded segment %d", loc.Segment)
		}
	}
	for _, s := range snap.layout.Segments {
		if size, ok := e.store.Size(s.ID); !ok || size < s.Size {
			return 0, fmt.Errorf("checkpoint references missing data in segment %d", s.ID)
		}
	}
	set := filter.NewSet()
	if err := set.UnmarshalBinary(snap.layout.Filters); err != nil {
		return 0, err
	}
	e.store.Supersede(liveFrom)
	e.publish(snap.directory(), snap.index, set)
	if m.SnapshotPos != 0 && m.SnapshotPos != snap.header.Position {
		e.logger.Debug("checkpoint position differs from meta",
			"checkpoint", snap.header.Position, "meta", m.SnapshotPos)
	}
	return snap.header.Position, nil
}

// replay applies every record with a position above after, in segment
// order. Versions the directory already holds are not applied again; a
// later copy of the newest version only moves the entry to the copy, whose
// chain is the one a rewrite keeps.
func (e *Engine) replay(after uint64) (n int, last uint64, err error) {
	segs := e.store.Segments()
	for i, info := range segs {
		if !info.Live {
			continue
		}
		// Records of a segment never exceed the base position of its successor.
		if i+1 < len(segs) && segs[i+1].BaseTx > 0 && segs[i+1].BaseTx <= after {
			continue
		}
		for item, err := range e.store.Iterate(info.ID) {
			if err != nil {
				return n, last, err
			}
			rec, flags, err := segment.DecodeRecord(item.Body)
			if err != nil {
				return n, last, &segment.CorruptRecordError{Location: item.Loc, Reason: err.Error()}
			}
			if rec.TxTime <= after {
				continue
			}
			if cur, ok := e.keys.Load().Latest(rec.Key); ok && cur.Tx >= rec.TxTime {
				e.filters.Load().Insert(rec.Key, item.Loc.Segment)
				if cur.Tx == rec.TxTime && cur.Loc != item.Loc {
					e.keys.Load().Put(rec.Key, keydir.Entry{Tx: rec.TxTime, Loc: item.Loc, Deleted: rec.Tombstone})
				}
				continue
			}
			if err := e.applyRecord(&rec, item.Loc, flags); err != nil {
				return n, last, fmt.Errorf("replay %s: %w", item.Loc, err)
			}
			n++
			last = max(last, rec.TxTime)
		}
	}
	return n, last, nil
}

// applyRecord updates directory, filter and index for an appended record.
func (e *Engine) applyRecord(rec *model.Record, loc model.Location, flags segment.Flags) error {
	e.keys.Load().Put(rec.Key, keydir.Entry{Tx: rec.TxTime, Loc: loc, Deleted: rec.Tombstone})
	e.filters.Load().Insert(rec.Key, loc.Segment)
	if w := e.rewrite.Load(); w != nil {
		w.track(rec.Key, loc.Segment)
	}

	idx := e.index.Load()
	switch {
	case rec.Tombstone:
		if idx.Contains(rec.Key) {
			return idx.Remove(rec.Key)
		}
	case flags&segment.FlagVectorChanged != 0 || !idx.Contains(rec.Key):
		if err := idx.Insert(rec.Key, rec.Vector); err != nil {
			return err
		}
		e.unflag(rec.Key)
	}
	return nil
}

func (e *Engine) publish(keys *keydir.Directory, idx *hnsw.Index, set *filter.Set) {
	e.keys.Store(keys)
	e.index.Store(idx)
	e.filters.Store(set)
}

func (e *Engine) onSeal(id model.SegmentID) {
	set := e.filters.Load()
	if w := e.rewrite.Load(); w != nil {
		set = w.set
	}
	set.Finalize(id)
	e.metrics.OnSegmentSealed(id)
}

// pruneSuperseded deletes superseded segment files unless an open snapshot
// handle may still read them, in which case the last handle to close does it.
// Reads in flight finish before any file is unmapped.
func (e *Engine) pruneSuperseded() {
	if e.handles.Load() > 0 {
		e.prunePending.Store(true)
		return
	}
	e.prunePending.Store(false)
	e.readMu.Lock()
	n, err := e.store.PruneSuperseded()
	e.readMu.Unlock()
	if err != nil {
		e.logger.Warn("pruning superseded segments", "error", err)
	} else if n > 0 {
		e.logger.Debug("pruned superseded segments", "count", n)
	}
}

// finalizeSealed finalizes the filters of sealed segments that were still
// open when the filter set was captured.
func (e *Engine) finalizeSealed(set *filter.Set) {
	for _, info := range e.store.Segments() {
		if info.Live && info.Sealed && !set.Finalized(info.ID) {
			set.Finalize(info.ID)
		}
	}
}

// checkIndex flags live keys missing from the index when the counts differ.
func (e *Engine) checkIndex() {
	keys, idx := e.keys.Load(), e.index.Load()
	if keys.Live() == idx.Len() {
		return
	}
	for key, ent := range keys.All(math.MaxUint64) {
		if !ent.Deleted && !idx.Contains(key) {
			e.flag(key)
		}
	}
}

func (e *Engine) flag(key model.Key) {
	e.repairMu.Lock()
	_, seen := e.repair[key]
	e.repair[key] = struct{}{}
	e.repairMu.Unlock()
	if !seen {
		e.logger.Warn("live key missing from vector index", "key", key)
		e.metrics.OnIndexInconsistency(key)
	}
}

func (e *Engine) unflag(key model.Key) {
	e.repairMu.Lock()
	delete(e.repair, key)
	e.repairMu.Unlock()
}

func (e *Engine) flagged() []model.Key {
	e.repairMu.Lock()
	defer e.repairMu.Unlock()
	if len(e.repair) == 0 {
		return nil
	}
	out := make([]model.Key, 0, len(e.repair))
	for k := range e.repair {
		out = append(out, k)
	}
	return out
}

// failure returns the sticky error of a failed engine.
func (e *Engine) failure() error {
	if f := e.failed.Load(); f != nil {
		return f.err
	}
	return nil
}

// fail puts the engine into the failed state.
func (e *Engine) fail(pos uint64, cause error) error {
	err := fmt.Errorf("%w: %w at position %d: %v", ErrFailed, ErrDeterminismViolation, pos, cause)
	if e.failed.CompareAndSwap(nil, &failure{err: err}) {
		e.logger.Error("engine failed", "position", pos, "error", cause)
		e.metrics.OnFatal(err)
	}
	return e.failure()
}

// ready reports whether the engine can serve requests.
func (e *Engine) ready() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.failure()
}

// LastApplied returns the highest applied log position.
func (e *Engine) LastApplied() uint64 { return e.lastApplied.Load() }

// Dir returns the data directory.
func (e *Engine) Dir() string { return e.dir }

// Segments describes the segment files.
func (e *Engine) Segments() []segment.Info { return e.store.Segments() }

// SegmentRecords counts the records stored in segment id.
func (e *Engine) SegmentRecords(id model.SegmentID) (int, error) {
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	n := 0
	for _, err := range e.store.Iterate(id) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Stats returns a point-in-time description of the engine.
func (e *Engine) Stats() Stats {
	keys := e.keys.Load()
	st := Stats{
		LastApplied:    e.lastApplied.Load(),
		Keys:           keys.Len(),
		LiveKeys:       keys.Live(),
		IndexedKeys:    e.index.Load().Len(),
		PendingRepairs: len(e.flagged()),
		Segments:       len(e.store.Segments()),
		LiveFrom:       e.store.LiveFrom(),
		Filter:         e.filters.Load().Stats(),
		LocateScans:    e.locateScans.Load(),
		Failed:         e.failure() != nil,
	}
	if e.cache != nil {
		st.CacheHits, st.CacheMisses = e.cache.Stats()
	}
	return st
}

func (e *Engine) runCheckpointLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.checkpointCh:
			if err := e.Checkpoint(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("background checkpoint failed", "error", err)
			}
		}
	}
}

func (e *Engine) runCompactionLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.compactionInterval)
	defer t.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-t.C:
			if e.mutations.Load() == 0 {
				continue
			}
			if err := e.Compact(e.ctx, e.historyRetention); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("background compaction failed", "error", err)
			}
		}
	}
}

// maybeCheckpoint wakes the checkpointer once enough entries were applied.
func (e *Engine) maybeCheckpoint() {
	if e.snapshotThreshold == 0 {
		return
	}
	if e.lastApplied.Load()-e.checkpointed.Load() < e.snapshotThreshold {
		return
	}
	select {
	case e.checkpointCh <- struct{}{}:
	default:
	}
}

// Close stops background work, writes a final checkpoint when the engine is
// healthy and closes the segment store.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.cancel()
	close(e.closeCh)
	e.wg.Wait()

	var errs []error
	e.checkpointMu.Lock()
	e.applyMu.Lock()
	var h *SnapshotHandle
	if e.failure() == nil && e.store.Err() == nil && e.lastApplied.Load() > e.checkpointed.Load() {
		h = e.captureLocked()
	}
	e.applyMu.Unlock()
	if h != nil {
		errs = append(errs, e.persistCheckpoint(h))
		_ = h.Close()
	}
	e.checkpointMu.Unlock()

	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}
