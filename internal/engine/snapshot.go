package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chronos/internal/filter"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/hnsw"
	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/internal/snapshot"
	"github.com/hupe1980/chronos/model"
)

// SnapshotHandle is the engine state captured at one log position. It can
// be serialized any number of times until it is closed. Applies continue
// while it is open.
type SnapshotHandle struct {
	e           *Engine
	pos         uint64
	keys        *keydir.Directory
	release     func()
	view        *hnsw.View
	filters     *filter.Set
	segments    []snapshot.SegmentInfo
	liveFrom    model.SegmentID
	compression snapshot.Compression
	closed      atomic.Bool
}

// BeginSnapshot captures the current state. Applies are paused only while
// the capture is taken; serialization happens in WriteTo.
func (e *Engine) BeginSnapshot() (*SnapshotHandle, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if err := e.failure(); err != nil {
		return nil, err
	}
	return e.captureLocked(), nil
}

func (e *Engine) captureLocked() *SnapshotHandle {
	pos := e.lastApplied.Load()
	keys := e.keys.Load()
	e.handles.Add(1)
	h := &SnapshotHandle{
		e:           e,
		pos:         pos,
		keys:        keys,
		release:     keys.Pin(pos),
		view:        e.index.Load().Freeze(),
		filters:     e.filters.Load().Clone(),
		liveFrom:    e.store.LiveFrom(),
		compression: e.compression,
	}
	for _, info := range e.store.Segments() {
		if info.Live {
			h.segments = append(h.segments, snapshot.SegmentInfo{ID: info.ID, BaseTx: info.BaseTx, Size: info.Size})
		}
	}
	return h
}

// Position returns the log position the snapshot reflects.
func (h *SnapshotHandle) Position() uint64 { return h.pos }

// WriteTo serializes the snapshot to w.
func (h *SnapshotHandle) WriteTo(w io.Writer) (int64, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()
	n, err := h.write(w)
	h.e.metrics.OnSnapshot(n, time.Since(start), err)
	return n, err
}

// Bytes serializes the snapshot into memory.
func (h *SnapshotHandle) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close releases the captured state.
func (h *SnapshotHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.release()
	if h.e.handles.Add(-1) == 0 && h.e.prunePending.Load() && !h.e.closed.Load() {
		h.e.pruneSuperseded()
	}
	return nil
}

func (h *SnapshotHandle) write(w io.Writer) (int64, error) {
	keys := h.keys.Keys(h.pos)
	opts := h.view.Options()

	sw, err := snapshot.NewWriter(w, h.compression)
	if err != nil {
		return 0, err
	}
	err = sw.WriteHeader(snapshot.Header{
		Position:       h.pos,
		Dimension:      opts.Dimension,
		Metric:         opts.Metric,
		M:              opts.M,
		EfConstruction: opts.EfConstruction,
		EfSearch:       opts.EfSearch,
		Records:        uint64(len(keys)),
	})
	if err != nil {
		return 0, err
	}

	locs := make([]model.Location, 0, len(keys))
	err = sw.WriteRecords(func(yield func(model.Record, error) bool) {
		for _, key := range keys {
			ent, ok := h.keys.Get(key, h.pos)
			if !ok {
				yield(model.Record{}, fmt.Errorf("snapshot: key %s missing from pinned directory", key))
				return
			}
			rec, _, err := h.e.store.ReadRecord(ent.Loc)
			if err != nil {
				yield(model.Record{}, err)
				return
			}
			locs = append(locs, ent.Loc)
			if !yield(rec, nil) {
				return
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if err := sw.WriteIndex(h.view); err != nil {
		return 0, err
	}
	filters, err := h.filters.MarshalBinary()
	if err != nil {
		return 0, err
	}
	err = sw.WriteLayout(snapshot.Layout{
		LiveFrom:  h.liveFrom,
		Segments:  h.segments,
		Locations: locs,
		Filters:   filters,
	})
	if err != nil {
		return 0, err
	}
	return sw.Close()
}

// Checkpoint writes a local snapshot and the meta file so that a restart
// only replays entries after the current position.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer e.rc.ReleaseBackground()

	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	e.applyMu.Lock()
	if err := e.failure(); err != nil {
		e.applyMu.Unlock()
		return err
	}
	h := e.captureLocked()
	e.applyMu.Unlock()
	defer h.Close()

	return e.persistCheckpoint(h)
}

// persistCheckpoint writes h as snapshot.bin followed by meta. The caller
// holds checkpointMu.
func (e *Engine) persistCheckpoint(h *SnapshotHandle) (err error) {
	start := time.Now()
	defer func() { e.metrics.OnCheckpoint(time.Since(start), err) }()

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	// Every record up to the captured position must be durable before meta
	// claims it.
	if err := e.store.Sync(); err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(e.fs, filepath.Join(e.dir, snapshotFile), buf.Bytes()); err != nil {
		return fmt.Errorf("%w: write checkpoint: %v", ErrStorageIO, err)
	}
	if err := writeMeta(e.fs, e.dir, meta{LastApplied: h.pos, SnapshotPos: h.pos, LiveFrom: h.liveFrom}); err != nil {
		return err
	}
	e.checkpointed.Store(h.pos)
	e.logger.Info("checkpoint written", "position", h.pos, "bytes", buf.Len(), "duration", time.Since(start))
	return nil
}

// decoded is a fully read and validated snapshot.
type decoded struct {
	header  snapshot.Header
	records []model.Record
	index   *hnsw.Index
	layout  snapshot.Layout
}

// directory builds a key directory from the snapshot records and their
// layout locations.
func (d *decoded) directory() *keydir.Directory {
	keys := keydir.New()
	for i := range d.records {
		rec := &d.records[i]
		keys.Put(rec.Key, keydir.Entry{Tx: rec.TxTime, Loc: d.layout.Locations[i], Deleted: rec.Tombstone})
	}
	return keys
}

func formatError(err error) error {
	if errors.Is(err, ErrSnapshotFormatMismatch) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSnapshotFormatMismatch, err)
}

// decodeSnapshot reads and validates a snapshot against the local index
// parameters.
func (e *Engine) decodeSnapshot(data []byte) (*decoded, error) {
	r, err := snapshot.NewReaderBytes(data)
	if err != nil {
		return nil, formatError(err)
	}
	h, err := r.Header()
	if err != nil {
		return nil, formatError(err)
	}
	want := e.index.Load().Options()
	if h.Dimension != want.Dimension || h.Metric != want.Metric || h.M != want.M ||
		h.EfConstruction != want.EfConstruction || h.EfSearch != want.EfSearch {
		return nil, fmt.Errorf("%w: snapshot index %s/%d M=%d efC=%d efS=%d, local %s/%d M=%d efC=%d efS=%d",
			ErrSnapshotFormatMismatch,
			h.Metric, h.Dimension, h.M, h.EfConstruction, h.EfSearch,
			want.Metric, want.Dimension, want.M, want.EfConstruction, want.EfSearch)
	}

	d := &decoded{header: h, records: make([]model.Record, 0, h.Records)}
	for rec, err := range r.Records() {
		if err != nil {
			return nil, formatError(err)
		}
		d.records = append(d.records, rec)
	}
	ir, err := r.Index()
	if err != nil {
		return nil, formatError(err)
	}
	if d.index, err = hnsw.ReadIndex(ir, &want); err != nil {
		return nil, formatError(err)
	}
	if d.layout, err = r.Layout(); err != nil {
		return nil, formatError(err)
	}
	return d, nil
}
