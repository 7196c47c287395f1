package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/chronos/internal/filter"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// Install modes.
const (
	installCurrent   = "current"
	installAdopt     = "adopt"
	installRehydrate = "rehydrate"
)

// InstallSnapshot replaces the engine state with the snapshot read from r.
// A non-zero pos must match the snapshot's position. Installing clears a
// failed state.
//
// When the local segments already hold the snapshot's records at the
// recorded locations the snapshot is adopted in place; otherwise its
// records are rewritten into fresh segments together with any older local
// history of the same keys.
func (e *Engine) InstallSnapshot(r io.Reader, pos uint64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	data, err := io.ReadAll(r)
	if err != nil {
		err = fmt.Errorf("read snapshot: %w", err)
		e.metrics.OnInstall("", time.Since(start), err)
		return err
	}

	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	mode, h, err := e.install(data, pos)
	if err == nil && h != nil {
		err = e.persistCheckpoint(h)
		_ = h.Close()
		if err == nil {
			e.pruneSuperseded()
		}
	}
	e.metrics.OnInstall(mode, time.Since(start), err)
	if err != nil {
		e.logger.Error("snapshot install failed", "mode", mode, "error", err)
		return err
	}
	e.logger.Info("snapshot installed",
		"mode", mode,
		"position", e.lastApplied.Load(),
		"bytes", len(data),
		"duration", time.Since(start))
	return nil
}

// install applies the snapshot under applyMu and returns a capture of the
// new state to checkpoint, or nil when nothing changed.
func (e *Engine) install(data []byte, pos uint64) (string, *SnapshotHandle, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if e.closed.Load() {
		return "", nil, ErrClosed
	}
	d, err := e.decodeSnapshot(data)
	if err != nil {
		return "", nil, err
	}
	n := d.header.Position
	if pos != 0 && pos != n {
		return "", nil, fmt.Errorf("%w: snapshot position %d, expected %d", ErrSnapshotFormatMismatch, n, pos)
	}

	matches := e.layoutMatches(d)
	failed := e.failure() != nil
	mode := installRehydrate
	switch {
	case matches && !failed && e.lastApplied.Load() >= n:
		return installCurrent, nil, nil
	case matches && !failed:
		mode = installAdopt
		err = e.adopt(d)
	default:
		err = e.rehydrate(d)
	}
	if err != nil {
		return mode, nil, err
	}

	e.failed.Store(nil)
	e.repairMu.Lock()
	clear(e.repair)
	e.repairMu.Unlock()
	e.checkIndex()
	return mode, e.captureLocked(), nil
}

// layoutMatches reports whether every snapshot record can be found in the
// local segments at the location the snapshot recorded for it.
func (e *Engine) layoutMatches(d *decoded) bool {
	if len(d.layout.Locations) != len(d.records) {
		return false
	}
	liveFrom := e.store.LiveFrom()
	for _, s := range d.layout.Segments {
		if s.ID < liveFrom {
			return false
		}
		if size, ok := e.store.Size(s.ID); !ok || size < s.Size {
			return false
		}
	}
	for i, loc := range d.layout.Locations {
		if loc.Segment < liveFrom {
			return false
		}
		body, err := e.store.Read(loc)
		if err != nil {
			return false
		}
		key, tx, ok := segment.PeekKeyTx(body)
		if !ok || key != d.records[i].Key || tx != d.records[i].TxTime {
			return false
		}
	}
	return true
}

// adopt takes over the snapshot state in place and replays the local
// records after it.
func (e *Engine) adopt(d *decoded) error {
	set := filter.NewSet()
	if err := set.UnmarshalBinary(d.layout.Filters); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotFormatMismatch, err)
	}
	e.store.Supersede(max(e.store.LiveFrom(), d.layout.LiveFrom))
	set.Prune(e.store.LiveFrom())
	e.publish(d.directory(), d.index, set)
	e.lastApplied.Store(d.header.Position)

	n, last, err := e.replay(d.header.Position)
	if err != nil {
		return err
	}
	e.finalizeSealed(set)
	e.lastApplied.Store(max(d.header.Position, last))
	e.logger.Debug("adopted snapshot", "position", d.header.Position, "replayed", n)
	return nil
}

// rehydrate rewrites the snapshot records into fresh segments. Local
// versions older than a snapshot record stay reachable from its copy.
func (e *Engine) rehydrate(d *decoded) error {
	n := d.header.Position
	old := e.keys.Load()
	limit := -1
	if e.historyRetention > 0 {
		limit = e.historyRetention - 1
	}

	w, err := e.beginRewrite(e.ctx, n)
	if err != nil {
		return err
	}
	defer e.endRewrite()

	for i := range d.records {
		rec := d.records[i]
		var chain []model.Record
		if ent, ok := old.Latest(rec.Key); ok {
			var err error
			if chain, err = w.older(ent.Loc, rec.TxTime, limit); err != nil {
				if !errors.Is(err, ErrCorruptRecord) {
					return err
				}
				e.logger.Warn("dropping unreadable local history", "key", rec.Key, "error", err)
				chain = nil
			}
		}
		if _, err := w.copy(append(chain, rec)); err != nil {
			return err
		}
	}
	if err := w.finish(); err != nil {
		return err
	}

	e.publish(w.keys, d.index, w.set)
	e.lastApplied.Store(n)
	e.logger.Debug("rehydrated snapshot",
		"position", n,
		"records", len(d.records),
		"versions", w.versions,
		"segment", w.base)
	return nil
}
