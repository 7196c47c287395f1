package engine

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/model"
)

// Compact rewrites the live segments keeping at most keep versions per
// key, newest first. Older versions become unreachable from History and
// the rewritten segments replace every segment before them. Applies pause
// only while the keys applied during the copy are caught up.
func (e *Engine) Compact(ctx context.Context, keep int) (err error) {
	if keep <= 0 {
		return fmt.Errorf("%w: keep must be positive, got %d", ErrInvalidArgument, keep)
	}
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer e.rc.ReleaseBackground()

	start := time.Now()
	var versions, dropped int
	defer func() { e.metrics.OnCompaction(time.Since(start), versions, dropped, err) }()

	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	h, versions, dropped, err := e.compact(ctx, keep)
	if err != nil {
		e.logger.Error("compaction failed", "error", err)
		return err
	}
	defer h.Close()
	if err := e.persistCheckpoint(h); err != nil {
		return err
	}
	e.mutations.Store(0)
	e.pruneSuperseded()

	e.logger.Info("compacted",
		"position", h.pos,
		"keep", keep,
		"versions", versions,
		"dropped", dropped,
		"segment", e.store.LiveFrom(),
		"duration", time.Since(start))
	return nil
}

// compact copies the chains visible at the current position without
// holding applyMu, then catches up the keys applied meanwhile and publishes
// the result under a short lock.
func (e *Engine) compact(ctx context.Context, keep int) (*SnapshotHandle, int, int, error) {
	e.applyMu.Lock()
	if err := e.failure(); err != nil {
		e.applyMu.Unlock()
		return nil, 0, 0, err
	}
	pos := e.lastApplied.Load()
	old := e.keys.Load()
	release := old.Pin(pos)
	w, err := e.beginRewrite(ctx, pos)
	e.applyMu.Unlock()
	if err != nil {
		release()
		return nil, 0, 0, err
	}

	err = w.copyKeys(old.All(pos), keep)
	release()
	if err == nil && e.afterCopy != nil {
		e.afterCopy()
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	defer e.endRewrite()
	if err != nil {
		return nil, w.versions, w.dropped, err
	}
	if err := e.failure(); err != nil {
		return nil, w.versions, w.dropped, err
	}

	cur := e.keys.Load()
	caughtUp := len(w.touched)
	for key := range w.touched {
		ent, ok := cur.Latest(key)
		if !ok {
			continue
		}
		if err := w.copyKey(key, ent, keep); err != nil {
			return nil, w.versions, w.dropped, err
		}
	}
	if err := w.finish(); err != nil {
		return nil, w.versions, w.dropped, err
	}

	e.publish(w.keys, e.index.Load(), w.set)
	e.logger.Debug("compaction caught up", "position", e.lastApplied.Load(), "keys", caughtUp, "from", pos)
	return e.captureLocked(), w.versions, w.dropped, nil
}

// copyKeys copies the newest keep versions of every entry.
func (w *rewriter) copyKeys(entries iter.Seq2[model.Key, keydir.Entry], keep int) error {
	for key, ent := range entries {
		if err := w.copyKey(key, ent, keep); err != nil {
			return err
		}
	}
	return nil
}

func (w *rewriter) copyKey(key model.Key, ent keydir.Entry, keep int) error {
	chain, err := w.older(ent.Loc, ent.Tx+1, keep)
	if err != nil {
		return fmt.Errorf("compact %s: %w", key, err)
	}
	if len(chain) == 0 {
		return fmt.Errorf("compact %s: %w", key, ErrNotFound)
	}
	_, err = w.copy(chain)
	return err
}
