package engine

import (
	"context"
	"slices"

	"github.com/hupe1980/chronos/internal/filter"
	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// rewriter copies version chains into fresh segments. The copies replace
// every older segment once finish supersedes them. Records applied while
// the copy runs land in the same segments and are tracked so the caller
// can copy their chains again before finishing.
type rewriter struct {
	e    *Engine
	ctx  context.Context
	tx   uint64
	base model.SegmentID
	keys *keydir.Directory
	set  *filter.Set

	touched map[model.Key]struct{} // guarded by applyMu

	versions int
	dropped  int
}

func (e *Engine) beginRewrite(ctx context.Context, tx uint64) (*rewriter, error) {
	base, err := e.store.Rotate(tx)
	if err != nil {
		return nil, err
	}
	w := &rewriter{
		e:       e,
		ctx:     ctx,
		tx:      tx,
		base:    base,
		keys:    keydir.New(),
		set:     filter.NewSet(),
		touched: make(map[model.Key]struct{}),
	}
	e.rewrite.Store(w)
	return w, nil
}

// track records a version applied during the rewrite. Caller holds applyMu.
func (w *rewriter) track(key model.Key, seg model.SegmentID) {
	w.set.Insert(key, seg)
	w.touched[key] = struct{}{}
}

// copy appends chain, oldest version first, linking each copy to the one
// before it. It returns the location of the newest copy.
func (w *rewriter) copy(chain []model.Record) (model.Location, error) {
	var prev model.Location
	for i := range chain {
		rec := chain[i]
		rec.Prev = prev
		rec.ValidTo = model.OpenEnd
		body := segment.EncodeRecord(nil, &rec, true)
		if err := w.e.rc.AcquireIO(w.ctx, len(body)); err != nil {
			return model.Location{}, err
		}
		loc, err := w.e.store.Append(w.tx, body)
		if err != nil {
			return model.Location{}, err
		}
		w.keys.Put(rec.Key, keydir.Entry{Tx: rec.TxTime, Loc: loc, Deleted: rec.Tombstone})
		w.set.Insert(rec.Key, loc.Segment)
		prev = loc
		w.versions++
	}
	return prev, nil
}

// older collects up to limit versions reachable from loc whose position is
// below tx, oldest first. A negative limit means no limit. Versions beyond
// the limit are counted as dropped.
func (w *rewriter) older(loc model.Location, tx uint64, limit int) ([]model.Record, error) {
	var out []model.Record
	for rec, err := range w.e.walk(loc) {
		if err != nil {
			return nil, err
		}
		if rec.TxTime >= tx {
			continue
		}
		if limit >= 0 && len(out) >= limit {
			w.dropped++
			continue
		}
		out = append(out, rec)
	}
	slices.Reverse(out)
	return out, nil
}

// finish makes the copies durable and supersedes every segment before them.
func (w *rewriter) finish() error {
	if err := w.e.store.Sync(); err != nil {
		return err
	}
	w.e.store.Supersede(w.base)
	w.set.Prune(w.base)
	w.e.finalizeSealed(w.set)
	return nil
}

// endRewrite routes seals back to the published filter set. Caller holds
// applyMu.
func (e *Engine) endRewrite() {
	e.rewrite.Store(nil)
	e.finalizeSealed(e.filters.Load())
}
