package engine

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// Get returns the latest live version of key.
func (e *Engine) Get(key model.Key) (model.Record, error) {
	if err := e.ready(); err != nil {
		return model.Record{}, err
	}
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	ent, ok, err := e.latest(key)
	if err != nil {
		return model.Record{}, err
	}
	if !ok || ent.Deleted {
		return model.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	rec, _, err := e.store.ReadRecord(ent.Loc)
	return rec, err
}

// History returns every reachable version of key, oldest first, tombstones
// included. Each version's ValidTo is the ValidFrom of its successor; the
// newest version stays open-ended.
func (e *Engine) History(key model.Key) ([]model.Record, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	ent, ok, err := e.latest(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var out []model.Record
	for rec, err := range e.walk(ent.Loc) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	slices.Reverse(out)
	for i := 0; i+1 < len(out); i++ {
		out[i].ValidTo = out[i+1].ValidFrom
	}
	return out, nil
}

// GetAsOf returns the version of key valid at validTime: the one whose
// [ValidFrom, ValidTo) interval contains it. Tombstones are not returned.
func (e *Engine) GetAsOf(key model.Key, validTime uint64) (model.Record, error) {
	hist, err := e.History(key)
	if err != nil {
		return model.Record{}, err
	}
	for i := len(hist) - 1; i >= 0; i-- {
		rec := hist[i]
		if rec.ValidFrom <= validTime && validTime < rec.ValidTo {
			if rec.Tombstone {
				break
			}
			return rec, nil
		}
	}
	return model.Record{}, fmt.Errorf("%w: %s at valid time %d", ErrNotFound, key, validTime)
}

// GetAsOfTx returns the version of key that was current after the log entry
// at pos was applied.
func (e *Engine) GetAsOfTx(key model.Key, pos uint64) (model.Record, error) {
	if err := e.ready(); err != nil {
		return model.Record{}, err
	}
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	ent, ok, err := e.latest(key)
	if err != nil {
		return model.Record{}, err
	}
	if !ok {
		return model.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	for rec, err := range e.walk(ent.Loc) {
		if err != nil {
			return model.Record{}, err
		}
		if rec.TxTime <= pos {
			if rec.Tombstone {
				break
			}
			return rec, nil
		}
	}
	return model.Record{}, fmt.Errorf("%w: %s at position %d", ErrNotFound, key, pos)
}

// walk yields the version chain starting at loc, newest first. A link into
// a segment that was superseded and deleted ends the chain; a missing live
// segment is an error.
func (e *Engine) walk(loc model.Location) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		below := uint64(math.MaxUint64)
		first := true
		for !loc.IsZero() {
			rec, _, err := e.store.ReadRecord(loc)
			if !first && errors.Is(err, segment.ErrNoSuchSegment) && loc.Segment < e.store.LiveFrom() {
				return
			}
			first = false
			if err != nil {
				yield(model.Record{}, err)
				return
			}
			if rec.TxTime >= below {
				yield(model.Record{}, &segment.CorruptRecordError{Location: loc, Reason: "version chain does not descend"})
				return
			}
			below = rec.TxTime
			if !yield(rec, nil) {
				return
			}
			loc = rec.Prev
		}
	}
}

// Search returns up to k live keys nearest to q, ascending by distance.
// Keys flagged as missing from the index are scored exactly and merged in.
func (e *Engine) Search(q []float32, k int) ([]model.Candidate, error) {
	start := time.Now()
	out, err := e.search(q, k)
	e.metrics.OnSearch(k, len(out), time.Since(start), err)
	return out, err
}

func (e *Engine) search(q []float32, k int) ([]model.Candidate, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}
	vec, err := model.PadVector(q)
	if err != nil {
		return nil, invalidArgument(err)
	}

	e.readMu.RLock()
	defer e.readMu.RUnlock()
	keys := e.keys.Load()
	hits, err := e.index.Load().Search(vec, k)
	if err != nil {
		return nil, err
	}
	out := make([]model.Candidate, 0, len(hits))
	seen := make(map[model.Key]struct{}, len(hits))
	for _, h := range hits {
		if ent, ok := keys.Latest(h.Key); !ok || ent.Deleted {
			continue
		}
		seen[h.Key] = struct{}{}
		out = append(out, model.Candidate{Key: h.Key, Distance: h.Distance})
	}

	flagged := e.flagged()
	if len(flagged) == 0 {
		return out, nil
	}
	metric := e.indexOpts.Metric
	pq := distance.Prepare(metric, vec)
	for _, key := range flagged {
		if _, ok := seen[key]; ok {
			continue
		}
		ent, ok, err := e.latest(key)
		if err != nil {
			return nil, err
		}
		if !ok || ent.Deleted {
			continue
		}
		rec, _, err := e.store.ReadRecord(ent.Loc)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Candidate{Key: key, Distance: e.dist(pq, distance.Prepare(metric, rec.Vector))})
	}
	slices.SortStableFunc(out, func(a, b model.Candidate) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	return out[:min(k, len(out))], nil
}

// serve answers a read-only command.
func (e *Engine) serve(cmd command.Command) (Result, error) {
	res := Result{Position: e.lastApplied.Load()}
	var err error
	switch c := cmd.(type) {
	case command.Get:
		var rec model.Record
		if rec, err = e.Get(c.Key); err == nil {
			res.Record = &rec
		}
	case command.History:
		res.History, err = e.History(c.Key)
	case command.VectorSearch:
		res.Candidates, err = e.Search(c.Vector, c.K)
	default:
		err = fmt.Errorf("%w: unsupported command %s", ErrInvalidArgument, cmd.Kind())
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrFailed) {
		return Result{}, err
	}
	res.Err = err
	return res, nil
}
