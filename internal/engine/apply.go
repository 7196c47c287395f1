package engine

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// Apply applies the committed command at log position pos.
//
// Positions at or below the last applied one are skipped. A command that
// fails validation is rejected: the position still advances and the reason
// is returned in Result.Err, identically on every replica. The returned
// error is reserved for node-local failures (storage, closed, failed).
// Read-only commands are served without advancing the position.
func (e *Engine) Apply(cmd command.Command, pos uint64) (Result, error) {
	if cmd == nil {
		return Result{}, fmt.Errorf("%w: nil command", ErrInvalidArgument)
	}
	if e.closed.Load() {
		return Result{}, ErrClosed
	}
	if cmd.Kind().ReadOnly() {
		return e.serve(cmd)
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	if e.closed.Load() {
		return Result{}, ErrClosed
	}
	if err := e.failure(); err != nil {
		return Result{}, err
	}
	if pos <= e.lastApplied.Load() {
		return Result{Position: pos, Skipped: true}, nil
	}

	start := time.Now()
	res, err := e.applyLocked(cmd, pos)
	observed := err
	if observed == nil {
		observed = res.Err
	}
	e.metrics.OnApply(cmd.Kind(), time.Since(start), observed)
	return res, err
}

func (e *Engine) applyLocked(cmd command.Command, pos uint64) (Result, error) {
	rec, vectorChanged, err := e.prepare(cmd, pos)
	if err != nil {
		if !rejection(err) {
			e.logger.Error("preparing command", "position", pos, "kind", cmd.Kind(), "error", err)
			return Result{}, err
		}
		e.advance(pos)
		e.logger.Debug("command rejected", "position", pos, "kind", cmd.Kind(), "error", err)
		return Result{Position: pos, Err: err}, nil
	}

	var flags segment.Flags
	if vectorChanged {
		flags |= segment.FlagVectorChanged
	}
	loc, err := e.store.Append(pos, segment.EncodeRecord(nil, &rec, vectorChanged))
	if err != nil {
		e.logger.Error("append failed", "position", pos, "error", err)
		return Result{}, err
	}
	e.mutations.Add(1)

	if e.afterAppend != nil {
		err = e.afterAppend(&rec)
	}
	if err == nil {
		err = e.applyRecord(&rec, loc, flags)
	}
	if err != nil {
		return Result{}, e.fail(pos, err)
	}

	e.advance(pos)
	return Result{Position: pos, Record: &rec}, nil
}

func (e *Engine) advance(pos uint64) {
	e.lastApplied.Store(pos)
	e.maybeCheckpoint()
}

// rejection reports whether err is a deterministic validation failure.
func rejection(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrKeyExists)
}

func invalidArgument(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}

// prepare validates cmd against the current state and builds the version
// to append. It reports whether the vector differs from the predecessor's.
func (e *Engine) prepare(cmd command.Command, pos uint64) (model.Record, bool, error) {
	keys := e.keys.Load()

	switch c := cmd.(type) {
	case command.Insert:
		vec, err := model.PadVector(c.Vector)
		if err != nil {
			return model.Record{}, false, invalidArgument(err)
		}
		rec := model.Record{
			Key:       c.Key,
			Vector:    vec,
			Payload:   c.Payload,
			ValidFrom: validFrom(c.ValidFrom, pos),
			ValidTo:   model.OpenEnd,
			TxTime:    pos,
		}
		if cur, ok := keys.Latest(c.Key); ok {
			if !cur.Deleted {
				return model.Record{}, false, fmt.Errorf("%w: %s", ErrKeyExists, c.Key)
			}
			prev, _, err := e.store.ReadRecord(cur.Loc)
			if err != nil {
				return model.Record{}, false, err
			}
			if err := checkValidFrom(rec.ValidFrom, prev.ValidFrom); err != nil {
				return model.Record{}, false, err
			}
			rec.Prev = cur.Loc
		}
		return rec, true, e.checkSize(&rec)

	case command.Update:
		cur, prev, err := e.current(c.Key)
		if err != nil {
			return model.Record{}, false, err
		}
		rec := model.Record{
			Key:       c.Key,
			Vector:    prev.Vector,
			Payload:   c.Payload,
			ValidFrom: validFrom(c.ValidFrom, pos),
			ValidTo:   model.OpenEnd,
			TxTime:    pos,
			Prev:      cur,
		}
		changed := false
		if c.Vector != nil {
			vec, err := model.PadVector(c.Vector)
			if err != nil {
				return model.Record{}, false, invalidArgument(err)
			}
			changed = !slices.Equal(vec, prev.Vector)
			rec.Vector = vec
		}
		if err := checkValidFrom(rec.ValidFrom, prev.ValidFrom); err != nil {
			return model.Record{}, false, err
		}
		return rec, changed, e.checkSize(&rec)

	case command.Delete:
		cur, prev, err := e.current(c.Key)
		if err != nil {
			return model.Record{}, false, err
		}
		rec := model.Record{
			Key:       c.Key,
			ValidFrom: validFrom(c.ValidFrom, pos),
			ValidTo:   model.OpenEnd,
			TxTime:    pos,
			Tombstone: true,
			Prev:      cur,
		}
		if err := checkValidFrom(rec.ValidFrom, prev.ValidFrom); err != nil {
			return model.Record{}, false, err
		}
		return rec, false, nil

	default:
		return model.Record{}, false, fmt.Errorf("%w: unsupported command %s", ErrInvalidArgument, cmd.Kind())
	}
}

// current returns the location and record of the live version of key.
func (e *Engine) current(key model.Key) (model.Location, model.Record, error) {
	cur, ok := e.keys.Load().Latest(key)
	if !ok || cur.Deleted {
		return model.Location{}, model.Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	rec, _, err := e.store.ReadRecord(cur.Loc)
	if err != nil {
		return model.Location{}, model.Record{}, err
	}
	return cur.Loc, rec, nil
}

func (e *Engine) checkSize(rec *model.Record) error {
	if n := segment.EncodedSize(rec); n > e.store.MaxRecordSize() {
		return fmt.Errorf("%w: record of %d bytes exceeds segment capacity", ErrInvalidArgument, n)
	}
	return nil
}

func validFrom(requested, pos uint64) uint64 {
	if requested == 0 {
		return pos
	}
	return requested
}

func checkValidFrom(next, current uint64) error {
	if next < current {
		return fmt.Errorf("%w: valid time %d precedes current version's %d", ErrInvalidArgument, next, current)
	}
	return nil
}
