package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// Verify cross-checks directory, vector index, existence filters and
// segments at the current position. Live keys missing from the index are
// flagged so searches score them exactly until they are re-indexed. A
// report with findings is returned together with ErrIndexInconsistency.
func (e *Engine) Verify(ctx context.Context) (*Report, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.rc.AcquireBackground(ctx); err != nil {
		return nil, err
	}
	defer e.rc.ReleaseBackground()

	e.applyMu.Lock()
	h := e.captureLocked()
	e.applyMu.Unlock()
	defer h.Close()

	rep := &Report{
		Position:    h.pos,
		IndexedKeys: h.view.Len(),
	}

	indexed := make(map[model.Key]struct{}, h.view.Len())
	h.view.Keys(func(k model.Key) bool {
		indexed[k] = struct{}{}
		return true
	})

	// Highest position of each key per segment.
	found := make(map[model.Key]map[model.SegmentID]uint64)
	filterMiss := make(map[model.Key]struct{})
	segs := make([]model.SegmentID, 0, len(h.segments))
	for _, s := range h.segments {
		segs = append(segs, s.ID)
		rep.SegmentsScanned++
		for item, err := range e.store.Iterate(s.ID) {
			if err != nil {
				return nil, err
			}
			if err := e.rc.AcquireIO(ctx, len(item.Body)); err != nil {
				return nil, err
			}
			key, tx, ok := segment.PeekKeyTx(item.Body)
			if !ok {
				return nil, &segment.CorruptRecordError{Location: item.Loc, Reason: "unreadable key"}
			}
			if tx > h.pos {
				continue
			}
			rep.RecordsScanned++
			if !h.filters.MightContain(key, s.ID) {
				filterMiss[key] = struct{}{}
			}
			bySeg := found[key]
			if bySeg == nil {
				bySeg = make(map[model.SegmentID]uint64)
				found[key] = bySeg
			}
			bySeg[s.ID] = max(bySeg[s.ID], tx)
		}
	}

	var missing []model.Key
	for key, ent := range h.keys.All(h.pos) {
		rep.Keys++
		_, inIndex := indexed[key]
		delete(indexed, key)
		if !ent.Deleted {
			rep.LiveKeys++
			if !inIndex {
				missing = append(missing, key)
			}
		} else if inIndex {
			rep.StaleInIndex = append(rep.StaleInIndex, key)
		}

		var highest uint64
		for _, id := range h.filters.Candidates(key, segs) {
			highest = max(highest, found[key][id])
		}
		if highest != ent.Tx {
			rep.DirectoryMismatches = append(rep.DirectoryMismatches, key)
		}
		delete(found, key)
	}
	for key := range indexed {
		rep.StaleInIndex = append(rep.StaleInIndex, key)
	}
	for key := range found {
		rep.DirectoryMismatches = append(rep.DirectoryMismatches, key)
	}
	for key := range filterMiss {
		rep.FilterMisses = append(rep.FilterMisses, key)
	}
	rep.MissingFromIndex = missing
	slices.SortFunc(rep.StaleInIndex, keydir.Compare)
	slices.SortFunc(rep.DirectoryMismatches, keydir.Compare)
	slices.SortFunc(rep.FilterMisses, keydir.Compare)

	for _, key := range missing {
		e.flag(key)
	}
	if rep.OK() {
		e.logger.Debug("verify passed", "position", rep.Position, "keys", rep.Keys, "records", rep.RecordsScanned)
		return rep, nil
	}
	e.logger.Warn("verify found inconsistencies",
		"position", rep.Position,
		"missing_from_index", len(rep.MissingFromIndex),
		"stale_in_index", len(rep.StaleInIndex),
		"directory_mismatches", len(rep.DirectoryMismatches),
		"filter_misses", len(rep.FilterMisses))
	return rep, fmt.Errorf("%w: %d missing, %d stale, %d directory mismatches, %d filter misses",
		ErrIndexInconsistency,
		len(rep.MissingFromIndex), len(rep.StaleInIndex),
		len(rep.DirectoryMismatches), len(rep.FilterMisses))
}
