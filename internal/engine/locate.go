package engine

import (
	"github.com/hupe1980/chronos/internal/keydir"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

// latest resolves the newest entry of key. A directory miss falls back to
// a scan of the live segments whose existence filter may hold the key.
// Caller holds readMu.
func (e *Engine) latest(key model.Key) (keydir.Entry, bool, error) {
	if ent, ok := e.keys.Load().Latest(key); ok {
		return ent, true, nil
	}
	loc, ok, err := e.locate(key)
	if err != nil || !ok {
		return keydir.Entry{}, false, err
	}
	rec, _, err := e.store.ReadRecord(loc)
	if err != nil {
		return keydir.Entry{}, false, err
	}
	e.logger.Warn("key missing from directory found in segments", "key", key, "location", loc)
	return keydir.Entry{Tx: rec.TxTime, Loc: loc, Deleted: rec.Tombstone}, true, nil
}

// locate returns the location of the newest version of key stored in the
// live segments. Segments the filters rule out are never read.
func (e *Engine) locate(key model.Key) (model.Location, bool, error) {
	set := e.filters.Load()
	if !set.MightContainAny(key) {
		return model.Location{}, false, nil
	}
	var (
		best   model.Location
		bestTx uint64
		found  bool
	)
	for _, id := range set.Candidates(key, e.store.LiveSegments()) {
		e.locateScans.Add(1)
		for item, err := range e.store.Iterate(id) {
			if err != nil {
				return model.Location{}, false, err
			}
			k, tx, ok := segment.PeekKeyTx(item.Body)
			if !ok {
				return model.Location{}, false, &segment.CorruptRecordError{Location: item.Loc, Reason: "unreadable key"}
			}
			// a rewritten copy follows its source, so ties go to the later one
			if k == key && (!found || tx >= bestTx) {
				best, bestTx, found = item.Loc, tx, true
			}
		}
	}
	return best, found, nil
}
