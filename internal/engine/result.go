package engine

import (
	"github.com/hupe1980/chronos/internal/filter"
	"github.com/hupe1980/chronos/model"
)

// Result is the outcome of applying one log entry.
type Result struct {
	// Position is the log position of the entry.
	Position uint64
	// Skipped is set when the position was already applied.
	Skipped bool
	// Err is the deterministic rejection reason of the command, identical on
	// every replica. A rejected entry still advances the applied position.
	Err error

	// Record is the appended version for mutations and the found version
	// for Get.
	Record *model.Record
	// History is the version list for History, oldest first.
	History []model.Record
	// Candidates are the hits for VectorSearch.
	Candidates []model.Candidate
}

// Stats describes the engine state.
type Stats struct {
	LastApplied    uint64
	Keys           int
	LiveKeys       int
	IndexedKeys    int
	PendingRepairs int
	Segments       int
	LiveFrom       model.SegmentID
	Filter         filter.Stats
	LocateScans    uint64 // segments scanned for keys missing from the directory
	CacheHits      int64
	CacheMisses    int64
	Failed         bool
}

// Report is the outcome of Verify.
type Report struct {
	Position        uint64
	Keys            int
	LiveKeys        int
	IndexedKeys     int
	SegmentsScanned int
	RecordsScanned  int

	// MissingFromIndex lists live keys without an index node.
	MissingFromIndex []model.Key
	// StaleInIndex lists indexed keys that are deleted or unknown.
	StaleInIndex []model.Key
	// DirectoryMismatches lists keys whose directory entry is not the
	// highest version found in the segments.
	DirectoryMismatches []model.Key
	// FilterMisses lists keys the existence filter denied for a segment
	// that holds them.
	FilterMisses []model.Key
}

// OK reports whether no inconsistency was found.
func (r *Report) OK() bool {
	return len(r.MissingFromIndex) == 0 && len(r.StaleInIndex) == 0 &&
		len(r.DirectoryMismatches) == 0 && len(r.FilterMisses) == 0
}
