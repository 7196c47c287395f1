package engine

import (
	"time"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/model"
)

// MetricsObserver receives engine events.
type MetricsObserver interface {
	// OnApply is called for every applied log entry. err is the command's
	// rejection reason or the engine failure; skipped entries are not
	// reported.
	OnApply(kind command.Kind, duration time.Duration, err error)

	// OnSearch is called after each vector search.
	OnSearch(k, results int, duration time.Duration, err error)

	// OnSnapshot is called when a snapshot has been serialized.
	OnSnapshot(bytes int64, duration time.Duration, err error)

	// OnInstall is called after a snapshot install. mode is "adopt",
	// "rehydrate" or "current".
	OnInstall(mode string, duration time.Duration, err error)

	// OnCheckpoint is called after a local checkpoint.
	OnCheckpoint(duration time.Duration, err error)

	// OnCompaction is called after a history compaction.
	OnCompaction(duration time.Duration, versions, dropped int, err error)

	// OnSegmentSealed is called when a segment is sealed.
	OnSegmentSealed(id model.SegmentID)

	// OnIndexInconsistency is called for each live key found missing from
	// the index.
	OnIndexInconsistency(key model.Key)

	// OnFatal is called when the engine enters the failed state.
	OnFatal(err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnApply(command.Kind, time.Duration, error)  {}
func (NoopMetricsObserver) OnSearch(int, int, time.Duration, error)     {}
func (NoopMetricsObserver) OnSnapshot(int64, time.Duration, error)      {}
func (NoopMetricsObserver) OnInstall(string, time.Duration, error)      {}
func (NoopMetricsObserver) OnCheckpoint(time.Duration, error)           {}
func (NoopMetricsObserver) OnCompaction(time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnSegmentSealed(model.SegmentID)             {}
func (NoopMetricsObserver) OnIndexInconsistency(model.Key)              {}
func (NoopMetricsObserver) OnFatal(error)                               {}
