package chronos

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/model"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// metrics package provides a Prometheus implementation.
type MetricsCollector interface {
	// OnApply is called after each applied log entry. err is the rejection
	// reason or the node failure.
	OnApply(kind command.Kind, duration time.Duration, err error)

	// OnSearch is called after each vector search.
	OnSearch(k, results int, duration time.Duration, err error)

	// OnSnapshot is called after a snapshot has been serialized.
	OnSnapshot(bytes int64, duration time.Duration, err error)

	// OnInstall is called after a snapshot install.
	OnInstall(mode string, duration time.Duration, err error)

	// OnCheckpoint is called after a local checkpoint.
	OnCheckpoint(duration time.Duration, err error)

	// OnCompaction is called after a history compaction.
	OnCompaction(duration time.Duration, versions, dropped int, err error)

	// OnSegmentSealed is called when a segment file is sealed.
	OnSegmentSealed(id model.SegmentID)

	// OnIndexInconsistency is called for a live key missing from the index.
	OnIndexInconsistency(key model.Key)

	// OnFatal is called when the node stops applying entries.
	OnFatal(err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) OnApply(command.Kind, time.Duration, error)  {}
func (NoopMetricsCollector) OnSearch(int, int, time.Duration, error)     {}
func (NoopMetricsCollector) OnSnapshot(int64, time.Duration, error)      {}
func (NoopMetricsCollector) OnInstall(string, time.Duration, error)      {}
func (NoopMetricsCollector) OnCheckpoint(time.Duration, error)           {}
func (NoopMetricsCollector) OnCompaction(time.Duration, int, int, error) {}
func (NoopMetricsCollector) OnSegmentSealed(model.SegmentID)             {}
func (NoopMetricsCollector) OnIndexInconsistency(model.Key)              {}
func (NoopMetricsCollector) OnFatal(error)                               {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ApplyCount        atomic.Int64
	ApplyErrors       atomic.Int64
	ApplyTotalNanos   atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	SnapshotCount     atomic.Int64
	SnapshotBytes     atomic.Int64
	InstallCount      atomic.Int64
	InstallErrors     atomic.Int64
	CheckpointCount   atomic.Int64
	CheckpointErrors  atomic.Int64
	CompactionCount   atomic.Int64
	VersionsDropped   atomic.Int64
	SegmentsSealed    atomic.Int64
	IndexInconsistent atomic.Int64
	Fatal             atomic.Int64
}

// OnApply implements MetricsCollector.
func (b *BasicMetricsCollector) OnApply(_ command.Kind, duration time.Duration, err error) {
	b.ApplyCount.Add(1)
	b.ApplyTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ApplyErrors.Add(1)
	}
}

// OnSearch implements MetricsCollector.
func (b *BasicMetricsCollector) OnSearch(_, _ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// OnSnapshot implements MetricsCollector.
func (b *BasicMetricsCollector) OnSnapshot(bytes int64, _ time.Duration, err error) {
	if err == nil {
		b.SnapshotCount.Add(1)
		b.SnapshotBytes.Add(bytes)
	}
}

// OnInstall implements MetricsCollector.
func (b *BasicMetricsCollector) OnInstall(_ string, _ time.Duration, err error) {
	b.InstallCount.Add(1)
	if err != nil {
		b.InstallErrors.Add(1)
	}
}

// OnCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) OnCheckpoint(_ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// OnCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) OnCompaction(_ time.Duration, _, dropped int, err error) {
	if err == nil {
		b.CompactionCount.Add(1)
		b.VersionsDropped.Add(int64(dropped))
	}
}

// OnSegmentSealed implements MetricsCollector.
func (b *BasicMetricsCollector) OnSegmentSealed(model.SegmentID) { b.SegmentsSealed.Add(1) }

// OnIndexInconsistency implements MetricsCollector.
func (b *BasicMetricsCollector) OnIndexInconsistency(model.Key) { b.IndexInconsistent.Add(1) }

// OnFatal implements MetricsCollector.
func (b *BasicMetricsCollector) OnFatal(error) { b.Fatal.Add(1) }

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ApplyCount:        b.ApplyCount.Load(),
		ApplyErrors:       b.ApplyErrors.Load(),
		ApplyAvgNanos:     avg(b.ApplyTotalNanos.Load(), b.ApplyCount.Load()),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		SearchAvgNanos:    avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		SnapshotCount:     b.SnapshotCount.Load(),
		SnapshotBytes:     b.SnapshotBytes.Load(),
		InstallCount:      b.InstallCount.Load(),
		InstallErrors:     b.InstallErrors.Load(),
		CheckpointCount:   b.CheckpointCount.Load(),
		CheckpointErrors:  b.CheckpointErrors.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		VersionsDropped:   b.VersionsDropped.Load(),
		SegmentsSealed:    b.SegmentsSealed.Load(),
		IndexInconsistent: b.IndexInconsistent.Load(),
		Fatal:             b.Fatal.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ApplyCount        int64
	ApplyErrors       int64
	ApplyAvgNanos     int64
	SearchCount       int64
	SearchErrors      int64
	SearchAvgNanos    int64
	SnapshotCount     int64
	SnapshotBytes     int64
	InstallCount      int64
	InstallErrors     int64
	CheckpointCount   int64
	CheckpointErrors  int64
	CompactionCount   int64
	VersionsDropped   int64
	SegmentsSealed    int64
	IndexInconsistent int64
	Fatal             int64
}
