package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/hnsw"
	"github.com/hupe1980/chronos/internal/resource"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/internal/snapshot"
)

// Defaults for background work.
const (
	DefaultSnapshotThreshold = 10_000
	DefaultRecordCacheBytes  = 16 << 20
)

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFileSystem sets the file system used for segments, snapshots and meta.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fsys
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		e.metrics = observer
	}
}

// WithResourceController sets the controller that throttles background
// rewrites and accounts cache memory.
func WithResourceController(rc *resource.Controller) Option {
	return func(e *Engine) {
		e.rc = rc
	}
}

// WithDurability sets the segment durability mode.
func WithDurability(d segment.Durability) Option {
	return func(e *Engine) {
		e.durability = d
	}
}

// WithFlushInterval sets the background flush period used in relaxed mode.
func WithFlushInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.flushInterval = d
	}
}

// WithSegmentCapacity sets the segment file size.
func WithSegmentCapacity(bytes int64) Option {
	return func(e *Engine) {
		e.segmentCapacity = bytes
	}
}

// WithMetric sets the vector index metric. It is fixed for the lifetime of
// the data directory.
func WithMetric(m distance.Metric) Option {
	return func(e *Engine) {
		e.indexOpts.Metric = m
	}
}

// WithIndexParams sets the graph parameters. Zero values keep the defaults.
func WithIndexParams(m, efConstruction, efSearch int) Option {
	return func(e *Engine) {
		if m > 0 {
			e.indexOpts.M = m
		}
		if efConstruction > 0 {
			e.indexOpts.EfConstruction = efConstruction
		}
		if efSearch > 0 {
			e.indexOpts.EfSearch = efSearch
		}
	}
}

// WithSnapshotCompression sets the compression of snapshots and checkpoints.
func WithSnapshotCompression(c snapshot.Compression) Option {
	return func(e *Engine) {
		e.compression = c
	}
}

// WithSnapshotThreshold sets the number of applied entries after which a
// background checkpoint is written. Zero disables the checkpointer.
func WithSnapshotThreshold(n uint64) Option {
	return func(e *Engine) {
		e.snapshotThreshold = n
	}
}

// WithHistoryRetention keeps the last keep versions of every key when the
// background compactor runs. Zero disables it.
func WithHistoryRetention(keep int) Option {
	return func(e *Engine) {
		e.historyRetention = keep
	}
}

// WithCompactionInterval sets the period of the background compactor.
func WithCompactionInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.compactionInterval = d
	}
}

// WithRecordCacheSize sets the byte size of the open-segment record cache.
// Zero disables the cache.
func WithRecordCacheSize(bytes int64) Option {
	return func(e *Engine) {
		e.cacheBytes = bytes
	}
}

func defaultIndexOptions() hnsw.Options {
	return hnsw.DefaultOptions
}
