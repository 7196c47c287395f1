package chronos

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/internal/engine"
	"github.com/hupe1980/chronos/internal/fs"
	"github.com/hupe1980/chronos/internal/profile"
	"github.com/hupe1980/chronos/internal/resource"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/model"
)

type (
	// Result is the outcome of applying one log entry.
	Result = engine.Result
	// Stats describes the node state.
	Stats = engine.Stats
	// Report is the outcome of Verify.
	Report = engine.Report
	// Snapshot is a point-in-time capture that can be serialized while
	// applies continue. Close it when done.
	Snapshot = engine.SnapshotHandle
	// Profile is the detected host capability and its presets.
	Profile = profile.Profile
	// SegmentInfo describes one segment file.
	SegmentInfo = segment.Info
)

// DetectProfile inspects the running host.
func DetectProfile() Profile { return profile.Detect() }

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	profile          *Profile
	engineOptions    []engine.Option
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger. If nil, NoopLogger is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetricsCollector sets the metrics collector.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithProfile uses p instead of detecting the host.
func WithProfile(p Profile) Option {
	return func(o *options) {
		o.profile = &p
	}
}

// WithFileSystem replaces the file system of the data directory, e.g. with
// a fault-injecting one in crash tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.engineOptions = append(o.engineOptions, engine.WithFileSystem(fsys))
	}
}

// DB is one replica of the bi-temporal vector store. Mutations arrive as
// committed log entries through Apply; reads are served locally.
type DB struct {
	eng     *engine.Engine
	cfg     Config
	logger  *Logger
	metrics MetricsCollector
	profile Profile

	// failed is set once the failed state has been reported.
	failed atomic.Bool
}

// Open opens or creates the data directory of cfg and recovers its state.
func Open(cfg Config, optFns ...Option) (*DB, error) {
	o := options{}
	for _, fn := range optFns {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	p := profile.Detect()
	if o.profile != nil {
		p = *o.profile
	}

	engineOpts, err := cfg.engineOptions(p)
	if err != nil {
		return nil, err
	}
	engineOpts = append(engineOpts,
		engine.WithLogger(o.logger.Logger),
		engine.WithMetricsObserver(o.metricsCollector),
	)
	engineOpts = append(engineOpts, o.engineOptions...)

	ctx := context.Background()
	o.logger.InfoContext(ctx, "opening", "dir", cfg.Dir, slog.Any("profile", p))
	eng, err := engine.Open(cfg.Dir, engineOpts...)
	if err != nil {
		o.logger.LogRecovery(ctx, cfg.Dir, 0, err)
		return nil, err
	}
	o.logger.LogRecovery(ctx, cfg.Dir, eng.LastApplied(), nil)

	return &DB{
		eng:     eng,
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metricsCollector,
		profile: p,
	}, nil
}

// Config returns the configuration the DB was opened with.
func (db *DB) Config() Config { return db.cfg }

// Profile returns the host profile used for the durability preset.
func (db *DB) Profile() Profile { return db.profile }

// Logger returns the DB logger.
func (db *DB) Logger() *Logger { return db.logger }

// Apply applies the committed command at log position pos. See
// Result for the meaning of a rejected command.
func (db *DB) Apply(ctx context.Context, cmd command.Command, pos uint64) (Result, error) {
	res, err := db.eng.Apply(cmd, pos)
	if cmd != nil && !res.Skipped {
		db.logger.LogApply(ctx, cmd.Kind(), pos, res.Err, err)
	}
	if errors.Is(err, ErrFailed) && db.failed.CompareAndSwap(false, true) {
		db.logger.LogFatal(ctx, err)
	}
	return res, err
}

// ApplyEncoded decodes a log entry produced by command.Encode and applies
// it at pos.
func (db *DB) ApplyEncoded(ctx context.Context, data []byte, pos uint64) (Result, error) {
	cmd, err := command.Decode(data)
	if err != nil {
		return Result{}, err
	}
	return db.Apply(ctx, cmd, pos)
}

// Get returns the latest live version of key.
func (db *DB) Get(key model.Key) (model.Record, error) {
	return db.eng.Get(key)
}

// History returns every version of key, oldest first.
func (db *DB) History(key model.Key) ([]model.Record, error) {
	return db.eng.History(key)
}

// GetAsOf returns the version of key valid at validTime.
func (db *DB) GetAsOf(key model.Key, validTime uint64) (model.Record, error) {
	return db.eng.GetAsOf(key, validTime)
}

// GetAsOfTx returns the version of key current after log position pos.
func (db *DB) GetAsOfTx(key model.Key, pos uint64) (model.Record, error) {
	return db.eng.GetAsOfTx(key, pos)
}

// Search returns up to k live keys nearest to q.
func (db *DB) Search(ctx context.Context, q []float32, k int) ([]model.Candidate, error) {
	out, err := db.eng.Search(q, k)
	db.logger.LogSearch(ctx, k, len(out), err)
	return out, err
}

// BeginSnapshot captures the current state.
func (db *DB) BeginSnapshot() (*Snapshot, error) {
	return db.eng.BeginSnapshot()
}

// WriteSnapshot captures the current state and streams it to w, throttled
// by the configured IO limit. It returns the snapshot position.
func (db *DB) WriteSnapshot(ctx context.Context, w io.Writer) (uint64, int64, error) {
	snap, err := db.eng.BeginSnapshot()
	if err != nil {
		return 0, 0, err
	}
	defer snap.Close()

	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: db.cfg.IOLimitBytesPerSec})
	n, err := snap.WriteTo(resource.NewRateLimitedWriter(ctx, w, rc))
	db.logger.LogSnapshot(ctx, snap.Position(), n, err)
	return snap.Position(), n, err
}

// InstallSnapshot replaces the state with the snapshot read from r. A
// non-zero pos must match the snapshot position.
func (db *DB) InstallSnapshot(ctx context.Context, r io.Reader, pos uint64) error {
	err := db.eng.InstallSnapshot(r, pos)
	db.logger.LogInstall(ctx, db.eng.LastApplied(), err)
	if err == nil {
		db.failed.Store(false)
	}
	return err
}

// Checkpoint writes a local snapshot so a restart replays less.
func (db *DB) Checkpoint(ctx context.Context) error {
	return db.eng.Checkpoint(ctx)
}

// Compact keeps the newest keep versions of every key.
func (db *DB) Compact(ctx context.Context, keep int) error {
	return db.eng.Compact(ctx, keep)
}

// Verify cross-checks directory, index, filters and segments.
func (db *DB) Verify(ctx context.Context) (*Report, error) {
	start := time.Now()
	rep, err := db.eng.Verify(ctx)
	if rep != nil {
		db.logger.InfoContext(ctx, "verify finished",
			"position", rep.Position,
			"ok", rep.OK(),
			"duration", time.Since(start))
	}
	return rep, err
}

// LastApplied returns the highest applied log position.
func (db *DB) LastApplied() uint64 { return db.eng.LastApplied() }

// Segments describes the segment files, oldest first.
func (db *DB) Segments() []SegmentInfo { return db.eng.Segments() }

// SegmentRecords counts the records stored in segment id.
func (db *DB) SegmentRecords(id model.SegmentID) (int, error) {
	return db.eng.SegmentRecords(id)
}

// Stats returns a point-in-time description of the node.
func (db *DB) Stats() Stats { return db.eng.Stats() }

// Close writes a final checkpoint and releases all resources.
func (db *DB) Close() error {
	return db.eng.Close()
}
