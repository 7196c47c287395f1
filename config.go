package chronos

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/internal/engine"
	"github.com/hupe1980/chronos/internal/hnsw"
	"github.com/hupe1980/chronos/internal/profile"
	"github.com/hupe1980/chronos/internal/resource"
	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/internal/snapshot"
	"github.com/hupe1980/chronos/model"
)

// DurabilityAuto picks strict or relaxed durability from the host profile.
const DurabilityAuto = "auto"

// Config is the node configuration. The zero value of a field selects its
// default.
type Config struct {
	// Dir is the data directory.
	Dir string `yaml:"dir"`

	// Durability is auto, strict or relaxed.
	Durability string `yaml:"durability"`
	// FlushInterval is the background sync period in relaxed mode.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SegmentCapacity is the size of one segment file in bytes.
	SegmentCapacity int64 `yaml:"segment_capacity"`

	// Dimension must be 0 or 128; shorter vectors are zero-padded.
	Dimension      int    `yaml:"dimension"`
	Metric         string `yaml:"metric"`
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`

	// SnapshotThreshold is the number of applied entries between local
	// checkpoints. Zero disables background checkpoints.
	SnapshotThreshold   uint64 `yaml:"snapshot_threshold"`
	SnapshotCompression string `yaml:"snapshot_compression"`

	// HistoryRetention is the number of versions per key kept by
	// compaction. Zero keeps everything.
	HistoryRetention   int           `yaml:"history_retention"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`

	RecordCacheBytes     int64 `yaml:"record_cache_bytes"`
	IOLimitBytesPerSec   int64 `yaml:"io_limit_bytes_per_sec"`
	MaxBackgroundWorkers int64 `yaml:"max_background_workers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Raft    RaftConfig    `yaml:"raft"`
	Metrics MetricsConfig `yaml:"metrics"`
	Archive ArchiveConfig `yaml:"archive"`
}

// RaftConfig configures the consensus adapter.
type RaftConfig struct {
	ID        string `yaml:"id"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	// HeartbeatTimeout zero uses the host profile's suggestion.
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SnapshotRetain    int           `yaml:"snapshot_retain"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
}

// MetricsConfig configures the Prometheus endpoint of serve.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// ArchiveConfig configures the snapshot archive.
type ArchiveConfig struct {
	// Kind is local, minio or s3. Empty disables the archive.
	Kind      string `yaml:"kind"`
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Dir:                  "data",
		Durability:           DurabilityAuto,
		SegmentCapacity:      segment.DefaultCapacity,
		Dimension:            model.Dim,
		Metric:               "l2",
		M:                    hnsw.DefaultM,
		EfConstruction:       hnsw.DefaultEfConstruction,
		EfSearch:             hnsw.DefaultEfSearch,
		SnapshotThreshold:    engine.DefaultSnapshotThreshold,
		SnapshotCompression:  "zstd",
		CompactionInterval:   10 * time.Minute,
		MaxBackgroundWorkers: 1,
		LogLevel:             "info",
		LogFormat:            "text",
		Raft: RaftConfig{
			ID:                "node-1",
			BindAddr:          "127.0.0.1:7000",
			SnapshotRetain:    2,
			SnapshotThreshold: 8192,
			ApplyTimeout:      10 * time.Second,
		},
		Metrics: MetricsConfig{
			Namespace: "chronos",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if c.Dimension != 0 && c.Dimension != model.Dim {
		errs = append(errs, fmt.Errorf("dimension must be %d, got %d", model.Dim, c.Dimension))
	}
	if _, err := c.durability(profile.Profile{}); err != nil {
		errs = append(errs, err)
	}
	if _, err := distance.ParseMetric(c.Metric); err != nil {
		errs = append(errs, err)
	}
	if _, err := snapshot.ParseCompression(c.SnapshotCompression); err != nil {
		errs = append(errs, err)
	}
	if c.SegmentCapacity < 0 {
		errs = append(errs, fmt.Errorf("segment_capacity must not be negative, got %d", c.SegmentCapacity))
	}
	if c.M < 0 || c.EfConstruction < 0 || c.EfSearch < 0 {
		errs = append(errs, errors.New("index parameters must not be negative"))
	}
	if c.HistoryRetention < 0 {
		errs = append(errs, fmt.Errorf("history_retention must not be negative, got %d", c.HistoryRetention))
	}
	switch strings.ToLower(c.Archive.Kind) {
	case "":
	case "local":
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("archive.path is required for a local archive"))
		}
	case "minio", "s3":
		if c.Archive.Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.bucket is required for a %s archive", c.Archive.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported archive kind %q", c.Archive.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return nil
}

func (c Config) durability(p profile.Profile) (segment.Durability, error) {
	if c.Durability == "" || strings.EqualFold(c.Durability, DurabilityAuto) {
		return p.Durability, nil
	}
	return segment.ParseDurability(c.Durability)
}

// HeartbeatTimeout returns the configured raft heartbeat or the profile's
// suggestion.
func (c Config) HeartbeatTimeout(p profile.Profile) time.Duration {
	if c.Raft.HeartbeatTimeout > 0 {
		return c.Raft.HeartbeatTimeout
	}
	return p.HeartbeatTimeout
}

// engineOptions translates the configuration into engine options.
func (c Config) engineOptions(p profile.Profile) ([]engine.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	durability, _ := c.durability(p)
	metric, _ := distance.ParseMetric(c.Metric)
	compression, _ := snapshot.ParseCompression(c.SnapshotCompression)

	flush := c.FlushInterval
	if flush <= 0 {
		flush = p.FlushInterval
	}
	cacheBytes := c.RecordCacheBytes
	if cacheBytes == 0 {
		cacheBytes = p.RecordCacheBytes()
	}

	opts := []engine.Option{
		engine.WithDurability(durability),
		engine.WithFlushInterval(flush),
		engine.WithSegmentCapacity(c.SegmentCapacity),
		engine.WithMetric(metric),
		engine.WithIndexParams(c.M, c.EfConstruction, c.EfSearch),
		engine.WithSnapshotCompression(compression),
		engine.WithSnapshotThreshold(c.SnapshotThreshold),
		engine.WithHistoryRetention(c.HistoryRetention),
		engine.WithCompactionInterval(c.CompactionInterval),
		engine.WithRecordCacheSize(cacheBytes),
		engine.WithResourceController(resource.NewController(resource.Config{
			MaxBackgroundWorkers: c.MaxBackgroundWorkers,
			IOLimitBytesPerSec:   c.IOLimitBytesPerSec,
		})),
	}
	return opts, nil
}
