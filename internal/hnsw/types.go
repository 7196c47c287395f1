package hnsw

import (
	"errors"
	"fmt"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/model"
)

var (
	ErrInvalidK       = errors.New("k must be positive")
	ErrKeyNotFound    = errors.New("key not in index")
	ErrFormatMismatch = errors.New("index format mismatch")
	ErrCorruptIndex   = errors.New("corrupt index data")
)

// ErrDimensionMismatch reports a vector of the wrong length.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

const (
	// DefaultM is the default number of links per node on layers above 0.
	DefaultM = 16
	// DefaultEfConstruction is the default candidate list size for inserts.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the default candidate list size for searches.
	DefaultEfSearch = 100

	// MaxLevel caps the layer a node can be assigned to.
	MaxLevel = 16

	minimumM = 2
)

// Options configures an Index.
type Options struct {
	Dimension      int
	M              int
	EfConstruction int
	EfSearch       int
	Metric         distance.Metric
}

// DefaultOptions contains the default options.
var DefaultOptions = Options{
	Dimension:      model.Dim,
	M:              DefaultM,
	EfConstruction: DefaultEfConstruction,
	EfSearch:       DefaultEfSearch,
	Metric:         distance.MetricL2,
}

func (o Options) normalized() Options {
	if o.Dimension <= 0 {
		o.Dimension = model.Dim
	}
	if o.M < minimumM {
		o.M = minimumM
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = DefaultEfConstruction
	}
	o.EfConstruction = max(o.EfConstruction, o.M)
	if o.EfSearch <= 0 {
		o.EfSearch = DefaultEfSearch
	}
	return o
}

// Result is one search hit.
type Result struct {
	Key      model.Key
	Distance float32
	Slot     int32
}

// LevelStats describes one layer of the graph.
type LevelStats struct {
	Level          int
	Nodes          int
	Connections    int
	AvgConnections float64
}

// Stats describes the graph.
type Stats struct {
	Nodes    int
	Removed  int
	Slots    int
	Entry    int32
	MaxLevel int
	Levels   []LevelStats
}
