package snapshot

import (
	"errors"

	"github.com/hupe1980/chronos/distance"
	"github.com/hupe1980/chronos/model"
)

const (
	// Magic starts every snapshot.
	Magic = "CHRSNAP1"
	// FormatVersion is the current format version.
	FormatVersion = 1

	preambleSize = len(Magic) + 2
	trailerSize  = 4
)

const (
	sectionHeader byte = iota + 1
	sectionKeydir
	sectionIndex
	sectionLayout
)

var (
	// ErrFormatMismatch reports a snapshot with a different magic, version
	// or shape than expected.
	ErrFormatMismatch = errors.New("snapshot format mismatch")
	// ErrCorrupt reports a snapshot that fails its checksum or cannot be
	// decoded.
	ErrCorrupt = errors.New("corrupt snapshot")
)

// Header describes the state a snapshot was taken from.
type Header struct {
	Position       uint64
	Dimension      int
	Metric         distance.Metric
	M              int
	EfConstruction int
	EfSearch       int
	Records        uint64
}

// SegmentInfo describes one segment of the writer's layout.
type SegmentInfo struct {
	ID     model.SegmentID
	BaseTx uint64
	Size   int64
}

// Layout is the node-local placement of the snapshot's records.
// Locations is parallel to the key directory section.
type Layout struct {
	LiveFrom  model.SegmentID
	Segments  []SegmentInfo
	Locations []model.Location
	Filters   []byte
}
