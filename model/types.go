package model

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Dim is the fixed vector dimensionality.
const Dim = 128

// OpenEnd marks a valid-time interval that has not been closed.
const OpenEnd uint64 = math.MaxUint64

// Key is the user-facing record identity.
type Key = uuid.UUID

// SegmentID identifies a segment file. IDs start at 1.
type SegmentID uint32

// Location identifies a specific version of a record in the segment store.
// The zero Location means "no location".
type Location struct {
	Segment SegmentID
	Offset  uint32
}

// IsZero reports whether l refers to no record.
func (l Location) IsZero() bool {
	return l.Segment == 0
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d)", l.Segment, l.Offset)
}

// Record is one version of a key. Versions are immutable once appended.
//
// ValidTo is stored as OpenEnd; read paths that return several versions
// close it at the successor's ValidFrom.
type Record struct {
	Key       Key
	Vector    []float32
	Payload   []byte
	ValidFrom uint64
	ValidTo   uint64
	TxTime    uint64
	Tombstone bool
	Prev      Location
}

// Live reports whether the version is a non-tombstone version that is still
// valid at validTime.
func (r *Record) Live(validTime uint64) bool {
	return !r.Tombstone && r.ValidFrom <= validTime && validTime < r.ValidTo
}

// Candidate represents a vector search hit.
type Candidate struct {
	Key      Key
	Distance float32
}

// DimensionError reports a vector that does not fit the fixed dimensionality.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected at most %d, got %d", e.Expected, e.Actual)
}

// ComponentError reports a vector component that is NaN or infinite.
type ComponentError struct {
	Index int
	Value float32
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("vector component %d is not finite: %v", e.Index, e.Value)
}

// PadVector returns v zero-padded to Dim. It returns a *DimensionError for
// vectors longer than Dim and for empty vectors, and a *ComponentError for
// NaN or infinite components.
func PadVector(v []float32) ([]float32, error) {
	if len(v) == 0 || len(v) > Dim {
		return nil, &DimensionError{Expected: Dim, Actual: len(v)}
	}
	for i, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, &ComponentError{Index: i, Value: f}
		}
	}
	out := make([]float32, Dim)
	copy(out, v)
	return out, nil
}
