package chronos

import (
	"errors"

	"github.com/hupe1980/chronos/internal/engine"
	"github.com/hupe1980/chronos/model"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed DB.
	ErrClosed = engine.ErrClosed

	// ErrInvalidArgument is returned for malformed commands and options.
	ErrInvalidArgument = engine.ErrInvalidArgument

	// ErrNotFound is returned when a key has no matching version.
	ErrNotFound = engine.ErrNotFound

	// ErrKeyExists is returned when inserting a key that is live.
	ErrKeyExists = engine.ErrKeyExists

	// ErrCorruptRecord is returned when a stored record fails validation.
	ErrCorruptRecord = engine.ErrCorruptRecord

	// ErrStorageIO is returned when the disk refuses a write. It is sticky.
	ErrStorageIO = engine.ErrStorageIO

	// ErrDeterminismViolation is returned when an entry was logged but could
	// not be applied to the in-memory state.
	ErrDeterminismViolation = engine.ErrDeterminismViolation

	// ErrFailed is returned by every operation after a determinism
	// violation until a snapshot is installed.
	ErrFailed = engine.ErrFailed

	// ErrSnapshotFormatMismatch is returned for snapshots that are corrupt
	// or were taken with incompatible index parameters.
	ErrSnapshotFormatMismatch = engine.ErrSnapshotFormatMismatch

	// ErrIndexInconsistency is returned by Verify when the vector index
	// disagrees with the key directory.
	ErrIndexInconsistency = engine.ErrIndexInconsistency
)

// DimensionError reports a vector that is empty or longer than model.Dim.
type DimensionError = model.DimensionError

// ComponentError reports a vector component that is NaN or infinite.
type ComponentError = model.ComponentError

// CorruptRecordError describes a record that failed validation. It unwraps
// to ErrCorruptRecord.
type CorruptRecordError = engine.CorruptRecordError

// IsFatal reports whether err leaves the replica unable to apply further
// log entries until it is restored from a snapshot.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFailed) ||
		errors.Is(err, ErrStorageIO) ||
		errors.Is(err, ErrDeterminismViolation)
}
