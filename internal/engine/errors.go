package engine

import (
	"errors"

	"github.com/hupe1980/chronos/internal/segment"
	"github.com/hupe1980/chronos/internal/snapshot"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidArgument is returned for malformed commands: vectors that do
	// not fit the dimension, k <= 0, valid times that move backwards.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a key has no live version.
	ErrNotFound = errors.New("not found")

	// ErrKeyExists is returned when inserting a key that is live.
	ErrKeyExists = errors.New("key already exists")

	// ErrDeterminismViolation is returned when a command failed after its
	// record was appended. Replicas may have diverged; the engine refuses
	// further work until a snapshot is installed.
	ErrDeterminismViolation = errors.New("determinism violation")

	// ErrFailed wraps the sticky error of an engine in the failed state.
	ErrFailed = errors.New("engine failed")

	// ErrIndexInconsistency reports live keys missing from the vector index.
	ErrIndexInconsistency = errors.New("index inconsistency")

	// ErrSnapshotFormatMismatch is returned for snapshots with a different
	// magic, version, dimension, metric or index parameters.
	ErrSnapshotFormatMismatch = snapshot.ErrFormatMismatch

	// ErrCorruptRecord is returned when a stored record fails validation.
	ErrCorruptRecord = segment.ErrCorruptRecord

	// ErrStorageIO is returned when the segment store failed to write or
	// flush. Writes are refused afterwards.
	ErrStorageIO = segment.ErrStorageIO
)

// CorruptRecordError describes a record that failed validation.
type CorruptRecordError = segment.CorruptRecordError
