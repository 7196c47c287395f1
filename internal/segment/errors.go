package segment

import (
	"errors"
	"fmt"

	"github.com/hupe1980/chronos/model"
)

var (
	// ErrCorruptRecord is returned when a frame fails checksum or shape
	// validation.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrStorageIO is returned when a write or flush fails. The store refuses
	// further appends afterwards.
	ErrStorageIO = errors.New("storage io failure")
	// ErrClosed is returned when the store is closed.
	ErrClosed = errors.New("segment store closed")
	// ErrRecordTooLarge is returned when a record cannot fit into an empty
	// segment.
	ErrRecordTooLarge = errors.New("record larger than segment capacity")
	// ErrNoSuchSegment is returned for locations in unknown segments.
	ErrNoSuchSegment = errors.New("no such segment")
	// ErrInvalidHeader is returned when a segment header does not validate.
	ErrInvalidHeader = errors.New("invalid segment header")
)

// CorruptRecordError describes a record that failed validation.
type CorruptRecordError struct {
	Location model.Location
	Reason   string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record at %s: %s", e.Location, e.Reason)
}

func (e *CorruptRecordError) Unwrap() error { return ErrCorruptRecord }

func corrupt(loc model.Location, format string, args ...any) error {
	return &CorruptRecordError{Location: loc, Reason: fmt.Sprintf(format, args...)}
}
