package mmap

import "errors"

// AccessPattern is the madvise hint applied to a mapping.
type AccessPattern int

const (
	AccessDefault AccessPattern = iota
	AccessSequential
	AccessRandom
	AccessWillNeed
	AccessDontNeed
)

// String returns the lowercase pattern name.
func (p AccessPattern) String() string {
	switch p {
	case AccessSequential:
		return "sequential"
	case AccessRandom:
		return "random"
	case AccessWillNeed:
		return "willneed"
	case AccessDontNeed:
		return "dontneed"
	default:
		return "default"
	}
}

var (
	ErrClosed        = errors.New("mmap: mapping closed")
	ErrInvalidSize   = errors.New("mmap: file size does not fit the address space")
	ErrOutOfBounds   = errors.New("mmap: read past end of mapping")
	ErrInvalidOffset = errors.New("mmap: negative offset")
)
