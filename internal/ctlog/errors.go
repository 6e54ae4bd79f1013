package ctlog

import (
	"errors"
	"fmt"
)

var (
	ErrTooShort = errors.New("log shorter than its header")

	// ErrChecksum is matched by every *ChecksumError.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrMalformedEntry is matched by every *EntryError.
	ErrMalformedEntry = errors.New("malformed log entry")
)

// ChecksumError reports a checksum mismatch in the header or an entry.
type ChecksumError struct {
	Region   string // "header" or "entry"
	Offset   int
	Expected uint16
	Actual   uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s checksum at offset %d: stored %04x, computed %04x", e.Region, e.Offset, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksum
}

// EntryError stops entry parsing. Entries decoded before it are kept.
type EntryError struct {
	Offset int
	Reason string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry at offset %d: %s", e.Offset, e.Reason)
}

func (e *EntryError) Is(target error) bool {
	return target == ErrMalformedEntry
}
