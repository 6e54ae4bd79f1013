package smp

import (
	"errors"
	"fmt"
)

var (
	ErrShortHeader   = errors.New("smp header too short")
	ErrChunkOverflow = errors.New("chunk longer than declared")
	ErrNoProgress    = errors.New("chunk carried no data")
	ErrMissingLength = errors.New("first chunk has no total length")
	ErrOverrun       = errors.New("received more than the declared file length")

	// ErrTransferFailed is matched by every *TransferError.
	ErrTransferFailed = errors.New("file transfer failed")
)

// TransferError is a nonzero return code reported by the tag. The transfer
// ends with whatever was received before it.
type TransferError struct {
	RC       int
	Received int
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("tag returned rc %d after %d bytes", e.RC, e.Received)
}

// Is allows errors.Is(err, ErrTransferFailed).
func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}
