package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPhaseTimeout    = errors.New("session phase timed out")
	ErrRetryExhausted  = errors.New("connect retries exhausted")
	ErrLinkDropped     = errors.New("link dropped during download")
	ErrUndecodableLog  = errors.New("downloaded log could not be decoded")
	ErrPublishRejected = errors.New("sink rejected log")
)

// PhaseTimeoutError is returned when a phase exceeds its deadline.
type PhaseTimeoutError struct {
	Phase   State
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("%s did not finish within %s", e.Phase, e.Timeout)
}

func (e *PhaseTimeoutError) Is(target error) bool {
	return target == ErrPhaseTimeout
}

// RetryExhaustedError is returned when every connect attempt was answered
// without a connection handle.
type RetryExhaustedError struct {
	Attempts int
	Last     string // raw line that ended the last attempt
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("no connection handle after %d attempts (last reply %q)", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}
