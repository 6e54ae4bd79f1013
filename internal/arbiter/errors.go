package arbiter

import (
	"errors"
	"fmt"

	"github.com/srg/ctgate/internal/radio"
)

var (
	// ErrUnknownHandle is matched by every *HandleResolutionError.
	ErrUnknownHandle = errors.New("no device for handle")
	ErrNoSession     = errors.New("no session for address")
	ErrNoPending     = errors.New("no connect in progress")
	ErrUnroutable    = errors.New("unroutable line")
)

// HandleResolutionError is a handle-bearing line whose handle was never
// announced by a connect-accepted line.
type HandleResolutionError struct {
	Handle radio.Handle
	Kind   radio.Kind
}

func (e *HandleResolutionError) Error() string {
	return fmt.Sprintf("%s line for unknown handle %s", e.Kind, e.Handle)
}

func (e *HandleResolutionError) Is(target error) bool {
	return target == ErrUnknownHandle
}
