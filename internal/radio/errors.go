package radio

import (
	"errors"
	"fmt"
)

// ErrMalformedLine is matched by every *ParseError.
var ErrMalformedLine = errors.New("malformed radio line")

// ParseError reports a line with a known prefix whose fields could not be
// decoded. It is scoped to that one line.
type ParseError struct {
	Kind   Kind
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s line %q: %s", e.Kind, e.Line, e.Reason)
}

// Is allows errors.Is(err, ErrMalformedLine).
func (e *ParseError) Is(target error) bool {
	return target == ErrMalformedLine
}
