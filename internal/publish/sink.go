package publish

import (
	"context"
	"errors"

	"github.com/srg/ctgate/internal/ctlog"
)

var (
	ErrUnknownFormat = errors.New("unknown payload format")
	ErrSinkOpen      = errors.New("sink circuit open")
)

// Sink is where decoded logs and gateway status go. Implementations must
// return once ctx is done.
type Sink interface {
	Publish(ctx context.Context, addr string, log *ctlog.Log) error
	Status(ctx context.Context, text string) error
}

// Multi fans every call out to all sinks. Every sink is tried; the errors
// are joined.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, addr string, log *ctlog.Log) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Publish(ctx, addr, log))
	}
	return errors.Join(errs...)
}

func (m Multi) Status(ctx context.Context, text string) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Status(ctx, text))
	}
	return errors.Join(errs...)
}

var _ Sink = Multi(nil)
