package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
	"github.com/srg/ctgate/internal/ctlog"
)

// BreakerConfig controls when a failing sink is cut off.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the circuit.
	MaxFailures uint32 `yaml:"max_failures" default:"3"`
	// Timeout is how long the circuit stays open before a probe is let through.
	Timeout time.Duration `yaml:"timeout" default:"30s"`
	// Interval clears failure counts while closed; zero never clears them.
	Interval time.Duration `yaml:"interval" default:"60s"`
}

// BreakerSink fails fast while the wrapped sink keeps failing, so sessions
// do not each spend their publish timeout on a dead upstream.
type BreakerSink struct {
	inner   Sink
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerSink(name string, inner Sink, cfg BreakerConfig, logger *logrus.Logger) *BreakerSink {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "sink:" + name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Sink circuit state change")
		},
		// a caller giving up is not the sink's fault
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerSink{inner: inner, breaker: cb}
}

func (b *BreakerSink) Publish(ctx context.Context, addr string, log *ctlog.Log) error {
	return b.execute(func() error { return b.inner.Publish(ctx, addr, log) })
}

func (b *BreakerSink) Status(ctx context.Context, text string) error {
	return b.execute(func() error { return b.inner.Status(ctx, text) })
}

func (b *BreakerSink) execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrSinkOpen, err)
	}
	return err
}

// State is the current circuit state.
func (b *BreakerSink) State() gobreaker.State {
	return b.breaker.State()
}

var _ Sink = (*BreakerSink)(nil)
