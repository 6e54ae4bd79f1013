// Package gateway runs the scan, select, download cycle against one radio.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/arbiter"
	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/internal/decision"
	"github.com/srg/ctgate/internal/groutine"
	"github.com/srg/ctgate/internal/publish"
	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/ringchan"
	"github.com/srg/ctgate/internal/session"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Port is the line-oriented radio link.
type Port interface {
	ReadLine(ctx context.Context) (string, error)
	Write(p []byte) (int, error)
	Drain() int
}

// Options tune the scan loop.
type Options struct {
	// ScanWindow bounds how long advertisements are collected per cycle.
	ScanWindow time.Duration `yaml:"scan_window" default:"2200ms"`
	// RadioScanTimeout is the scan duration handed to the radio, in seconds.
	RadioScanTimeout int `yaml:"radio_scan_timeout" default:"300"`
	// MinCycleInterval paces cycles when nothing is found.
	MinCycleInterval time.Duration `yaml:"min_cycle_interval" default:"1s"`
	// Heartbeat is a cron spec for status messages; empty disables them.
	Heartbeat string `yaml:"heartbeat" default:"@every 5m"`
	// EventBuffer is how many events are kept for a slow reader.
	EventBuffer int `yaml:"event_buffer" default:"64"`
	// HistorySize is how many session outcomes a heartbeat summarizes.
	HistorySize int `yaml:"history_size" default:"256"`
	// StartupStatus is sent once when Run starts.
	StartupStatus string `yaml:"startup_status" default:"startup - ctgate"`
}

// DefaultOptions matches the struct tag defaults.
func DefaultOptions() Options {
	return Options{
		ScanWindow:       2200 * time.Millisecond,
		RadioScanTimeout: radio.DefaultScanTimeout,
		MinCycleInterval: time.Second,
		Heartbeat:        "@every 5m",
		EventBuffer:      64,
		HistorySize:      256,
		StartupStatus:    "startup - ctgate",
	}
}

// EventKind tells which fields of an Event are set.
type EventKind int

const (
	EventScan EventKind = iota
	EventSession
)

// Event reports progress. Scan events carry the advertisements and the
// selection; session events carry the outcome.
type Event struct {
	Kind     EventKind
	Cycle    uint64
	At       time.Time
	Results  []radio.ScanResult
	Selected []string
	Outcome  session.Outcome
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Cycle       uint64
	Advertised  int
	ScanTimeout bool
	Selected    []string
	Outcomes    []session.Outcome
	Routed      uint64
	Dropped     uint64
	Orphaned    uint64
}

// Gateway owns the radio and runs scan cycles on it.
type Gateway struct {
	port    Port
	engine  *decision.Engine
	sink    publish.Sink
	opts    Options
	sopts   session.Options
	logger  *logrus.Logger
	lock    *semaphore.Weighted
	limiter *rate.Limiter
	decoder *ctlog.Decoder
	events  *ringchan.RingChannel[Event]
	history mpmc.RichOverlappedRingBuffer[session.Outcome]
	now     func() time.Time

	cycles    atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a gateway. A nil sink discards everything.
func New(port Port, engine *decision.Engine, sink publish.Sink, opts Options, sopts session.Options, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = publish.Multi{}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 256
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = DefaultOptions().ScanWindow
	}
	limit := rate.Inf
	if opts.MinCycleInterval > 0 {
		limit = rate.Every(opts.MinCycleInterval)
	}
	return &Gateway{
		port:    port,
		engine:  engine,
		sink:    sink,
		opts:    opts,
		sopts:   sopts,
		logger:  logger,
		lock:    semaphore.NewWeighted(1),
		limiter: rate.NewLimiter(limit, 1),
		decoder: ctlog.NewDecoder(logger),
		events:  ringchan.New[Event](opts.EventBuffer),
		history: mpmc.NewOverlappedRingBuffer[session.Outcome](uint32(opts.HistorySize)),
		now:     time.Now,
	}
}

// Events streams scan and session events. The oldest are dropped when the
// reader falls behind. The channel closes when Run returns.
func (g *Gateway) Events() <-chan Event {
	return g.events.C()
}

// Run cycles until ctx is done. Only a failing radio link ends it early.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.events.Close()

	g.status(ctx, g.opts.StartupStatus)

	if g.opts.Heartbeat != "" {
		c := cron.New()
		if _, err := c.AddFunc(g.opts.Heartbeat, func() { g.heartbeat(ctx) }); err != nil {
			return fmt.Errorf("heartbeat schedule %q: %w", g.opts.Heartbeat, err)
		}
		c.Start()
		defer c.Stop()
	}

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := g.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context) {
	g.status(ctx, g.Summary())
}

// Summary renders the running totals plus the sessions finished since the
// previous call. Failed tags are listed once each, in finishing order.
func (g *Gateway) Summary() string {
	var ok, failed int
	var tags []string
	seen := make(map[string]struct{})
	for !g.history.IsEmpty() {
		o, err := g.history.Dequeue()
		if err != nil {
			break
		}
		if o.State == session.Done {
			ok++
			continue
		}
		failed++
		if _, dup := seen[o.Address]; !dup {
			seen[o.Address] = struct{}{}
			tags = append(tags, o.Address)
		}
	}

	text := fmt.Sprintf("alive - cycles %d, published %d, failed %d",
		g.cycles.Load(), g.published.Load(), g.failed.Load())
	if ok+failed > 0 {
		text += fmt.Sprintf(", recent %d ok %d failed", ok, failed)
	}
	if len(tags) > 0 {
		text += " (" + strings.Join(tags, ",") + ")"
	}
	return text
}

func (g *Gateway) status(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := g.sink.Status(ctx, text); err != nil {
		g.logger.WithError(err).Warn("Status not delivered")
	}
}

// Cycle runs one scan and services the selected tags. The error is non-nil
// only when the radio link failed.
func (g *Gateway) Cycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{Cycle: g.cycles.Add(1)}
	log := g.logger.WithField("cycle", report.Cycle)

	if n := g.port.Drain(); n > 0 {
		log.WithField("lines", n).Debug("Discarded stale radio lines")
	}

	if _, err := g.port.Write(radio.AdvertiseCommand(radio.AdvertisementTime(g.now()))); err != nil {
		return report, fmt.Errorf("set time advertisement: %w", err)
	}
	if _, err := g.port.Write(radio.ScanCommand(g.opts.RadioScanTimeout)); err != nil {
		return report, fmt.Errorf("start scan: %w", err)
	}

	results, timedOut, err := g.collect(ctx)
	if err != nil {
		return report, err
	}
	report.Advertised = len(results)
	report.ScanTimeout = timedOut
	if !timedOut {
		log.Debug("Scan window elapsed before the radio finished")
	}

	report.Selected = g.engine.Select(results)
	g.events.Send(Event{Kind: EventScan, Cycle: report.Cycle, At: g.now(), Results: results, Selected: report.Selected})
	if len(report.Selected) == 0 {
		return report, nil
	}
	log.WithFields(logrus.Fields{
		"found":    len(results),
		"selected": strings.Join(report.Selected, ","),
	}).Info("Servicing tags")

	err = g.service(ctx, &report)
	for _, o := range report.Outcomes {
		if o.State == session.Done {
			if o.Published {
				g.published.Add(1)
			}
		} else {
			g.failed.Add(1)
		}
	}
	return report, err
}

// collect reads advertisements until the radio reports the scan is over or
// the window elapses. Advertisements that do not parse are logged and
// skipped.
func (g *Gateway) collect(ctx context.Context) ([]radio.ScanResult, bool, error) {
	wctx, cancel := context.WithTimeout(ctx, g.opts.ScanWindow)
	defer cancel()

	var results []radio.ScanResult
	for {
		raw, err := g.port.ReadLine(wctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return results, false, nil
			}
			return results, false, fmt.Errorf("read scan results: %w", err)
		}

		line := radio.Classify(raw)
		switch line.Kind {
		case radio.KindScanTimeout:
			return results, true, nil
		case radio.KindAdvertisement:
			res, err := radio.ParseAdvertisement(raw)
			if err != nil {
				g.logger.WithError(err).Warn("Skipping advertisement")
				continue
			}
			results = append(results, res)
		case radio.KindDiagnostic:
			g.logger.WithField("line", strings.TrimSpace(raw)).Warn("Radio diagnostic")
		default:
			if line.Err != nil {
				g.logger.WithError(line.Err).Warn("Skipping malformed line during scan")
			} else {
				g.logger.WithField("line", strings.TrimSpace(raw)).Debug("Ignoring line during scan")
			}
		}
	}
}

// service runs one session per selected tag behind a fresh arbiter. The
// arbiter is stopped only after every session has returned.
func (g *Gateway) service(ctx context.Context, report *CycleReport) error {
	arb := arbiter.New(g.port, g.logger)
	arb.OnOrphan(g.closeOrphan)
	env := session.Env{
		Radio:   g.port,
		Router:  arb,
		Lock:    g.lock,
		Sink:    g.sink,
		Decoder: g.decoder,
		Logger:  g.logger,
	}

	sessions := make([]*session.Session, len(report.Selected))
	for i, addr := range report.Selected {
		sessions[i] = session.New(addr, arb.Register(addr), env, g.sopts)
	}

	sctx, cancelSessions := context.WithCancel(ctx)
	defer cancelSessions()

	actx, stopArbiter := context.WithCancel(context.Background())
	arbDone := make(chan error, 1)
	groutine.Go(actx, "arbiter", func(ctx context.Context) {
		err := arb.Run(ctx)
		if err != nil {
			g.logger.WithError(err).Error("Arbiter stopped")
			cancelSessions()
		}
		arbDone <- err
	})

	report.Outcomes = make([]session.Outcome, len(sessions))
	var group groutine.Group
	for i, s := range sessions {
		group.Go(sctx, "session-"+s.Address(), func(ctx context.Context) {
			out := s.Run(ctx)
			report.Outcomes[i] = out
			if _, err := g.history.EnqueueM(out); err != nil {
				g.logger.WithError(err).Debug("Outcome not kept for heartbeat")
			}
			g.events.Send(Event{Kind: EventSession, Cycle: report.Cycle, At: g.now(), Outcome: out})
		})
	}
	group.Wait()

	stopArbiter()
	err := <-arbDone

	st := arb.Stats()
	report.Routed, report.Dropped, report.Orphaned = st.Routed, st.Dropped, st.Orphaned
	return err
}

// closeOrphan disconnects a link no session owns. It runs detached so the
// routing goroutine never waits for the radio lock.
func (g *Gateway) closeOrphan(h radio.Handle, addr string) {
	timeout := g.sopts.DisconnectTimeout
	if timeout <= 0 {
		timeout = session.DefaultOptions().DisconnectTimeout
	}
	log := g.logger.WithFields(logrus.Fields{"handle": h, "address": addr})

	groutine.Go(context.Background(), "orphan-"+h.String(), func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := g.lock.Acquire(ctx, 1); err != nil {
			log.WithError(err).Warn("Could not take radio lock to close orphaned link")
			return
		}
		defer g.lock.Release(1)
		if _, err := g.port.Write(radio.DisconnectCommand(h)); err != nil {
			log.WithError(err).Warn("Disconnect for orphaned link not sent")
			return
		}
		log.Info("Closing orphaned link")
	})
}
