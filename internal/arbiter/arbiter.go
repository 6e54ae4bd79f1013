// Package arbiter is the single consumer of radio lines. It learns which
// connection handle belongs to which device and routes every line to the
// inbox of the session that owns it.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/radio"
)

// LineReader yields one radio line at a time. Cancelling ctx must not lose
// a line that has already been read from the wire.
type LineReader interface {
	ReadLine(ctx context.Context) (string, error)
}

// Stats counts routing outcomes since the arbiter was created.
type Stats struct {
	Routed   uint64
	Dropped  uint64
	Orphaned uint64
}

// OrphanFunc is told about a link no session will close: accepted after its
// session unregistered, or still mapped when the session unregistered. It
// is called on the routing goroutine and must not block.
type OrphanFunc func(h radio.Handle, addr string)

// Arbiter routes radio lines to per-device inboxes.
type Arbiter struct {
	reader   LineReader
	logger   *logrus.Logger
	onOrphan OrphanFunc

	handles *hashmap.Map[uint32, string]
	inboxes *hashmap.Map[string, *Inbox]

	pendingMu sync.Mutex
	pending   string

	routed   atomic.Uint64
	dropped  atomic.Uint64
	orphaned atomic.Uint64
}

// New creates an arbiter reading from reader. Nothing is read until Run.
func New(reader LineReader, logger *logrus.Logger) *Arbiter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Arbiter{
		reader:  reader,
		logger:  logger,
		handles: hashmap.New[uint32, string](),
		inboxes: hashmap.New[string, *Inbox](),
	}
}

// OnOrphan sets the handler for orphaned links. Call it before Run.
func (a *Arbiter) OnOrphan(fn OrphanFunc) {
	a.onOrphan = fn
}

// Register creates the inbox for addr. Registering an address twice returns
// the existing inbox.
func (a *Arbiter) Register(addr string) *Inbox {
	inbox, _ := a.inboxes.GetOrInsert(addr, newInbox())
	return inbox
}

// Unregister removes addr's inbox and every handle mapped to it. Lines still
// queued for it are discarded.
func (a *Arbiter) Unregister(addr string) {
	if inbox, ok := a.inboxes.Get(addr); ok {
		if n := inbox.Discard(); n > 0 {
			a.logger.WithFields(logrus.Fields{"address": addr, "lines": n}).Debug("Discarded unread lines")
		}
		a.inboxes.Del(addr)
	}

	var stale []uint32
	a.handles.Range(func(h uint32, owner string) bool {
		if owner == addr {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		if a.handles.Del(h) {
			a.orphan(radio.Handle(h), addr)
		}
	}

	a.pendingMu.Lock()
	if a.pending == addr {
		a.pending = ""
	}
	a.pendingMu.Unlock()
}

// BeginConnect records addr as the device whose connect or disconnect is
// outstanding. Lines that carry neither an address nor a known handle go to
// it. Callers hold the radio command lock.
func (a *Arbiter) BeginConnect(addr string) {
	a.pendingMu.Lock()
	a.pending = addr
	a.pendingMu.Unlock()
}

// EndConnect clears the outstanding device.
func (a *Arbiter) EndConnect() {
	a.pendingMu.Lock()
	a.pending = ""
	a.pendingMu.Unlock()
}

// Owner returns the device mapped to h.
func (a *Arbiter) Owner(h radio.Handle) (string, bool) {
	return a.handles.Get(uint32(h))
}

// Stats returns the counters so far.
func (a *Arbiter) Stats() Stats {
	return Stats{Routed: a.routed.Load(), Dropped: a.dropped.Load(), Orphaned: a.orphaned.Load()}
}

// Run routes lines until ctx is done or the reader fails. Cancellation is
// not an error.
func (a *Arbiter) Run(ctx context.Context) error {
	a.logger.Debug("Arbiter started")
	defer func() {
		a.logger.WithFields(logrus.Fields{"routed": a.routed.Load(), "dropped": a.dropped.Load()}).Debug("Arbiter stopped")
	}()

	for {
		raw, err := a.reader.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read radio line: %w", err)
		}
		_ = a.Route(raw)
	}
}

// Route classifies raw and delivers it. The returned error is already
// logged; it is informational for callers and tests.
func (a *Arbiter) Route(raw string) error {
	line := radio.Classify(raw)
	log := a.logger.WithField("kind", line.Kind)

	var err error
	switch line.Routing() {
	case radio.RouteLearnHandle:
		a.handles.Set(uint32(line.Handle), line.Address)
		log.WithFields(logrus.Fields{"handle": line.Handle, "address": line.Address}).Debug("Learned handle")
		err = a.deliver(line.Address, line)
		if errors.Is(err, ErrNoSession) && a.handles.Del(uint32(line.Handle)) {
			a.orphan(line.Handle, line.Address)
		}

	case radio.RouteByAddress:
		err = a.deliver(line.Address, line)

	case radio.RouteByHandle:
		addr, ok := a.handles.Get(uint32(line.Handle))
		if !ok && line.Kind == radio.KindWriteConfirm {
			addr, ok = a.pendingAddress()
		}
		if !ok {
			err = &HandleResolutionError{Handle: line.Handle, Kind: line.Kind}
			break
		}
		if line.Kind == radio.KindDisconnectHandle {
			a.handles.Del(uint32(line.Handle))
		}
		err = a.deliver(addr, line)

	case radio.RouteToPending:
		addr, ok := a.pendingAddress()
		if !ok {
			err = ErrNoPending
			break
		}
		err = a.deliver(addr, line)

	case radio.RouteScan:
		log.Trace("Ignoring scan line outside the scan window")
		a.dropped.Add(1)
		return nil

	case radio.RouteDiagnostic:
		log.WithField("line", line.Raw).Warn("Radio diagnostic")
		a.dropped.Add(1)
		return nil

	default:
		err = ErrUnroutable
		if line.Err != nil {
			err = line.Err
		}
	}

	if err != nil {
		a.dropped.Add(1)
		log.WithError(err).WithField("line", line.Raw).Error("Dropping radio line")
		return err
	}
	a.routed.Add(1)
	return nil
}

func (a *Arbiter) deliver(addr string, line radio.Line) error {
	inbox, ok := a.inboxes.Get(addr)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoSession, addr)
	}
	inbox.Put(line)
	return nil
}

func (a *Arbiter) orphan(h radio.Handle, addr string) {
	a.orphaned.Add(1)
	a.logger.WithFields(logrus.Fields{"handle": h, "address": addr}).Warn("Link left open without a session")
	if a.onOrphan != nil {
		a.onOrphan(h, addr)
	}
}

func (a *Arbiter) pendingAddress() (string, bool) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	return a.pending, a.pending != ""
}
