// Package session drives one tag through connect, log download, disconnect
// and publish.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/smp"
	"golang.org/x/sync/semaphore"
)

// State is a session lifecycle state. Done and Failed are terminal.
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Downloading
	Disconnecting
	Publishing
	Done
	Failed
)

var stateNames = [...]string{
	Idle:          "idle",
	Connecting:    "connecting",
	Connected:     "connected",
	Downloading:   "downloading",
	Disconnecting: "disconnecting",
	Publishing:    "publishing",
	Done:          "done",
	Failed:        "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Options are the per-session timeouts and limits.
type Options struct {
	ConnectTimeout    time.Duration       `yaml:"connect_timeout" default:"2500ms"`
	DownloadTimeout   time.Duration       `yaml:"download_timeout" default:"45s"`
	DisconnectTimeout time.Duration       `yaml:"disconnect_timeout" default:"1s"`
	PublishTimeout    time.Duration       `yaml:"publish_timeout" default:"2s"`
	MaxRetries        int                 `yaml:"max_retries" default:"2"`
	LogFile           string              `yaml:"log_file" default:"/log/ct"`
	Connect           radio.ConnectParams `yaml:"connect"`
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    2500 * time.Millisecond,
		DownloadTimeout:   45 * time.Second,
		DisconnectTimeout: time.Second,
		PublishTimeout:    2 * time.Second,
		MaxRetries:        2,
		LogFile:           "/log/ct",
		Connect:           radio.DefaultConnectParams(),
	}
}

// Writer sends one radio command.
type Writer interface {
	Write(p []byte) (int, error)
}

// Router is the part of the arbiter a session talks to.
type Router interface {
	BeginConnect(addr string)
	EndConnect()
	Unregister(addr string)
}

// Inbox yields the lines routed to this session, oldest first.
type Inbox interface {
	Get(ctx context.Context) (radio.Line, error)
}

// Publisher receives decoded logs.
type Publisher interface {
	Publish(ctx context.Context, addr string, log *ctlog.Log) error
}

// Env is what sessions of one gateway share.
type Env struct {
	Radio   Writer
	Router  Router
	Lock    *semaphore.Weighted // radio command lock, weight 1
	Sink    Publisher
	Decoder *ctlog.Decoder
	Logger  *logrus.Logger
}

// Outcome summarizes a finished session.
type Outcome struct {
	ID        string
	Address   string
	State     State // Done or Failed
	FailedIn  State // phase that failed, Idle when State is Done
	Err       error
	Handle    radio.Handle
	Bytes     int
	Entries   int
	Records   int
	Published bool
	Elapsed   time.Duration
}

// Session connects to one tag, downloads its log and publishes it, once.
type Session struct {
	id    string
	addr  string
	inbox Inbox
	env   Env
	opts  Options
	log   *logrus.Entry

	state atomic.Int32
}

// New prepares a session for addr. Lines for addr must already be routed to
// inbox.
func New(addr string, inbox Inbox, env Env, opts Options) *Session {
	if env.Logger == nil {
		env.Logger = logrus.New()
	}
	if env.Lock == nil {
		env.Lock = semaphore.NewWeighted(1)
	}
	if env.Decoder == nil {
		env.Decoder = ctlog.NewDecoder(env.Logger)
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	addr = strings.ToUpper(addr)
	id := newID()
	return &Session{
		id:    id,
		addr:  addr,
		inbox: inbox,
		env:   env,
		opts:  opts,
		log:   env.Logger.WithFields(logrus.Fields{"address": addr, "session": id}),
	}
}

func newID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Address() string { return s.addr }
func (s *Session) State() State    { return State(s.state.Load()) }

// Run takes the session from Idle to Done or Failed. It never panics on
// protocol trouble and always unregisters from the router before returning.
func (s *Session) Run(ctx context.Context) Outcome {
	start := time.Now()
	defer s.env.Router.Unregister(s.addr)

	out := Outcome{ID: s.id, Address: s.addr}
	finish := func() Outcome {
		out.Elapsed = time.Since(start)
		return out
	}

	s.enter(Connecting)
	h, err := s.connect(ctx)
	if err != nil {
		s.fail(&out, err)
		return finish()
	}
	out.Handle = h
	s.enter(Connected)

	s.enter(Downloading)
	data, err := s.download(ctx, h)
	if err != nil {
		if !errors.Is(err, ErrLinkDropped) {
			s.disconnect(context.WithoutCancel(ctx), h)
		}
		s.fail(&out, err)
		return finish()
	}
	out.Bytes = len(data)

	s.enter(Disconnecting)
	s.disconnect(ctx, h)

	s.enter(Publishing)
	log, err := s.publish(ctx, data)
	if log != nil {
		out.Entries = len(log.Entries)
		out.Records = log.RecordCount()
	}
	if err != nil {
		s.fail(&out, err)
		return finish()
	}
	out.Published = log != nil

	s.enter(Done)
	out.State = Done
	return finish()
}

func (s *Session) enter(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.log.WithFields(logrus.Fields{"from": prev, "to": st}).Debug("Session state")
}

func (s *Session) fail(out *Outcome, err error) {
	out.FailedIn = s.State()
	out.State = Failed
	out.Err = err
	s.state.Store(int32(Failed))
	s.log.WithError(err).WithField("phase", out.FailedIn).Warn("Session failed")
}

// phaseErr turns a phase deadline into a PhaseTimeoutError. Cancellation
// of the parent context is passed through unchanged.
func phaseErr(parent context.Context, phase State, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return &PhaseTimeoutError{Phase: phase, Timeout: timeout}
	}
	return err
}

func (s *Session) connect(parent context.Context) (radio.Handle, error) {
	ctx, cancel := context.WithTimeout(parent, s.opts.ConnectTimeout)
	defer cancel()

	if err := s.env.Lock.Acquire(ctx, 1); err != nil {
		return 0, phaseErr(parent, Connecting, s.opts.ConnectTimeout, err)
	}
	defer s.env.Lock.Release(1)

	s.env.Router.BeginConnect(s.addr)
	defer s.env.Router.EndConnect()

	cmd := radio.ConnectCommand(s.addr, s.opts.Connect)
	var last string
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		if _, err := s.env.Radio.Write(cmd); err != nil {
			return 0, fmt.Errorf("send connect: %w", err)
		}
		h, reply, err := s.awaitHandle(ctx)
		if err != nil {
			return 0, phaseErr(parent, Connecting, s.opts.ConnectTimeout, err)
		}
		if reply == "" {
			s.log.WithFields(logrus.Fields{"handle": h, "attempt": attempt}).Info("Connected")
			return h, nil
		}
		last = reply
		s.log.WithFields(logrus.Fields{"attempt": attempt, "reply": strings.TrimSpace(reply)}).Debug("Connect attempt failed")
	}
	return 0, &RetryExhaustedError{Attempts: s.opts.MaxRetries, Last: last}
}

// awaitHandle waits for the reply to one connect command. A handle-bearing
// reply returns the handle; any other reply ends the attempt and is
// returned raw.
func (s *Session) awaitHandle(ctx context.Context) (radio.Handle, string, error) {
	for {
		line, err := s.inbox.Get(ctx)
		if err != nil {
			return 0, "", err
		}
		switch line.Kind {
		case radio.KindConnectAccepted, radio.KindWriteConfirm:
			if line.HasHandle {
				return line.Handle, "", nil
			}
			return 0, line.Raw, nil
		case radio.KindConnectConfirm:
			s.log.Trace("Connect confirmed by radio")
		default:
			return 0, line.Raw, nil
		}
	}
}

func (s *Session) download(parent context.Context, h radio.Handle) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, s.opts.DownloadTimeout)
	defer cancel()

	t := smp.NewTransfer(s.opts.LogFile, s.log)
	cmd, err := t.Start(h)
	if err != nil {
		return nil, fmt.Errorf("build read request: %w", err)
	}
	if _, err := s.env.Radio.Write(cmd); err != nil {
		return nil, fmt.Errorf("send read request: %w", err)
	}

	for {
		line, err := s.inbox.Get(ctx)
		if err != nil {
			return nil, phaseErr(parent, Downloading, s.opts.DownloadTimeout, err)
		}

		switch line.Kind {
		case radio.KindNotification:
			res := t.Feed(line.Data)
			switch res.Status {
			case smp.StatusContinue:
			case smp.StatusRequest:
				if _, err := s.env.Radio.Write(res.Request); err != nil {
					return nil, fmt.Errorf("send read request: %w", err)
				}
			case smp.StatusComplete:
				if res.Err != nil {
					s.log.WithError(res.Err).WithField("bytes", len(t.Read())).Warn("Transfer ended early")
				}
				return t.Read(), nil
			case smp.StatusError:
				return nil, fmt.Errorf("download %s: %w", s.opts.LogFile, res.Err)
			}
		case radio.KindDisconnectHandle:
			return nil, ErrLinkDropped
		case radio.KindWriteConfirm:
			s.log.Trace("Write confirmed")
		default:
			s.log.WithField("line", strings.TrimSpace(line.Raw)).Debug("Ignoring line during download")
		}
	}
}

// disconnect is best effort: failures and timeouts are logged only.
func (s *Session) disconnect(parent context.Context, h radio.Handle) {
	ctx, cancel := context.WithTimeout(parent, s.opts.DisconnectTimeout)
	defer cancel()

	if err := s.env.Lock.Acquire(ctx, 1); err != nil {
		s.log.WithError(err).Warn("Could not take radio lock to disconnect")
		return
	}
	_, err := s.env.Radio.Write(radio.DisconnectCommand(h))
	s.env.Lock.Release(1)
	if err != nil {
		s.log.WithError(err).Warn("Disconnect not sent")
		return
	}

	for {
		line, err := s.inbox.Get(ctx)
		if err != nil {
			s.log.WithError(phaseErr(parent, Disconnecting, s.opts.DisconnectTimeout, err)).Warn("Disconnect not confirmed")
			return
		}
		if line.Kind == radio.KindDisconnectHandle {
			s.log.Debug("Disconnected")
			return
		}
	}
}

// publish decodes data and hands it to the sink. An empty download is not
// an error; nothing is published.
func (s *Session) publish(parent context.Context, data []byte) (*ctlog.Log, error) {
	if len(data) == 0 {
		s.log.Info("Empty log, nothing to publish")
		return nil, nil
	}

	log, err := s.env.Decoder.Decode(data)
	if log == nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodableLog, err)
	}
	if err != nil {
		s.log.WithError(err).WithField("entries", len(log.Entries)).Warn("Log decoded partially")
	}

	ctx, cancel := context.WithTimeout(parent, s.opts.PublishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.env.Sink.Publish(ctx, s.addr, log) }()

	select {
	case err := <-done:
		if err != nil {
			return log, fmt.Errorf("%w: %w", ErrPublishRejected, phaseErr(parent, Publishing, s.opts.PublishTimeout, err))
		}
	case <-ctx.Done():
		return log, phaseErr(parent, Publishing, s.opts.PublishTimeout, ctx.Err())
	}

	s.log.WithFields(logrus.Fields{
		"entries": len(log.Entries),
		"records": log.RecordCount(),
	}).Info("Log published")
	return log, nil
}
