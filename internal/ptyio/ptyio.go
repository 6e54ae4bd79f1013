// Package ptyio exposes an in-process device on a pseudo terminal, so a
// program that expects a serial port can open the slave path and talk to it.
//
// Bytes written to the slave are handed to the device. Bytes the device
// produces are queued in a ring buffer and written back to the master by a
// poll driven loop. When the queue is full the newest bytes are dropped and
// counted.
//
//	link, err := ptyio.Open(sim, ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer link.Close()
//	fmt.Println(link.TTYName()) // e.g. /dev/pts/5
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/ctgate/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const (
	DefaultBufferSize  = 64 * 1024
	DefaultPollTimeout = 50 * time.Millisecond

	chunkSize = 4096
)

// ErrorCallback is called at most once, from a background goroutine, when a
// loop stops on an unexpected error. The link should then be closed.
type ErrorCallback func(err error)

type Options struct {
	// BufferSize is the capacity of the device to terminal queue.
	BufferSize int
	// PollTimeout bounds how long a loop waits before checking for Close.
	PollTimeout time.Duration
	Logger      *logrus.Logger
	OnError     ErrorCallback
}

// Stats are running byte counters.
type Stats struct {
	ToDevice   uint64
	FromDevice uint64
	Dropped    uint64
	Queued     int
}

// Link pumps bytes between a pseudo terminal and a device.
type Link struct {
	dev     io.ReadWriteCloser
	master  *os.File
	fd      int32
	slave   *os.File
	ttyName string
	logger  *logrus.Logger
	poll    int
	onError ErrorCallback
	errOnce sync.Once

	outbound *ringbuffer.RingBuffer
	pending  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	toDevice   atomic.Uint64
	fromDevice atomic.Uint64
	dropped    atomic.Uint64
}

// Open creates a terminal pair and starts pumping. The Link owns dev and
// closes it on Close.
func Open(dev io.ReadWriteCloser, opts Options) (*Link, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	master, fd, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		dev:      dev,
		master:   master,
		fd:       int32(fd),
		slave:    slave,
		ttyName:  slave.Name(),
		logger:   opts.Logger,
		poll:     int(opts.PollTimeout / time.Millisecond),
		onError:  opts.OnError,
		outbound: ringbuffer.New(opts.BufferSize),
		pending:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	if l.poll <= 0 {
		l.poll = 1
	}

	l.wg.Add(3)
	groutine.Go(ctx, "pty-inbound", func(ctx context.Context) {
		defer l.wg.Done()
		l.inbound()
	})
	groutine.Go(ctx, "pty-device-reader", func(ctx context.Context) {
		defer l.wg.Done()
		l.deviceReader()
	})
	groutine.Go(ctx, "pty-outbound", func(ctx context.Context) {
		defer l.wg.Done()
		l.outboundLoop()
	})

	l.logger.WithField("tty", l.ttyName).Info("Device exposed on pseudo terminal")
	return l, nil
}

// TTYName is the slave path other programs open, e.g. /dev/pts/5.
func (l *Link) TTYName() string {
	return l.ttyName
}

func (l *Link) Stats() Stats {
	return Stats{
		ToDevice:   l.toDevice.Load(),
		FromDevice: l.fromDevice.Load(),
		Dropped:    l.dropped.Load(),
		Queued:     l.outbound.Length(),
	}
}

func (l *Link) fail(where string, err error) {
	l.logger.WithError(err).Warnf("%s stopped", where)
	if l.onError != nil {
		l.errOnce.Do(func() { l.onError(fmt.Errorf("%s: %w", where, err)) })
	}
}

func (l *Link) stopping() bool {
	select {
	case <-l.ctx.Done():
		return true
	default:
		return false
	}
}

// inbound reads what the terminal user wrote and hands it to the device.
func (l *Link) inbound() {
	fds := []unix.PollFd{{Fd: l.fd, Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for !l.stopping() {
		n, err := unix.Poll(fds, l.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			l.logger.WithError(err).Debug("inbound poll")
			continue
		}
		if n == 0 {
			continue
		}

		n, err = l.master.Read(buf)
		if n > 0 {
			if _, werr := l.dev.Write(buf[:n]); werr != nil {
				if !l.stopping() {
					l.fail("device write", werr)
				}
				return
			}
			l.toDevice.Add(uint64(n))
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		default:
			// EIO means no one holds the slave open; wait for the next open
			if errors.Is(err, syscall.EIO) {
				time.Sleep(time.Duration(l.poll) * time.Millisecond)
				continue
			}
			if !l.stopping() {
				l.fail("terminal read", err)
			}
			return
		}
	}
}

// deviceReader queues device output for the terminal.
func (l *Link) deviceReader() {
	buf := make([]byte, chunkSize)
	for {
		n, err := l.dev.Read(buf)
		if n > 0 {
			queued, werr := l.outbound.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				l.fail("queue device output", werr)
				return
			}
			if queued < n {
				l.dropped.Add(uint64(n - queued))
				l.logger.WithField("dropped", n-queued).Warn("Terminal queue full")
			}
			select {
			case l.pending <- struct{}{}:
			default:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.stopping() {
				l.fail("device read", err)
			}
			return
		}
	}
}

// outboundLoop writes queued device output to the master.
func (l *Link) outboundLoop() {
	fds := []unix.PollFd{{Fd: l.fd, Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for {
		if l.outbound.IsEmpty() {
			select {
			case <-l.ctx.Done():
				return
			case <-l.pending:
			}
		}

		n, err := l.outbound.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			l.fail("dequeue device output", err)
			return
		}
		for off := 0; off < n; {
			if l.stopping() {
				return
			}
			w, err := l.master.Write(buf[off:n])
			off += w
			l.fromDevice.Add(uint64(w))
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, l.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					l.logger.WithError(perr).Debug("outbound poll")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				l.fail("terminal write", err)
				return
			}
		}
	}
}

// Close stops the loops, closes the terminal pair and the device.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()

	var errs []error
	if err := l.dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-close-wait", func(ctx context.Context) {
		l.wg.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		l.logger.WithField("tty", l.ttyName).Error("Terminal loops did not stop in time")
	}

	if err := l.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := l.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}
	return errors.Join(errs...)
}

// createPTY opens a raw terminal pair with a non-blocking master. The
// master descriptor is returned separately since File.Fd resets the
// non-blocking flag.
func createPTY() (*os.File, int, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("open pseudo terminal: %w", err)
	}
	cleanup := func(cause error) (*os.File, int, *os.File, error) {
		return nil, 0, nil, errors.Join(cause, master.Close(), slave.Close())
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return cleanup(fmt.Errorf("set %s to raw mode: %w", slave.Name(), err))
	}
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return cleanup(fmt.Errorf("set %s master non-blocking: %w", slave.Name(), err))
	}
	return master, fd, slave, nil
}
