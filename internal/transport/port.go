// Package transport frames the radio byte stream into lines.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/groutine"
	"go.bug.st/serial"
)

// ErrClosed is returned by ReadLine and Write after Close.
var ErrClosed = errors.New("port closed")

const lineBacklog = 256

// Port is a line-oriented view of the radio link. One goroutine reads the
// underlying stream and queues complete lines, so a caller that gives up
// waiting never leaves a half-read line behind.
type Port struct {
	rwc    io.ReadWriteCloser
	logger *logrus.Logger

	lines chan string
	done  chan struct{}

	errMu   sync.Mutex
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New starts reading rwc. The Port owns rwc from now on.
func New(rwc io.ReadWriteCloser, logger *logrus.Logger) *Port {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Port{
		rwc:    rwc,
		logger: logger,
		lines:  make(chan string, lineBacklog),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), "radio-line-reader", func(ctx context.Context) {
		p.readLoop()
	})
	return p
}

// SerialConfig describes the radio UART.
type SerialConfig struct {
	Name        string
	Baud        int
	ReadTimeout time.Duration
}

// OpenSerial opens the radio UART, 8N1.
func OpenSerial(cfg SerialConfig, logger *logrus.Logger) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	sp, err := serial.Open(cfg.Name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Name, err)
	}
	if err := sp.ResetInputBuffer(); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("reset input buffer on %s: %w", cfg.Name, err)
	}
	if cfg.ReadTimeout > 0 {
		if err := sp.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = sp.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Name, err)
		}
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{"port": cfg.Name, "baud": cfg.Baud}).Info("Opened radio serial port")
	}
	return New(timeoutTolerant{sp}, logger), nil
}

// timeoutTolerant turns the zero-byte reads a serial port returns on read
// timeout into retries, so bufio does not treat them as progress errors.
type timeoutTolerant struct {
	serial.Port
}

func (t timeoutTolerant) Read(p []byte) (int, error) {
	for {
		n, err := t.Port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (p *Port) readLoop() {
	defer close(p.lines)

	r := bufio.NewReader(p.rwc)
	for {
		line, err := r.ReadString('\n')
		if line != "" && (err == nil || err == io.EOF) {
			p.logger.WithField("line", line).Trace("radio <-")
			select {
			case p.lines <- line:
			case <-p.done:
				return
			}
		}
		if err != nil {
			p.errMu.Lock()
			p.readErr = err
			p.errMu.Unlock()
			select {
			case <-p.done:
			default:
				if !errors.Is(err, io.EOF) {
					p.logger.WithError(err).Error("Radio read failed")
				}
			}
			return
		}
	}
}

// ReadLine returns the next line, terminator included. Lines are never
// lost to a cancelled ctx; the next call gets them.
func (p *Port) ReadLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			return "", p.err()
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Drain discards lines already queued. Used between scan cycles.
func (p *Port) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-p.lines:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Write sends one command. Concurrent writers are serialized so commands
// never interleave on the wire.
func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.logger.WithField("cmd", string(b)).Trace("radio ->")
	n, err := p.rwc.Write(b)
	if err != nil {
		return n, fmt.Errorf("write radio command: %w", err)
	}
	return n, nil
}

// Close stops the reader and closes the underlying stream.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.rwc.Close()
	})
	return err
}

func (p *Port) err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if p.readErr == nil {
		return ErrClosed
	}
	return p.readErr
}
