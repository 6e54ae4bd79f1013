package smp

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/radio"
)

// Status tells the caller what to do after feeding a fragment.
type Status int

const (
	// StatusContinue: wait for the next notification.
	StatusContinue Status = iota
	// StatusRequest: write Result.Request, then wait.
	StatusRequest
	// StatusComplete: Read returns the assembled file. Result.Err carries a
	// *TransferError when the tag ended the transfer early.
	StatusComplete
	// StatusError: the transfer cannot continue.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "continue"
	case StatusRequest:
		return "request"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of one Feed call.
type Result struct {
	Status  Status
	Request []byte
	Err     error
}

// Transfer downloads one file over a single connection. It is not safe for
// concurrent use; one session owns it.
type Transfer struct {
	name   string
	logger logrus.FieldLogger

	handle radio.Handle
	seq    uint8

	total     int
	haveTotal bool
	file      bytes.Buffer

	chunk    []byte
	chunkLen int
	inChunk  bool

	complete bool
	err      error
	started  time.Time
}

// NewTransfer prepares a download of name.
func NewTransfer(name string, logger logrus.FieldLogger) *Transfer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transfer{
		name:   name,
		logger: logger.WithField("file", name),
	}
}

// Start returns the first read request, offset zero and sequence zero, as a
// radio command addressed to h.
func (t *Transfer) Start(h radio.Handle) ([]byte, error) {
	t.handle = h
	t.seq = 0
	t.started = time.Now()
	return t.request(0)
}

// Feed consumes one notification payload.
func (t *Transfer) Feed(fragment []byte) Result {
	if t.complete {
		return Result{Status: StatusComplete, Err: t.err}
	}

	if !t.inChunk {
		h, err := ParseHeader(fragment)
		if err != nil {
			// nothing more can be framed on this link; keep what we have
			t.logger.WithError(err).Warn("Unparseable chunk header, ending transfer")
			return t.finish(err)
		}
		t.inChunk = true
		t.chunkLen = int(h.Length)
		t.chunk = append(t.chunk[:0], fragment[HeaderSize:]...)
		t.seq = h.Seq
		t.logger.WithFields(logrus.Fields{"len": h.Length, "seq": h.Seq}).Debug("New chunk")
	} else {
		t.chunk = append(t.chunk, fragment...)
	}

	switch {
	case len(t.chunk) < t.chunkLen:
		return Result{Status: StatusContinue}
	case len(t.chunk) > t.chunkLen:
		return t.fail(fmt.Errorf("%w: %d of %d bytes", ErrChunkOverflow, len(t.chunk), t.chunkLen))
	}

	t.inChunk = false
	var resp ReadResponse
	if err := cbor.Unmarshal(t.chunk, &resp); err != nil {
		return t.fail(fmt.Errorf("decode chunk: %w", err))
	}

	if resp.RC != 0 {
		t.logger.WithFields(logrus.Fields{"rc": resp.RC, "received": t.file.Len()}).Error("Tag rejected read")
		return t.finish(&TransferError{RC: resp.RC, Received: t.file.Len()})
	}

	if !t.haveTotal {
		if resp.Len == nil {
			return t.fail(ErrMissingLength)
		}
		t.total = *resp.Len
		t.haveTotal = true
	}

	t.file.Write(resp.Data)
	received := t.file.Len()
	t.logger.WithFields(logrus.Fields{
		"off":      resp.Off,
		"chunk":    len(resp.Data),
		"received": received,
		"total":    t.total,
	}).Debug("Chunk decoded")

	switch {
	case received == t.total:
		return t.finish(nil)
	case received > t.total:
		return t.fail(fmt.Errorf("%w: %d > %d", ErrOverrun, received, t.total))
	case len(resp.Data) == 0:
		return t.fail(ErrNoProgress)
	}

	t.seq++
	cmd, err := t.request(received)
	if err != nil {
		return t.fail(err)
	}
	return Result{Status: StatusRequest, Request: cmd}
}

// Read returns the assembled bytes. Before completion it returns what has
// been received so far.
func (t *Transfer) Read() []byte {
	return t.file.Bytes()
}

// Complete reports whether the transfer has finished.
func (t *Transfer) Complete() bool {
	return t.complete
}

// Err returns the reason the transfer ended early, if any.
func (t *Transfer) Err() error {
	return t.err
}

func (t *Transfer) request(off int) ([]byte, error) {
	frame, err := EncodeReadRequest(t.name, off, t.seq)
	if err != nil {
		return nil, err
	}
	t.logger.WithFields(logrus.Fields{"off": off, "seq": t.seq}).Debug("Read request")
	return radio.GattWriteCommand(t.handle, frame), nil
}

func (t *Transfer) finish(err error) Result {
	t.complete = true
	t.err = err

	elapsed := time.Since(t.started)
	fields := logrus.Fields{"bytes": t.file.Len(), "duration": elapsed.Round(time.Millisecond)}
	if s := elapsed.Seconds(); s > 0 {
		fields["bytes_per_sec"] = fmt.Sprintf("%.2f", float64(t.file.Len())/s)
	}
	t.logger.WithFields(fields).Info("Download complete")
	return Result{Status: StatusComplete, Err: err}
}

func (t *Transfer) fail(err error) Result {
	t.err = err
	return Result{Status: StatusError, Err: err}
}
