// Package simradio is an in-memory radio module. It speaks the same serial
// dialect as the real one and serves logs from simulated tags, so the
// gateway can run end to end without hardware.
package simradio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/smp"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultMTU       = 20
	DefaultChunkSize = 64
	defaultIntake    = 64 * 1024

	notifyAttr     = "16"
	writeCmdPrefix = "gattc writecmdx "
	cmdTerminator  = "\r\n"

	rcNoEntry = 2
)

// Tag is a simulated contact tracing tag.
type Tag struct {
	Address       string `yaml:"address"`
	DeviceID      string `yaml:"device_id"`
	RSSI          int    `yaml:"rssi"`
	DataAvailable bool   `yaml:"data_available"`
	Epoch         uint32 `yaml:"epoch"`

	// Files maps paths to contents. A read of a missing path is rejected
	// with rc 2.
	Files map[string][]byte `yaml:"-"`

	// RejectConnects answers that many connect attempts with a timeout
	// before accepting.
	RejectConnects int `yaml:"reject_connects"`
	// Silent tags accept the connection but never answer reads.
	Silent bool `yaml:"silent"`
	// DropAfter drops the link after that many read requests; zero never.
	DropAfter int `yaml:"drop_after"`
}

type Options struct {
	MTU       int
	ChunkSize int
	Logger    *logrus.Logger
}

type tagState struct {
	Tag
	rejected int
	reads    int
}

// Radio implements io.ReadWriteCloser: commands are written to it and
// replies are read from it.
type Radio struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	intake     *ringbuffer.RingBuffer
	tags       *orderedmap.OrderedMap[string, *tagState]
	links      map[radio.Handle]string
	nextHandle radio.Handle
	transcript []string
	advert     string

	outMu  sync.Mutex
	out    bytes.Buffer
	ready  *sync.Cond
	closed bool
}

func New(opts Options, tags ...Tag) *Radio {
	if opts.MTU <= smp.HeaderSize {
		opts.MTU = DefaultMTU
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	r := &Radio{
		opts:       opts,
		logger:     opts.Logger,
		intake:     ringbuffer.New(defaultIntake),
		tags:       orderedmap.New[string, *tagState](),
		links:      make(map[radio.Handle]string),
		nextHandle: 1,
	}
	r.ready = sync.NewCond(&r.outMu)
	for _, t := range tags {
		r.AddTag(t)
	}
	return r
}

// AddTag makes t visible to scans. Adding an existing address replaces it.
func (r *Radio) AddTag(t Tag) {
	t.Address = strings.ToUpper(t.Address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags.Set(t.Address, &tagState{Tag: t})
}

// Transcript returns one line per command received, payloads summarized.
func (r *Radio) Transcript() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transcript...)
}

// Advertisement is the last payload set with the adv command.
func (r *Radio) Advertisement() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advert
}

// Write accepts command bytes. Commands may be split across writes.
func (r *Radio) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed() {
		return 0, io.ErrClosedPipe
	}
	if n, err := r.intake.Write(p); err != nil {
		r.intake.Reset()
		r.emit("## rx overflow")
		return n, fmt.Errorf("simulated radio intake: %w", err)
	}

	buf := make([]byte, r.intake.Length())
	if _, err := r.intake.TryRead(buf); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	used := r.parse(buf)
	if used < len(buf) {
		_, _ = r.intake.Write(buf[used:])
	}
	return len(p), nil
}

// Read returns reply bytes, waiting until some are available.
func (r *Radio) Read(p []byte) (int, error) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	for r.out.Len() == 0 && !r.closed {
		r.ready.Wait()
	}
	if r.out.Len() == 0 {
		return 0, io.EOF
	}
	return r.out.Read(p)
}

func (r *Radio) Close() error {
	r.outMu.Lock()
	r.closed = true
	r.outMu.Unlock()
	r.ready.Broadcast()
	return nil
}

func (r *Radio) isClosed() bool {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return r.closed
}

func (r *Radio) emit(line string) {
	r.logger.WithField("line", line).Trace("sim radio <-")
	r.outMu.Lock()
	r.out.WriteString(line)
	r.out.WriteByte('\n')
	r.outMu.Unlock()
	r.ready.Broadcast()
}

// parse runs every complete command in buf and returns how many bytes were
// consumed.
func (r *Radio) parse(buf []byte) int {
	used := 0
	for used < len(buf) {
		rest := buf[used:]

		if bytes.HasPrefix(rest, []byte(writeCmdPrefix)) {
			n, ok := r.parseWrite(rest)
			if !ok {
				return used
			}
			used += n
			continue
		}
		if len(rest) < len(writeCmdPrefix) && bytes.HasPrefix([]byte(writeCmdPrefix), rest) {
			return used
		}

		end := bytes.Index(rest, []byte(cmdTerminator))
		if end < 0 {
			return used
		}
		r.command(strings.TrimSpace(string(rest[:end])))
		used += end + len(cmdTerminator)
	}
	return used
}

// parseWrite handles "gattc writecmdx <h> <n> <n raw bytes> \r\n".
func (r *Radio) parseWrite(b []byte) (int, bool) {
	head := b[len(writeCmdPrefix):]
	sp1 := bytes.IndexByte(head, ' ')
	if sp1 < 0 {
		return 0, false
	}
	sp2 := bytes.IndexByte(head[sp1+1:], ' ')
	if sp2 < 0 {
		return 0, false
	}
	sp2 += sp1 + 1

	h, errH := strconv.ParseUint(string(head[:sp1]), 10, 32)
	n, errN := strconv.Atoi(string(head[sp1+1 : sp2]))
	if errH != nil || errN != nil || n < 0 {
		// not a well-formed write; drop through to the next terminator
		end := bytes.Index(b, []byte(cmdTerminator))
		if end < 0 {
			return 0, false
		}
		r.record("gattc writecmdx ?")
		r.emit("## bad write")
		return end + len(cmdTerminator), true
	}

	start := len(writeCmdPrefix) + sp2 + 1
	total := start + n + len(" "+cmdTerminator)
	if len(b) < total {
		return 0, false
	}
	r.write(radio.Handle(h), b[start:start+n])
	return total, true
}

func (r *Radio) record(s string) {
	r.transcript = append(r.transcript, s)
}

func (r *Radio) command(text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	r.record(text)

	switch fields[0] {
	case "scan":
		if len(fields) > 1 && fields[1] == "start" {
			r.scan()
		}
	case "adv":
		if len(fields) > 1 {
			r.advert = fields[1]
		}
	case "connect":
		if len(fields) < 2 {
			r.emit("## bad connect")
			return
		}
		r.connect(strings.ToUpper(fields[1]))
	case "disconnect":
		h, err := strconv.ParseUint(fieldOr(fields, 1), 10, 32)
		if err != nil {
			r.emit("## bad disconnect")
			return
		}
		r.disconnect(radio.Handle(h))
	default:
		r.emit("## unknown command " + fields[0])
	}
}

func fieldOr(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func (r *Radio) scan() {
	for p := r.tags.Oldest(); p != nil; p = p.Next() {
		t := p.Value
		r.emit(strings.TrimSuffix(radio.FormatAdvertisement(radio.ScanResult{
			Address:       t.Address,
			RSSI:          t.RSSI,
			Epoch:         t.Epoch,
			HasEpoch:      t.Epoch != 0,
			DataAvailable: t.DataAvailable,
			CompanyID:     0x0077,
			ProtocolID:    0xFF81,
			NetworkID:     0xFFFF,
			DeviceID:      t.DeviceID,
			RecordType:    0x11,
		}), "\n"))
	}
	r.emit("scan:timeout")
}

func (r *Radio) connect(addr string) {
	t, ok := r.tags.Get(addr)
	if !ok || t.rejected < t.RejectConnects {
		if ok {
			t.rejected++
		}
		r.emit("dconnTO")
		return
	}

	h := r.nextHandle
	r.nextHandle++
	r.links[h] = addr
	r.emit(fmt.Sprintf("connA:%08X %s", uint32(h), addr))
}

func (r *Radio) disconnect(h radio.Handle) {
	if _, ok := r.links[h]; !ok {
		r.emit("## no link " + strconv.FormatUint(uint64(h), 10))
		return
	}
	delete(r.links, h)
	r.emit(fmt.Sprintf("dconnH:%08X", uint32(h)))
}

func (r *Radio) write(h radio.Handle, payload []byte) {
	hdr, req, err := smp.DecodeReadRequest(payload)
	if err != nil {
		r.record(fmt.Sprintf("gattc writecmdx %d %d <undecodable>", h, len(payload)))
		r.logger.WithError(err).Warn("Simulated tag got an undecodable request")
		return
	}
	r.record(fmt.Sprintf("gattc writecmdx %d read %s off=%d seq=%d", h, req.Name, req.Off, hdr.Seq))

	addr, ok := r.links[h]
	if !ok {
		r.emit("## no link " + strconv.FormatUint(uint64(h), 10))
		return
	}
	t, _ := r.tags.Get(addr)
	t.reads++

	switch {
	case t.DropAfter > 0 && t.reads > t.DropAfter:
		delete(r.links, h)
		r.emit(fmt.Sprintf("dconnH:%08X", uint32(h)))
		return
	case t.Silent:
		return
	}

	resp := smp.ReadResponse{Off: req.Off}
	file, found := t.Files[req.Name]
	switch {
	case !found:
		resp = smp.ReadResponse{RC: rcNoEntry}
	case req.Off > len(file):
		resp = smp.ReadResponse{RC: rcNoEntry}
	default:
		end := min(req.Off+r.opts.ChunkSize, len(file))
		resp.Data = file[req.Off:end]
		if req.Off == 0 {
			total := len(file)
			resp.Len = &total
		}
	}

	frame, err := smp.EncodeReadResponse(hdr.Seq, resp)
	if err != nil {
		r.logger.WithError(err).Error("Simulated tag could not encode a response")
		return
	}
	for _, frag := range smp.Fragment(frame, r.opts.MTU) {
		r.emit(fmt.Sprintf("evt_hvx:%08X %s %X", uint32(h), notifyAttr, frag))
	}
}
