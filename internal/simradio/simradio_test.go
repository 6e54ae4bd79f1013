package simradio_test

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/simradio"
	"github.com/srg/ctgate/internal/smp"
	"github.com/srg/ctgate/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tagA    = "01AABBCCDDEEFF"
	tagB    = "01112233445566"
	logPath = "/log/ct"
)

type harness struct {
	t     *testing.T
	radio *simradio.Radio
	out   *bufio.Reader
}

func newHarness(t *testing.T, tags ...simradio.Tag) *harness {
	r := simradio.New(simradio.Options{Logger: testutils.QuietLogger()}, tags...)
	t.Cleanup(func() { r.Close() })
	return &harness{t: t, radio: r, out: bufio.NewReader(r)}
}

func (h *harness) send(cmd []byte) {
	h.t.Helper()
	n, err := h.radio.Write(cmd)
	require.NoError(h.t, err)
	require.Equal(h.t, len(cmd), n)
}

// line reads one reply. Replies to a command are produced before Write
// returns, so this only blocks when a test expects too many lines.
func (h *harness) line() string {
	h.t.Helper()
	l, err := h.out.ReadString('\n')
	require.NoError(h.t, err)
	return l
}

func TestScanReportsEveryTagThenTimeout(t *testing.T) {
	h := newHarness(t,
		simradio.Tag{Address: tagA, DeviceID: "AABBCCDDEEFF", RSSI: -70, DataAvailable: true, Epoch: 1700000000},
		simradio.Tag{Address: strings.ToLower(tagB), RSSI: -90},
	)

	h.send(radio.ScanCommand(radio.DefaultScanTimeout))

	a, err := radio.ParseAdvertisement(h.line())
	require.NoError(t, err)
	assert.Equal(t, tagA, a.Address)
	assert.Equal(t, -70, a.RSSI)
	assert.True(t, a.DataAvailable)
	assert.True(t, a.HasEpoch)
	assert.Equal(t, uint32(1700000000), a.Epoch)
	assert.Equal(t, "AABBCCDDEEFF", a.DeviceID)

	b, err := radio.ParseAdvertisement(h.line())
	require.NoError(t, err)
	assert.Equal(t, tagB, b.Address)
	assert.False(t, b.DataAvailable)

	assert.Equal(t, radio.KindScanTimeout, radio.Classify(h.line()).Kind)
}

func TestConnectRejectsThenAccepts(t *testing.T) {
	h := newHarness(t, simradio.Tag{Address: tagA, RejectConnects: 1})
	cmd := radio.ConnectCommand(tagA, radio.DefaultConnectParams())

	h.send(cmd)
	assert.Equal(t, radio.KindDisconnectTimeout, radio.Classify(h.line()).Kind)

	h.send(cmd)
	l := radio.Classify(h.line())
	require.Equal(t, radio.KindConnectAccepted, l.Kind)
	assert.Equal(t, tagA, l.Address)
	assert.Equal(t, radio.Handle(1), l.Handle)

	h.send(radio.DisconnectCommand(l.Handle))
	d := radio.Classify(h.line())
	assert.Equal(t, radio.KindDisconnectHandle, d.Kind)
	assert.Equal(t, l.Handle, d.Handle)
}

func TestConnectUnknownTagTimesOut(t *testing.T) {
	h := newHarness(t)
	h.send(radio.ConnectCommand(tagB, radio.DefaultConnectParams()))
	assert.Equal(t, "dconnTO\n", h.line())
}

// download drives a transfer against the radio, one byte per write so that
// command reassembly is exercised.
func (h *harness) download(handle radio.Handle, name string) (*smp.Transfer, smp.Result) {
	h.t.Helper()

	tr := smp.NewTransfer(name, testutils.QuietLogger())
	cmd, err := tr.Start(handle)
	require.NoError(h.t, err)

	for guard := 0; guard < 1000; guard++ {
		for i := range cmd {
			h.send(cmd[i : i+1])
		}
		for {
			l := radio.Classify(h.line())
			require.Equal(h.t, radio.KindNotification, l.Kind, l.Raw)
			res := tr.Feed(l.Data)
			if res.Status == smp.StatusContinue {
				continue
			}
			if res.Status != smp.StatusRequest {
				return tr, res
			}
			cmd = res.Request
			break
		}
	}
	h.t.Fatal("transfer did not finish")
	return nil, smp.Result{}
}

func TestServesFileOverSMP(t *testing.T) {
	// GOAL: A log read through the simulated radio arrives byte-exact
	//
	// TEST SCENARIO: Tag holds a 75-byte log, requests are written one byte at
	// a time → transfer completes with the same bytes after two chunks

	file := testutils.MinimalLog()
	h := newHarness(t, simradio.Tag{Address: tagA, Files: map[string][]byte{logPath: file}})

	h.send(radio.ConnectCommand(tagA, radio.DefaultConnectParams()))
	l := radio.Classify(h.line())
	require.Equal(t, radio.KindConnectAccepted, l.Kind)

	tr, res := h.download(l.Handle, logPath)
	require.Equal(t, smp.StatusComplete, res.Status)
	require.NoError(t, res.Err)
	assert.Equal(t, file, tr.Read())

	testutils.NewTextAsserter(t).AssertLines(h.radio.Transcript(), []string{
		"connect 01AABBCCDDEEFF 250 7500 9000 4000000",
		"gattc writecmdx 1 read /log/ct off=0 seq=0",
		"gattc writecmdx 1 read /log/ct off=64 seq=1",
	})
}

func TestMissingFileIsRejected(t *testing.T) {
	h := newHarness(t, simradio.Tag{Address: tagA})

	h.send(radio.ConnectCommand(tagA, radio.DefaultConnectParams()))
	l := radio.Classify(h.line())

	tr, res := h.download(l.Handle, logPath)
	assert.Equal(t, smp.StatusComplete, res.Status)
	var te *smp.TransferError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, 2, te.RC)
	assert.Empty(t, tr.Read())
}

func TestDropAfterEndsLink(t *testing.T) {
	h := newHarness(t, simradio.Tag{Address: tagA, DropAfter: 1, Files: map[string][]byte{logPath: testutils.MinimalLog()}})

	h.send(radio.ConnectCommand(tagA, radio.DefaultConnectParams()))
	handle := radio.Classify(h.line()).Handle

	tr := smp.NewTransfer(logPath, testutils.QuietLogger())
	cmd, err := tr.Start(handle)
	require.NoError(t, err)
	h.send(cmd)
	h.send(cmd)

	// first read is answered, second drops the link
	var last radio.Line
	for last.Kind != radio.KindDisconnectHandle {
		last = radio.Classify(h.line())
	}
	assert.Equal(t, handle, last.Handle)
}

func TestAdvertiseAndUnknownCommands(t *testing.T) {
	h := newHarness(t)

	h.send(radio.AdvertiseCommand([]byte("7700")))
	h.send([]byte("at+reset \r\n"))

	assert.Equal(t, "7700", h.radio.Advertisement())
	assert.Equal(t, radio.KindDiagnostic, radio.Classify(h.line()).Kind)
	assert.Equal(t, []string{"adv 7700", "at+reset"}, h.radio.Transcript())
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.radio.Close())

	_, err := h.radio.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	_, err = h.radio.Write([]byte("scan start 300 0 \r\n"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
