package ptyio_test

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/srg/ctgate/internal/ptyio"
	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/simradio"
	"github.com/srg/ctgate/internal/testutils"
	"github.com/srg/ctgate/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLink(t *testing.T, tags ...simradio.Tag) (*ptyio.Link, *simradio.Radio) {
	t.Helper()
	sim := simradio.New(simradio.Options{Logger: testutils.QuietLogger()}, tags...)
	link, err := ptyio.Open(sim, ptyio.Options{Logger: testutils.QuietLogger(), PollTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Skipf("pseudo terminals unavailable: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	return link, sim
}

func TestSimulatedRadioOverTerminal(t *testing.T) {
	// GOAL: A program opening the slave path talks to the device as if it
	// were a serial radio
	//
	// TEST SCENARIO: Open the slave, send a scan command → the advertisement
	// and scan:timeout come back as lines

	link, sim := openLink(t, simradio.Tag{Address: "01AABBCCDDEEFF", RSSI: -70, DataAvailable: true})
	require.NotEmpty(t, link.TTYName())

	f, err := os.OpenFile(link.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	port := transport.New(f, testutils.QuietLogger())
	defer port.Close()

	_, err = port.Write(radio.ScanCommand(radio.DefaultScanTimeout))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	line, err := port.ReadLine(ctx)
	require.NoError(t, err)
	adv, err := radio.ParseAdvertisement(line)
	require.NoError(t, err)
	assert.Equal(t, "01AABBCCDDEEFF", adv.Address)

	line, err = port.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, radio.KindScanTimeout, radio.Classify(line).Kind)

	assert.Equal(t, []string{"scan start 300 0"}, sim.Transcript())
	want := uint64(len(radio.ScanCommand(radio.DefaultScanTimeout)))
	assert.Eventually(t, func() bool { return link.Stats().ToDevice == want }, time.Second, 10*time.Millisecond)
	assert.Positive(t, link.Stats().FromDevice)
	assert.Zero(t, link.Stats().Dropped)
}

func TestCloseIsIdempotentAndClosesDevice(t *testing.T) {
	link, sim := openLink(t)

	require.NoError(t, link.Close())
	require.NoError(t, link.Close())

	_, err := sim.Write([]byte("scan start 300 0 \r\n"))
	assert.Error(t, err)
}
