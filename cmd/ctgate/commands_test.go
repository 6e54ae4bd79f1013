package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/internal/publish"
	"github.com/srg/ctgate/internal/simradio"
	"github.com/srg/ctgate/internal/testutils"
	"github.com/srg/ctgate/internal/transport"
	"github.com/srg/ctgate/pkg/config"
	"github.com/stretchr/testify/suite"
)

type CommandsTestSuite struct {
	CommandTestSuite
}

func TestCommandsTestSuite(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func (s *CommandsTestSuite) TestDecodeSummary() {
	path := s.WriteFile("ct.bin", testutils.MinimalLog())

	out, err := s.ExecuteCommand("decode", path, "--output", "summary", "--log-level", "error")
	s.Require().NoError(err)

	s.Contains(out, "Device:    c0ffee123456 (firmware 03020100, protocol 1)")
	s.Contains(out, "Battery:   3040 mV")
	s.Contains(out, "Entries:   1 (1 records)")
	s.Contains(out, "0a0b0c0d0e0f  2023-11-14T22:13:20Z    1 records  ok")
}

func (s *CommandsTestSuite) TestDecodeJSON() {
	path := s.WriteFile("ct.bin", testutils.MinimalLog())

	out, err := s.ExecuteCommand("decode", path, "--output", "json", "--log-level", "error")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"header": {"device_id": "c0ffee123456", "battery_mv": 3040, "rssi_threshold": -85},
		"entries": [{"checksum_valid": true, "header": {"remote_id": "0a0b0c0d0e0f"}, "records": [{"rssi": -61, "scan_interval_offset": 12}]}]
	}`)
}

func (s *CommandsTestSuite) TestDecodeMalformedEntryStillPrints() {
	// GOAL: Entries before a malformed one are shown and the command fails
	//
	// TEST SCENARIO: Valid log followed by 16 bytes with a bad sentinel →
	// summary lists the good entry, error matches ErrMalformedEntry

	data := append(testutils.MinimalLog(), make([]byte, ctlog.EntryHeaderSize)...)
	path := s.WriteFile("ct.bin", data)

	out, err := s.ExecuteCommand("decode", path, "--output", "summary", "--log-level", "panic")
	s.ErrorIs(err, ctlog.ErrMalformedEntry)
	s.Contains(out, "Entries:   1 (1 records)")
}

func (s *CommandsTestSuite) TestDecodeErrors() {
	corrupt := testutils.MinimalLog()
	corrupt[3] ^= 0xFF

	_, err := s.ExecuteCommand("decode", s.WriteFile("bad.bin", corrupt), "--output", "json", "--log-level", "error")
	s.ErrorIs(err, ctlog.ErrChecksum)

	_, err = s.ExecuteCommand("decode", s.WriteFile("short.bin", []byte{1, 2, 3}), "--output", "json", "--log-level", "error")
	s.ErrorIs(err, ctlog.ErrTooShort)

	_, err = s.ExecuteCommand("decode", s.WriteFile("ok.bin", testutils.MinimalLog()), "--output", "xml", "--log-level", "error")
	s.ErrorContains(err, "unknown output format")

	_, err = s.ExecuteCommand("decode", filepath.Join(s.dir, "missing.bin"), "--output", "json", "--log-level", "error")
	s.ErrorIs(err, os.ErrNotExist)
}

func (s *CommandsTestSuite) TestRunNeedsAPort() {
	_, err := s.ExecuteCommand("run", "--log-level", "error")
	s.ErrorIs(err, ErrNoPort)

	_, err = s.ExecuteCommand("run", "--port", "/dev/null", "--format", "xml", "--log-level", "error")
	s.ErrorIs(err, config.ErrInvalid)
}

func (s *CommandsTestSuite) TestLoadSimTags() {
	path := s.WriteFile("tags.yaml", []byte(`
tags:
  - address: "01aabbccddeeff"
    rssi: -62
    data_available: true
    log:
      entries: 3
      records: 4
  - address: "01112233445566"
    rssi: -70
    silent: true
  - address: "01999999999999"
    log:
      missing: true
  - address: "01888888888888"
    log:
      corrupt: true
`))

	specs, err := loadSimTags(path)
	s.Require().NoError(err)
	s.Require().Len(specs, 4)
	s.Equal(-62, specs[0].RSSI)
	s.True(specs[1].Silent)
	s.Equal(2, specs[1].Log.Entries)

	now := time.Unix(1700000000, 0)
	tags := buildTags(specs, "/log/ct", now)
	s.Require().Len(tags, 4)
	s.Equal("01AABBCCDDEEFF", tags[0].Address)
	s.Equal("AABBCCDDEEFF", tags[0].DeviceID)

	log, err := ctlog.Decode(tags[0].Files["/log/ct"])
	s.Require().NoError(err)
	s.Equal("aabbccddeeff", log.Header.DeviceID)
	s.Equal(uint32(now.Unix()), log.Header.DeviceTime)
	s.Len(log.Entries, 3)
	s.Equal(12, log.RecordCount())

	s.Empty(tags[2].Files)

	log, err = ctlog.Decode(tags[3].Files["/log/ct"])
	s.Require().NoError(err)
	s.Require().Len(log.Entries, 2)
	s.True(log.Entries[0].ChecksumValid)
	s.False(log.Entries[1].ChecksumValid)

	_, err = loadSimTags(s.WriteFile("empty.yaml", []byte("tags: []\n")))
	s.ErrorContains(err, "lists no tags")

	def, err := loadSimTags("")
	s.Require().NoError(err)
	s.Len(def, 1)
	s.Equal(3, def[0].Log.Records)
}

// newSimPort wires a simulated radio straight to a transport port.
func (s *CommandsTestSuite) newSimPort(tags ...simradio.Tag) *transport.Port {
	sim := simradio.New(simradio.Options{Logger: s.helper.Logger}, tags...)
	port := transport.New(sim, s.helper.Logger)
	s.T().Cleanup(func() { port.Close() })
	return port
}

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Gateway.Heartbeat = ""
	cfg.Gateway.MinCycleInterval = 20 * time.Millisecond
	cfg.Gateway.ScanWindow = 500 * time.Millisecond
	cfg.Session.DownloadTimeout = 2 * time.Second
	return cfg
}

func (s *CommandsTestSuite) TestServePublishesToConsoleAndStore() {
	// GOAL: The run pipeline publishes every serviced tag to every sink
	//
	// TEST SCENARIO: Simulated tag with a generated log, console and SQLite
	// sinks enabled → console prints the tag topic, the store holds the
	// startup status and at least one telemetry row

	specs := []simTag{{Tag: simradio.Tag{Address: "01AABBCCDDEEFF", RSSI: -60, DataAvailable: true}, Log: simLog{Entries: 2, Records: 3}}}
	port := s.newSimPort(buildTags(specs, "/log/ct", time.Now())...)

	cfg := fastConfig()
	cfg.Publish.Format = "b64"
	cfg.Publish.NodeID = "bench"
	cfg.Publish.SQLitePath = filepath.Join(s.dir, "messages.db")
	s.Require().NoError(cfg.Validate())

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, port, cfg, s.helper.Logger, out) }()

	s.Eventually(func() bool {
		return strings.Contains(out.String(), "tag topic: ctgate/bench/ct/data/b64/01AABBCCDDEEFF")
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	s.Require().NoError(<-done)
	s.Contains(out.String(), `status topic: ctgate/bench/ct/status, payload: {"status":"startup - ctgate"}`)

	store, err := publish.OpenSQLite(cfg.Publish.SQLitePath, publish.NewEncoder(publish.FormatB64, cfg.Publish.ResolvedTopics()), s.helper.Logger)
	s.Require().NoError(err)
	defer store.Close()

	tagRows, err := store.Recent(context.Background(), "01AABBCCDDEEFF", 100)
	s.Require().NoError(err)
	s.NotEmpty(tagRows)
	all, err := store.Recent(context.Background(), "", 1000)
	s.Require().NoError(err)
	s.Equal("ctgate/bench/ct/status", all[len(all)-1].Topic)
}

func (s *CommandsTestSuite) TestSimulateOverTerminal() {
	// GOAL: The run pipeline works against the simulated radio's terminal
	//
	// TEST SCENARIO: simulate on a pty with a symlink, serve reads the
	// symlinked terminal → the tag is published on the console

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	specs, err := loadSimTags("")
	s.Require().NoError(err)
	link := filepath.Join(s.dir, "ctradio")

	ready := make(chan string, 1)
	simDone := make(chan error, 1)
	setup := simSetup{radio: simradio.Options{Logger: s.helper.Logger}, logFile: "/log/ct"}
	go func() {
		simDone <- simulate(ctx, specs, setup, link, s.helper.Logger, func(tty string) { ready <- tty })
	}()

	var tty string
	select {
	case tty = <-ready:
	case err := <-simDone:
		s.T().Skipf("pseudo terminals unavailable: %v", err)
	case <-time.After(5 * time.Second):
		s.FailNow("simulated radio did not start")
	}
	s.Equal(link, tty)

	f, err := os.OpenFile(tty, os.O_RDWR|syscall.O_NOCTTY, 0)
	s.Require().NoError(err)
	port := transport.New(f, s.helper.Logger)
	defer port.Close()

	out := &syncBuffer{}
	serveCtx, stopServe := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- serve(serveCtx, port, fastConfig(), s.helper.Logger, out) }()

	s.Eventually(func() bool {
		return strings.Contains(out.String(), "tag topic: ctgate/gw0/ct/data/json/01C0FFEE123456")
	}, 10*time.Second, 50*time.Millisecond)

	stopServe()
	s.NoError(<-served)
	cancel()
	s.NoError(<-simDone)

	_, err = os.Lstat(link)
	s.ErrorIs(err, os.ErrNotExist)
}
