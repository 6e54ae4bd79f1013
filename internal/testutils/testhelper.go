package testutils

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/ctlog"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a helper whose logger only prints under go test -v.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := QuietLogger()
	if testing.Verbose() {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.DebugLevel)
	}
	return &TestHelper{T: t, Logger: logger}
}

// QuietLogger discards everything.
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// SampleHeader is a plausible tag log header.
func SampleHeader() ctlog.Header {
	return ctlog.Header{
		ProtocolVersion: 1,
		EntrySize:       256,
		DeviceID:        "c0ffee123456",
		DeviceTime:      1700000100,
		LogSize:         2048,
		LastUpload:      1699990000,
		FirmwareVersion: "03020100",
		DevicesSeen:     4,
		NetworkID:       0xFFFF,
		AdIntervalMs:    250,
		LogIntervalMin:  1,
		ScanIntervalSec: 60,
		BatteryRaw:      190,
		ScanDurationSec: 5,
		Profile:         1,
		RSSIThreshold:   -85,
		TxPower:         -4,
		UptimeSec:       86400,
	}
}

// SampleRecord is a tracking record seen at rssi.
func SampleRecord(rssi int8, offset uint16) ctlog.Record {
	return ctlog.Record{Type: ctlog.RecordTypeRSSI, ScanIntervalOffset: offset, RSSI: rssi, Motion: 1, TxPower: -8}
}

// MinimalLog is a header, one entry and one record.
func MinimalLog() []byte {
	return ctlog.NewBuilder(SampleHeader()).
		AddEntry(ctlog.EntryHeader{Flags: 1, ScanInterval: 60, RemoteID: "0a0b0c0d0e0f", Timestamp: 1700000000},
			SampleRecord(-61, 12)).
		Bytes()
}
