// Package ctlog decodes the contact tracing log file kept by the tag
// firmware: a checksummed 49-byte header followed by variable length
// entries, each holding fixed size telemetry records.
package ctlog

import (
	"github.com/sigurn/crc16"
)

// Layout constants. All multi-byte fields are little-endian.
const (
	HeaderSize      = 49
	EntryHeaderSize = 16
	RecordSize      = 8

	EntrySentinel  = 0xA5
	RecordTypeRSSI = 0x11

	// BatteryScale converts the raw battery byte to millivolts.
	BatteryScale = 16

	checksumSize   = 2
	headerBodySize = HeaderSize - checksumSize
)

var kermit = crc16.MakeTable(crc16.CRC16_KERMIT)

// Checksum is the CRC-16/KERMIT of b, the checksum used throughout the file.
func Checksum(b []byte) uint16 {
	return crc16.Checksum(b, kermit)
}

// Header is the decoded file header.
type Header struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	EntrySize       uint16 `json:"entry_size"`
	EntryCount      uint16 `json:"entry_count"`
	DeviceID        string `json:"device_id"`
	DeviceTime      uint32 `json:"device_time"`
	LogSize         uint32 `json:"log_size"`
	LastUpload      uint32 `json:"last_upload"`

	FirmwareVersion   string `json:"firmware_version"`
	DevicesSeen       uint16 `json:"devices_seen"`
	NetworkID         uint16 `json:"network_id"`
	AdIntervalMs      uint16 `json:"ad_interval_ms"`
	LogIntervalMin    uint16 `json:"log_interval_min"`
	ScanIntervalSec   uint16 `json:"scan_interval_sec"`
	BatteryRaw        uint8  `json:"battery_raw"`
	BatteryMillivolts int    `json:"battery_mv"`
	ScanDurationSec   uint8  `json:"scan_duration_sec"`
	Profile           uint8  `json:"profile"`
	RSSIThreshold     int8   `json:"rssi_threshold"`
	TxPower           int8   `json:"tx_power"`
	UptimeSec         uint32 `json:"uptime_sec"`

	Checksum uint16 `json:"checksum"`
}

// EntryHeader is the fixed 16-byte prefix of an entry. Length covers the
// header and its records, not the trailing checksum.
type EntryHeader struct {
	Flags        uint8  `json:"flags"`
	ScanInterval uint16 `json:"scan_interval"`
	RemoteID     string `json:"remote_id"`
	Timestamp    uint32 `json:"timestamp"`
	Length       uint16 `json:"length"`
}

// Record is one telemetry sample.
type Record struct {
	Type               uint8  `json:"type"`
	Status             uint8  `json:"status"`
	Reserved           uint8  `json:"reserved"`
	ScanIntervalOffset uint16 `json:"scan_interval_offset"`
	RSSI               int8   `json:"rssi"`
	Motion             uint8  `json:"motion"`
	TxPower            int8   `json:"tx_power"`
}

// Entry is one decoded entry. An entry whose checksum does not match keeps
// its header but no records.
type Entry struct {
	Offset         int         `json:"offset"`
	Header         EntryHeader `json:"header"`
	ChecksumValid  bool        `json:"checksum_valid"`
	Records        []Record    `json:"records"`
	SkippedRecords int         `json:"skipped_records,omitempty"`
}

// Log is a decoded file. Truncated is set when trailing bytes were too short
// to hold an entry header.
type Log struct {
	Header    Header  `json:"header"`
	Entries   []Entry `json:"entries"`
	Truncated bool    `json:"truncated,omitempty"`

	raw []byte
}

// Raw returns the undecoded file.
func (l *Log) Raw() []byte {
	return l.raw
}

// RecordCount is the number of telemetry records across all entries.
func (l *Log) RecordCount() int {
	n := 0
	for _, e := range l.Entries {
		n += len(e.Records)
	}
	return n
}
