package ctlog

import (
	"encoding/binary"
	"encoding/hex"
	"slices"
	"time"
)

// EncodeMG100 re-encodes the log in the compact form used by MG100
// gateways: protocol version, device id, upload time, last upload,
// firmware, battery, network id, then the entries. Entries are copied as
// read when the log came from Decode and rebuilt from their fields
// otherwise.
func (l *Log) EncodeMG100(now time.Time) []byte {
	le := binary.LittleEndian
	out := make([]byte, 0, 23+max(len(l.raw)-HeaderSize, 0))

	out = le.AppendUint16(out, l.Header.ProtocolVersion)
	out = append(out, storedID(l.Header.DeviceID, 6)...)
	slices.Reverse(out[2:8])
	out = le.AppendUint32(out, uint32(now.Unix()))
	out = le.AppendUint32(out, l.Header.LastUpload)
	out = append(out, storedID(l.Header.FirmwareVersion, 4)...)
	out = append(out, l.Header.BatteryRaw)
	out = le.AppendUint16(out, l.Header.NetworkID)

	if len(l.raw) >= HeaderSize {
		return append(out, l.raw[HeaderSize:]...)
	}
	for _, e := range l.Entries {
		out = append(out, encodeEntry(e.Header, e.Records)...)
	}
	return out
}

// Builder assembles well-formed log files. Identifiers are given in their
// rendered form and stored reversed, as the tag does.
type Builder struct {
	header  Header
	entries [][]byte
}

// NewBuilder starts a file with header h. Checksum and BatteryMillivolts
// are ignored; EntryCount is filled in when left zero.
func NewBuilder(h Header) *Builder {
	return &Builder{header: h}
}

// AddEntry appends an entry holding recs. Length is computed.
func (b *Builder) AddEntry(h EntryHeader, recs ...Record) *Builder {
	b.entries = append(b.entries, encodeEntry(h, recs))
	return b
}

// encodeEntry renders one entry with its checksum. h.Length is ignored.
func encodeEntry(h EntryHeader, recs []Record) []byte {
	h.Length = uint16(EntryHeaderSize + RecordSize*len(recs))

	le := binary.LittleEndian
	e := make([]byte, 0, int(h.Length)+checksumSize)
	e = append(e, EntrySentinel, h.Flags)
	e = le.AppendUint16(e, h.ScanInterval)
	e = append(e, storedID(h.RemoteID, 6)...)
	e = le.AppendUint32(e, h.Timestamp)
	e = le.AppendUint16(e, h.Length)
	for _, r := range recs {
		e = append(e, r.Type, r.Status, r.Reserved)
		e = le.AppendUint16(e, r.ScanIntervalOffset)
		e = append(e, byte(r.RSSI), r.Motion, byte(r.TxPower))
	}
	return le.AppendUint16(e, Checksum(e))
}

// CorruptLastChecksum flips the stored checksum of the most recent entry.
func (b *Builder) CorruptLastChecksum() *Builder {
	if n := len(b.entries); n > 0 {
		e := b.entries[n-1]
		e[len(e)-1] ^= 0xFF
	}
	return b
}

// Bytes renders the file.
func (b *Builder) Bytes() []byte {
	h := b.header
	if h.EntryCount == 0 {
		h.EntryCount = uint16(len(b.entries))
	}

	le := binary.LittleEndian
	out := make([]byte, 0, HeaderSize)
	out = le.AppendUint16(out, h.ProtocolVersion)
	out = le.AppendUint16(out, h.EntrySize)
	out = le.AppendUint16(out, h.EntryCount)
	out = append(out, storedID(h.DeviceID, 6)...)
	out = le.AppendUint32(out, h.DeviceTime)
	out = le.AppendUint32(out, h.LogSize)
	out = le.AppendUint32(out, h.LastUpload)
	out = append(out, storedID(h.FirmwareVersion, 4)...)
	out = le.AppendUint16(out, h.DevicesSeen)
	out = le.AppendUint16(out, h.NetworkID)
	out = le.AppendUint16(out, h.AdIntervalMs)
	out = le.AppendUint16(out, h.LogIntervalMin)
	out = le.AppendUint16(out, h.ScanIntervalSec)
	out = append(out, h.BatteryRaw, h.ScanDurationSec, h.Profile, byte(h.RSSIThreshold), byte(h.TxPower))
	out = le.AppendUint32(out, h.UptimeSec)
	out = le.AppendUint16(out, Checksum(out))

	for _, e := range b.entries {
		out = append(out, e...)
	}
	return out
}

// storedID converts a rendered identifier back to its on-file byte order.
// Invalid or short input is zero padded.
func storedID(s string, size int) []byte {
	out := make([]byte, size)
	if raw, err := hex.DecodeString(s); err == nil {
		slices.Reverse(raw)
		copy(out, raw)
	}
	return out
}
