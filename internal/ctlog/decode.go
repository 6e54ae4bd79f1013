package ctlog

import (
	"encoding/binary"
	"encoding/hex"
	"slices"

	"github.com/sirupsen/logrus"
)

// Decoder parses log files, reporting recoverable problems to its logger.
type Decoder struct {
	logger *logrus.Logger
}

// NewDecoder creates a Decoder. A nil logger gets a default one.
func NewDecoder(logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	return &Decoder{logger: logger}
}

// Decode parses buf with a default Decoder.
func Decode(buf []byte) (*Log, error) {
	return NewDecoder(nil).Decode(buf)
}

// Decode parses buf. A header checksum failure rejects the whole buffer. A
// malformed entry stops parsing and returns the entries before it together
// with an *EntryError. An entry with a bad checksum is kept without records
// and parsing resumes after it.
func (d *Decoder) Decode(buf []byte) (*Log, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTooShort
	}

	stored := binary.LittleEndian.Uint16(buf[headerBodySize:])
	if sum := Checksum(buf[:headerBodySize]); sum != stored {
		return nil, &ChecksumError{Region: "header", Offset: 0, Expected: stored, Actual: sum}
	}

	log := &Log{
		Header:  decodeHeader(buf[:HeaderSize]),
		Entries: []Entry{},
		raw:     buf,
	}

	off := HeaderSize
	for off < len(buf) {
		if len(buf)-off < EntryHeaderSize {
			d.logger.WithFields(logrus.Fields{"offset": off, "remaining": len(buf) - off}).Warn("Trailing bytes too short for an entry")
			log.Truncated = true
			break
		}

		entry, next, err := d.decodeEntry(buf, off)
		if err != nil {
			d.logger.WithError(err).Error("Stopped decoding entries")
			return log, err
		}
		log.Entries = append(log.Entries, entry)
		off = next
	}
	return log, nil
}

func (d *Decoder) decodeEntry(buf []byte, off int) (Entry, int, error) {
	if buf[off] != EntrySentinel {
		return Entry{}, 0, &EntryError{Offset: off, Reason: "expected sentinel 0xA5"}
	}
	hdr := decodeEntryHeader(buf[off : off+EntryHeaderSize])
	length := int(hdr.Length)
	switch {
	case length < EntryHeaderSize:
		return Entry{}, 0, &EntryError{Offset: off, Reason: "declared length shorter than the entry header"}
	case off+length+checksumSize > len(buf):
		return Entry{}, 0, &EntryError{Offset: off, Reason: "declared length runs past the end of the file"}
	}

	entry := Entry{Offset: off, Header: hdr, Records: []Record{}}
	next := off + length + checksumSize

	stored := binary.LittleEndian.Uint16(buf[off+length:])
	if sum := Checksum(buf[off : off+length]); sum != stored {
		d.logger.WithError(&ChecksumError{Region: "entry", Offset: off, Expected: stored, Actual: sum}).
			Warn("Skipping records of corrupt entry")
		return entry, next, nil
	}
	entry.ChecksumValid = true

	for i := EntryHeaderSize; i < length; i += RecordSize {
		if i+RecordSize > length {
			d.logger.WithFields(logrus.Fields{"offset": off + i, "bytes": length - i}).Warn("Partial record at end of entry")
			entry.SkippedRecords++
			break
		}
		rec := buf[off+i : off+i+RecordSize]
		if rec[0] != RecordTypeRSSI {
			d.logger.WithFields(logrus.Fields{"offset": off + i, "type": rec[0]}).Error("Unknown record type")
			entry.SkippedRecords++
			continue
		}
		entry.Records = append(entry.Records, decodeRecord(rec))
	}
	return entry, next, nil
}

func decodeHeader(b []byte) Header {
	le := binary.LittleEndian
	battery := b[38]
	return Header{
		ProtocolVersion: le.Uint16(b[0:]),
		EntrySize:       le.Uint16(b[2:]),
		EntryCount:      le.Uint16(b[4:]),
		DeviceID:        reversedHex(b[6:12]),
		DeviceTime:      le.Uint32(b[12:]),
		LogSize:         le.Uint32(b[16:]),
		LastUpload:      le.Uint32(b[20:]),

		FirmwareVersion:   reversedHex(b[24:28]),
		DevicesSeen:       le.Uint16(b[28:]),
		NetworkID:         le.Uint16(b[30:]),
		AdIntervalMs:      le.Uint16(b[32:]),
		LogIntervalMin:    le.Uint16(b[34:]),
		ScanIntervalSec:   le.Uint16(b[36:]),
		BatteryRaw:        battery,
		BatteryMillivolts: int(battery) * BatteryScale,
		ScanDurationSec:   b[39],
		Profile:           b[40],
		RSSIThreshold:     int8(b[41]),
		TxPower:           int8(b[42]),
		UptimeSec:         le.Uint32(b[43:]),

		Checksum: le.Uint16(b[47:]),
	}
}

func decodeEntryHeader(b []byte) EntryHeader {
	le := binary.LittleEndian
	return EntryHeader{
		Flags:        b[1],
		ScanInterval: le.Uint16(b[2:]),
		RemoteID:     reversedHex(b[4:10]),
		Timestamp:    le.Uint32(b[10:]),
		Length:       le.Uint16(b[14:]),
	}
}

func decodeRecord(b []byte) Record {
	return Record{
		Type:               b[0],
		Status:             b[1],
		Reserved:           b[2],
		ScanIntervalOffset: binary.LittleEndian.Uint16(b[3:]),
		RSSI:               int8(b[5]),
		Motion:             b[6],
		TxPower:            int8(b[7]),
	}
}

// reversedHex renders identifiers the tag stores least significant byte
// first.
func reversedHex(b []byte) string {
	r := slices.Clone(b)
	slices.Reverse(r)
	return hex.EncodeToString(r)
}
