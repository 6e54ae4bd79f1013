package radio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Offsets into the advertisement payload. The manufacturer specific data
// follows the 3-byte flags AD and the 2-byte manufacturer AD header.
const (
	mfgDataOffset = 5
	mfgDataSize   = 26

	trackingRecordType = 0x11
)

// Advertisement flag bits, first flags byte.
const (
	flagHasEpoch   = 1 << 0
	flagHasLogData = 1 << 1
	flagHasMotion  = 1 << 2
	flagLowBattery = 1 << 3
)

// ScanResult is one decoded tag advertisement.
type ScanResult struct {
	Address       string `json:"address"`
	RSSI          int    `json:"rssi"`
	Epoch         uint32 `json:"epoch"`
	DataAvailable bool   `json:"data_available"`
	HasEpoch      bool   `json:"has_epoch"`
	Motion        bool   `json:"motion"`
	LowBattery    bool   `json:"low_battery"`

	CompanyID  uint16 `json:"company_id"`
	ProtocolID uint16 `json:"protocol_id"`
	NetworkID  uint16 `json:"network_id"`
	DeviceID   string `json:"device_id"`
	RecordType uint8  `json:"record_type"`
	Payload    string `json:"payload"`
}

// ParseAdvertisement decodes an "adv:<mac> <hex> <flags> <rssi>" line.
func ParseAdvertisement(raw string) (ScanResult, error) {
	fail := func(format string, args ...any) (ScanResult, error) {
		return ScanResult{}, &ParseError{Kind: KindAdvertisement, Line: raw, Reason: fmt.Sprintf(format, args...)}
	}

	text := strings.TrimRight(raw, "\r\n")
	rest, ok := strings.CutPrefix(text, "adv:")
	if !ok {
		return fail("missing adv prefix")
	}
	fields := strings.Split(rest, " ")
	if len(fields) != 4 {
		return fail("expected 4 fields, got %d", len(fields))
	}

	addr, err := leadingHex(fields[0], addressWidth)
	if err != nil || len(fields[0]) != addressWidth {
		return fail("bad address %q", fields[0])
	}
	rssi, err := strconv.Atoi(fields[3])
	if err != nil {
		return fail("bad rssi %q", fields[3])
	}
	payload, err := hex.DecodeString(fields[1])
	if err != nil {
		return fail("payload: %v", err)
	}
	if len(payload) < mfgDataOffset+mfgDataSize {
		return fail("payload is %d bytes, need %d", len(payload), mfgDataOffset+mfgDataSize)
	}

	mfg := payload[mfgDataOffset : mfgDataOffset+mfgDataSize]
	flags := mfg[6]
	res := ScanResult{
		Address:       addr,
		RSSI:          rssi,
		CompanyID:     binary.LittleEndian.Uint16(mfg[0:]),
		ProtocolID:    binary.LittleEndian.Uint16(mfg[2:]),
		NetworkID:     binary.LittleEndian.Uint16(mfg[4:]),
		HasEpoch:      flags&flagHasEpoch != 0,
		DataAvailable: flags&flagHasLogData != 0,
		Motion:        flags&flagHasMotion != 0,
		LowBattery:    flags&flagLowBattery != 0,
		DeviceID:      strings.ToUpper(hex.EncodeToString(mfg[8:14])),
		RecordType:    mfg[14],
		Payload:       strings.ToUpper(fields[1]),
	}
	if res.RecordType == 0 || res.RecordType == trackingRecordType {
		// profile u8, then epoch u32
		res.Epoch = binary.LittleEndian.Uint32(mfg[16:])
	}
	return res, nil
}

// AdvertisementFlags packs the flag bits of a tag advertisement. Used by the
// simulated radio to synthesize advertisements.
func AdvertisementFlags(r ScanResult) byte {
	var f byte
	if r.HasEpoch {
		f |= flagHasEpoch
	}
	if r.DataAvailable {
		f |= flagHasLogData
	}
	if r.Motion {
		f |= flagHasMotion
	}
	if r.LowBattery {
		f |= flagLowBattery
	}
	return f
}

// FormatAdvertisement renders r the way the radio reports a tag
// advertisement. Only the fields the tag actually broadcasts are used.
func FormatAdvertisement(r ScanResult) string {
	mfg := make([]byte, mfgDataSize)
	binary.LittleEndian.PutUint16(mfg[0:], r.CompanyID)
	binary.LittleEndian.PutUint16(mfg[2:], r.ProtocolID)
	binary.LittleEndian.PutUint16(mfg[4:], r.NetworkID)
	mfg[6] = AdvertisementFlags(r)
	if id, err := hex.DecodeString(r.DeviceID); err == nil && len(id) == 6 {
		copy(mfg[8:14], id)
	}
	mfg[14] = r.RecordType
	binary.LittleEndian.PutUint32(mfg[16:], r.Epoch)

	payload := append([]byte{0x02, 0x01, 0x06, byte(mfgDataSize + 1), 0xFF}, mfg...)
	return fmt.Sprintf("adv:%s %s 0 %d\n", r.Address, strings.ToUpper(hex.EncodeToString(payload)), r.RSSI)
}
