package radio

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DefaultScanTimeout is the scan duration, in seconds, handed to the radio.
// The gateway normally ends the scan window itself well before this elapses.
const DefaultScanTimeout = 300

// ConnectParams are the link parameters sent with a connect command.
type ConnectParams struct {
	ConnTimeoutMs        int `yaml:"conn_timeout_ms" default:"250"`
	MinIntervalUs        int `yaml:"min_interval_us" default:"7500"`
	MaxIntervalUs        int `yaml:"max_interval_us" default:"9000"`
	SupervisionTimeoutUs int `yaml:"supervision_timeout_us" default:"4000000"`
}

// DefaultConnectParams returns the parameters the tag firmware is tuned for.
func DefaultConnectParams() ConnectParams {
	return ConnectParams{
		ConnTimeoutMs:        250,
		MinIntervalUs:        7500,
		MaxIntervalUs:        9000,
		SupervisionTimeoutUs: 4000000,
	}
}

// ScanCommand starts a scan on the radio.
func ScanCommand(timeoutS int) []byte {
	return []byte(fmt.Sprintf("scan start %d 0 \r\n", timeoutS))
}

// AdvertiseCommand sets the radio's own advertising payload.
func AdvertiseCommand(hexPayload []byte) []byte {
	var b bytes.Buffer
	b.WriteString("adv ")
	b.Write(hexPayload)
	b.WriteString(" \r\n")
	return b.Bytes()
}

// ConnectCommand asks the radio to open a link to addr.
func ConnectCommand(addr string, p ConnectParams) []byte {
	return []byte(fmt.Sprintf("connect %s %d %d %d %d  \r\n",
		addr, p.ConnTimeoutMs, p.MinIntervalUs, p.MaxIntervalUs, p.SupervisionTimeoutUs))
}

// DisconnectCommand closes the link identified by h.
func DisconnectCommand(h Handle) []byte {
	return []byte(fmt.Sprintf("disconnect %d \r\n", h))
}

// GattWriteCommand writes raw bytes to the management characteristic of the
// link identified by h. The payload is sent as-is, not hex encoded.
func GattWriteCommand(h Handle, data []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "gattc writecmdx %d %d ", h, len(data))
	b.Write(data)
	b.WriteString(" \r\n")
	return b.Bytes()
}

// Gateway advertisement constants. Tags listen for this record to learn the
// current epoch time.
const (
	gatewayCompanyID  = 0x0077
	gatewayProtocolID = 0xFF82
	gatewayNetworkID  = 0xFFFF
	gatewayFlags      = 1
	gatewayHardwareID = 0x50
)

// AdvertisementTime builds the hex advertising payload that broadcasts t to
// nearby tags.
func AdvertisementTime(t time.Time) []byte {
	head := make([]byte, 8)
	binary.LittleEndian.PutUint16(head[0:], gatewayCompanyID)
	binary.LittleEndian.PutUint16(head[2:], gatewayProtocolID)
	binary.LittleEndian.PutUint16(head[4:], gatewayNetworkID)
	binary.LittleEndian.PutUint16(head[6:], gatewayFlags)

	// profile u8, epoch u32, tx power i8, motion u8, hardware id u32
	record := make([]byte, 11)
	binary.LittleEndian.PutUint32(record[1:], uint32(t.Unix()))
	binary.LittleEndian.PutUint32(record[7:], gatewayHardwareID)

	var sb strings.Builder
	sb.WriteString(hex.EncodeToString(head))
	sb.WriteString("00000000000000") // device id and record type are zero
	sb.WriteString(hex.EncodeToString(record))
	return []byte(sb.String())
}
