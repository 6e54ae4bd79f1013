package radio

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Handle identifies an open link on the radio. Lines carry it as 8 hex
// digits, commands as a decimal number.
type Handle uint32

func (h Handle) String() string {
	return fmt.Sprintf("%08X", uint32(h))
}

// Kind is the closed set of inbound line kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindAdvertisement
	KindScanTimeout
	KindConnectConfirm
	KindConnectAccepted
	KindNotification
	KindWriteConfirm
	KindDisconnectHandle
	KindDisconnectTimeout
	KindDiagnostic
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindAdvertisement:     "advertisement",
	KindScanTimeout:       "scan_timeout",
	KindConnectConfirm:    "connect_confirm",
	KindConnectAccepted:   "connect_accepted",
	KindNotification:      "notification",
	KindWriteConfirm:      "write_confirm",
	KindDisconnectHandle:  "disconnect_handle",
	KindDisconnectTimeout: "disconnect_timeout",
	KindDiagnostic:        "diagnostic",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Line is one classified line from the radio. Which fields are meaningful
// depends on Kind.
type Line struct {
	Kind      Kind
	Raw       string
	Address   string // ConnectConfirm, ConnectAccepted, Advertisement
	Handle    Handle // ConnectAccepted, Notification, WriteConfirm, DisconnectHandle
	HasHandle bool
	Attr      string // Notification
	Data      []byte // Notification
	Err       error  // set when a known prefix failed to parse
}

// Routing reports how the arbiter should deliver the line.
func (l Line) Routing() Routing {
	switch l.Kind {
	case KindConnectAccepted:
		return RouteLearnHandle
	case KindConnectConfirm:
		return RouteByAddress
	case KindNotification, KindWriteConfirm, KindDisconnectHandle:
		return RouteByHandle
	case KindDisconnectTimeout:
		return RouteToPending
	case KindAdvertisement, KindScanTimeout:
		return RouteScan
	case KindDiagnostic:
		return RouteDiagnostic
	default:
		return RouteDrop
	}
}

// Routing is the delivery rule for a line kind.
type Routing int

const (
	RouteDrop Routing = iota
	RouteLearnHandle
	RouteByAddress
	RouteByHandle
	RouteToPending
	RouteScan
	RouteDiagnostic
)

const (
	addressWidth = 14
	handleWidth  = 8

	diagnosticMarker = "##"
	scanTimeoutLine  = "scan:timeout"
	dconnTimeoutLine = "dconnTO"
)

// Classify parses one raw line. It never fails: lines with a known prefix
// that do not parse come back as KindUnknown with Err set.
func Classify(raw string) Line {
	line := Line{Raw: raw}
	text := strings.TrimRight(raw, "\r\n")

	switch {
	case text == scanTimeoutLine:
		line.Kind = KindScanTimeout
		return line
	case text == dconnTimeoutLine:
		line.Kind = KindDisconnectTimeout
		return line
	case strings.HasPrefix(text, diagnosticMarker):
		line.Kind = KindDiagnostic
		return line
	}

	prefix, rest, ok := strings.Cut(text, ":")
	if !ok {
		return line
	}

	var err error
	switch prefix {
	case "adv":
		line.Kind = KindAdvertisement
		line.Address, err = leadingHex(rest, addressWidth)
	case "con", "dCon":
		line.Kind = KindConnectConfirm
		line.Address, err = leadingHex(rest, addressWidth)
	case "connA":
		line.Kind = KindConnectAccepted
		line.Address, line.Handle, err = parseConnectAccepted(rest)
		line.HasHandle = err == nil
	case "evt_hvx":
		line.Kind = KindNotification
		line.Handle, line.Attr, line.Data, err = parseNotificationBody(rest)
		line.HasHandle = err == nil
	case "writec":
		line.Kind = KindWriteConfirm
		line.Handle, err = leadingHandle(rest)
		line.HasHandle = err == nil
	case "dconnH":
		line.Kind = KindDisconnectHandle
		line.Handle, err = leadingHandle(rest)
		line.HasHandle = err == nil
	default:
		return line
	}

	if err != nil {
		line.Err = &ParseError{Kind: line.Kind, Line: raw, Reason: err.Error()}
		line.Kind = KindUnknown
		line.HasHandle = false
	}
	return line
}

// ParseNotification decodes an evt_hvx line into its handle, attribute and
// payload bytes.
func ParseNotification(raw string) (Handle, string, []byte, error) {
	text := strings.TrimRight(raw, "\r\n")
	rest, ok := strings.CutPrefix(text, "evt_hvx:")
	if !ok {
		return 0, "", nil, &ParseError{Kind: KindNotification, Line: raw, Reason: "missing evt_hvx prefix"}
	}
	h, attr, data, err := parseNotificationBody(rest)
	if err != nil {
		return 0, "", nil, &ParseError{Kind: KindNotification, Line: raw, Reason: err.Error()}
	}
	return h, attr, data, nil
}

func parseNotificationBody(rest string) (Handle, string, []byte, error) {
	fields := strings.Split(rest, " ")
	if len(fields) != 3 {
		return 0, "", nil, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	h, err := parseHandle(fields[0])
	if err != nil {
		return 0, "", nil, err
	}
	data, err := hex.DecodeString(fields[2])
	if err != nil {
		return 0, "", nil, fmt.Errorf("payload: %w", err)
	}
	return h, fields[1], data, nil
}

// parseConnectAccepted accepts the handle and address tokens in either order;
// they differ in width.
func parseConnectAccepted(rest string) (string, Handle, error) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("expected handle and address, got %d fields", len(fields))
	}
	var (
		addr      string
		h         Handle
		gotHandle bool
	)
	for _, f := range fields {
		switch {
		case len(f) == addressWidth && isHex(f):
			addr = strings.ToUpper(f)
		case len(f) == handleWidth && isHex(f):
			v, err := parseHandle(f)
			if err != nil {
				return "", 0, err
			}
			h, gotHandle = v, true
		}
	}
	if addr == "" || !gotHandle {
		return "", 0, fmt.Errorf("connect accept needs a %d-digit handle and a %d-digit address", handleWidth, addressWidth)
	}
	return addr, h, nil
}

func leadingHandle(rest string) (Handle, error) {
	s, err := leadingHex(rest, handleWidth)
	if err != nil {
		return 0, err
	}
	return parseHandle(s)
}

func parseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("handle %q: %w", s, err)
	}
	return Handle(v), nil
}

func leadingHex(s string, width int) (string, error) {
	if len(s) < width || !isHex(s[:width]) {
		return "", fmt.Errorf("expected %d hex digits after prefix", width)
	}
	return strings.ToUpper(s[:width]), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return s != ""
}

// ValidAddress reports whether s looks like a radio address: 14 hex digits,
// the address type byte followed by the 6-byte device address.
func ValidAddress(s string) bool {
	return len(s) == addressWidth && isHex(s)
}
