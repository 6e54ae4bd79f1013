// Package smp implements the chunked file download spoken by the tag's
// management service: an 8-byte big-endian envelope header followed by a
// CBOR body.
package smp

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// HeaderSize is the size of the envelope header that prefixes every frame.
const HeaderSize = 8

// Operation codes.
const (
	OpRead          uint8 = 0
	OpReadResponse  uint8 = 1
	OpWrite         uint8 = 2
	OpWriteResponse uint8 = 3
)

// GroupFS is the file system management group.
const GroupFS uint16 = 8

// Header is the envelope header. Length is the size of the CBOR body that
// follows it.
type Header struct {
	Op     uint8
	Flags  uint8
	Length uint16
	Group  uint16
	Seq    uint8
	ID     uint8
}

// Bytes encodes the header big-endian.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Op
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:], h.Length)
	binary.BigEndian.PutUint16(b[4:], h.Group)
	b[6] = h.Seq
	b[7] = h.ID
	return b
}

// ParseHeader decodes the first HeaderSize bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(b))
	}
	return Header{
		Op:     b[0],
		Flags:  b[1],
		Length: binary.BigEndian.Uint16(b[2:]),
		Group:  binary.BigEndian.Uint16(b[4:]),
		Seq:    b[6],
		ID:     b[7],
	}, nil
}

// ReadRequest is the body of a file read request.
type ReadRequest struct {
	Name string `cbor:"name"`
	Off  int    `cbor:"off"`
}

// ReadResponse is the body of a file read response. Len is only sent with
// the chunk at offset zero.
type ReadResponse struct {
	RC   int    `cbor:"rc,omitempty"`
	Len  *int   `cbor:"len,omitempty"`
	Off  int    `cbor:"off"`
	Data []byte `cbor:"data"`
}

// EncodeReadRequest builds a complete read request frame.
func EncodeReadRequest(name string, off int, seq uint8) ([]byte, error) {
	body, err := cbor.Marshal(ReadRequest{Name: name, Off: off})
	if err != nil {
		return nil, fmt.Errorf("encode read request: %w", err)
	}
	return frame(OpRead, seq, body)
}

// DecodeReadRequest parses a read request frame.
func DecodeReadRequest(b []byte) (Header, ReadRequest, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, ReadRequest{}, err
	}
	if h.Op != OpRead || h.Group != GroupFS {
		return h, ReadRequest{}, fmt.Errorf("not a file read request: op %d group %d", h.Op, h.Group)
	}
	body := b[HeaderSize:]
	if len(body) != int(h.Length) {
		return h, ReadRequest{}, fmt.Errorf("body is %d bytes, header says %d", len(body), h.Length)
	}
	var req ReadRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return h, ReadRequest{}, fmt.Errorf("decode read request: %w", err)
	}
	return h, req, nil
}

// EncodeReadResponse builds a complete read response frame carrying seq.
func EncodeReadResponse(seq uint8, resp ReadResponse) ([]byte, error) {
	body, err := cbor.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode read response: %w", err)
	}
	return frame(OpReadResponse, seq, body)
}

func frame(op uint8, seq uint8, body []byte) ([]byte, error) {
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("body of %d bytes does not fit the envelope", len(body))
	}
	h := Header{Op: op, Length: uint16(len(body)), Group: GroupFS, Seq: seq}
	return append(h.Bytes(), body...), nil
}

// Fragment splits a frame into notification-sized pieces.
func Fragment(b []byte, mtu int) [][]byte {
	if mtu <= 0 || len(b) <= mtu {
		return [][]byte{b}
	}
	out := make([][]byte, 0, (len(b)+mtu-1)/mtu)
	for len(b) > mtu {
		out = append(out, b[:mtu])
		b = b[mtu:]
	}
	return append(out, b)
}
