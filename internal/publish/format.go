// Package publish renders decoded logs into upstream messages and delivers
// them to sinks.
package publish

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/srg/ctgate/internal/ctlog"
)

// Format selects how a log is rendered for upstream.
type Format string

const (
	FormatJSON  Format = "json"
	FormatB64   Format = "b64"
	FormatMG100 Format = "mg100"
)

// ParseFormat accepts a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatB64, FormatMG100:
		return f, nil
	default:
		return "", fmt.Errorf("%w %q (want json, b64 or mg100)", ErrUnknownFormat, s)
	}
}

// Binary reports whether payloads in this format are not text.
func (f Format) Binary() bool {
	return f == FormatMG100
}

// Topics are the destinations for telemetry and status messages.
type Topics struct {
	Telemetry string `yaml:"telemetry"`
	Status    string `yaml:"status"`
}

// DefaultTopics derives both topics from the gateway node id.
func DefaultTopics(nodeID string) Topics {
	base := fmt.Sprintf("ctgate/%s/ct", nodeID)
	return Topics{Telemetry: base + "/data", Status: base + "/status"}
}

// Data is the telemetry topic for one device in format f.
func (t Topics) Data(f Format, addr string) string {
	return fmt.Sprintf("%s/%s/%s", t.Telemetry, f, addr)
}

// Message is one rendered upstream message.
type Message struct {
	Topic   string
	Address string // empty for status messages
	Format  Format // empty for status messages
	Payload []byte
	At      time.Time
}

// Encoder renders logs and status text into Messages.
type Encoder struct {
	format Format
	topics Topics
	now    func() time.Time
}

func NewEncoder(f Format, t Topics) *Encoder {
	return &Encoder{format: f, topics: t, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (e *Encoder) WithClock(now func() time.Time) *Encoder {
	e.now = now
	return e
}

func (e *Encoder) Format() Format { return e.format }

// Telemetry renders log for the device addr.
func (e *Encoder) Telemetry(addr string, log *ctlog.Log) (Message, error) {
	now := e.now()
	msg := Message{
		Topic:   e.topics.Data(e.format, addr),
		Address: addr,
		Format:  e.format,
		At:      now,
	}

	var err error
	switch e.format {
	case FormatJSON:
		msg.Payload, err = json.Marshal(log)
	case FormatB64:
		msg.Payload, err = json.Marshal(struct {
			Payload string `json:"payload"`
		}{base64.StdEncoding.EncodeToString(log.Raw())})
	case FormatMG100:
		msg.Payload = log.EncodeMG100(now)
	default:
		err = fmt.Errorf("%w %q", ErrUnknownFormat, e.format)
	}
	if err != nil {
		return Message{}, fmt.Errorf("render %s payload for %s: %w", e.format, addr, err)
	}
	return msg, nil
}

// Status renders a gateway status line.
func (e *Encoder) Status(text string) (Message, error) {
	payload, err := json.Marshal(struct {
		Status string `json:"status"`
	}{text})
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: e.topics.Status, Payload: payload, At: e.now()}, nil
}
