package publish

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/srg/ctgate/internal/ctlog"
)

// ConsoleSink prints messages to a terminal: telemetry in yellow, status in
// magenta.
type ConsoleSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *Encoder

	telemetry *color.Color
	status    *color.Color
}

// NewConsoleSink writes to w. Colors follow the fatih/color global switch,
// which turns them off when stdout is not a terminal.
func NewConsoleSink(w io.Writer, enc *Encoder) *ConsoleSink {
	return &ConsoleSink{
		w:         w,
		enc:       enc,
		telemetry: color.New(color.FgYellow),
		status:    color.New(color.FgMagenta),
	}
}

// DisableColor forces plain output.
func (c *ConsoleSink) DisableColor() *ConsoleSink {
	c.telemetry.DisableColor()
	c.status.DisableColor()
	return c
}

func (c *ConsoleSink) Publish(ctx context.Context, addr string, log *ctlog.Log) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := c.enc.Telemetry(addr, log)
	if err != nil {
		return err
	}
	return c.print(c.telemetry, "tag", msg)
}

func (c *ConsoleSink) Status(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := c.enc.Status(text)
	if err != nil {
		return err
	}
	return c.print(c.status, "status", msg)
}

func (c *ConsoleSink) print(col *color.Color, label string, msg Message) error {
	payload := string(msg.Payload)
	if msg.Format.Binary() {
		payload = hex.EncodeToString(msg.Payload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := col.Fprintln(c.w, fmt.Sprintf("%s topic: %s, payload: %s", label, msg.Topic, payload))
	return err
}

var _ Sink = (*ConsoleSink)(nil)
