package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/pkg/config"
	"go.bug.st/serial"
)

// Command-level errors
var (
	ErrNoPort = errors.New("no serial port: set --port or serial.port in the config file")
)

// FormatUserError turns an error into a message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return "serial port not found, check --port"
		case serial.PermissionDenied:
			return "permission denied opening the serial port (is the user in the dialout group?)"
		case serial.PortBusy:
			return "serial port is busy, another program has it open"
		case serial.InvalidSpeed:
			return "the serial port does not support that baud rate"
		}
	}

	switch {
	case errors.Is(err, config.ErrInvalid):
		var b strings.Builder
		b.WriteString("configuration is invalid:")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Fprintf(&b, "\n  - %s", strings.TrimPrefix(line, config.ErrInvalid.Error()+": "))
		}
		return b.String()
	case errors.Is(err, ctlog.ErrTooShort):
		return "file is too short to be a contact tracing log"
	case errors.Is(err, ctlog.ErrChecksum):
		return fmt.Sprintf("log file is corrupt: %v", err)
	}
	return err.Error()
}
