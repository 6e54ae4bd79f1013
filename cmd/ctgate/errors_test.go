package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "loud"
	cfg.Publish.Format = "xml"
	invalid := cfg.Validate()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"config", invalid, "configuration is invalid:\n  - log_level \"loud\"\n  - publish.format \"xml\""},
		{"short log", fmt.Errorf("decode: %w", ctlog.ErrTooShort), "file is too short to be a contact tracing log"},
		{"checksum", &ctlog.ChecksumError{Region: "header", Expected: 1, Actual: 2},
			"log file is corrupt: header checksum at offset 0: stored 0001, computed 0002"},
		{"no port", ErrNoPort, ErrNoPort.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
