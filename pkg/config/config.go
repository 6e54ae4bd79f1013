// Package config holds the gateway configuration. Defaults come from struct
// tags, a YAML file may override them, and the CLI overrides both.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/ctgate/internal/decision"
	"github.com/srg/ctgate/internal/gateway"
	"github.com/srg/ctgate/internal/publish"
	"github.com/srg/ctgate/internal/radio"
	"github.com/srg/ctgate/internal/session"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Serial describes the radio UART.
type Serial struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud" default:"115200"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Decision is the tag selection policy.
type Decision struct {
	AllowList      []string `yaml:"allow_list"`
	RSSIThreshold  int      `yaml:"rssi_threshold" default:"-80"`
	MaxConnections int      `yaml:"max_connections" default:"1"`
}

// Policy converts to the engine's policy.
func (d Decision) Policy() decision.Policy {
	return decision.Policy{
		AllowList:      append([]string(nil), d.AllowList...),
		RSSIThreshold:  d.RSSIThreshold,
		MaxConnections: d.MaxConnections,
	}
}

// Publish selects the payload format and the sinks.
type Publish struct {
	Format string `yaml:"format" default:"json"`
	// NodeID names this gateway in topics.
	NodeID string `yaml:"node_id" default:"gw0"`
	// Topics override the topics derived from NodeID.
	Topics     publish.Topics        `yaml:"topics"`
	Console    bool                  `yaml:"console" default:"true"`
	SQLitePath string                `yaml:"sqlite_path"`
	Breaker    publish.BreakerConfig `yaml:"breaker"`
}

// ResolvedTopics fills unset topics from NodeID.
func (p Publish) ResolvedTopics() publish.Topics {
	t := publish.DefaultTopics(p.NodeID)
	if p.Topics.Telemetry != "" {
		t.Telemetry = p.Topics.Telemetry
	}
	if p.Topics.Status != "" {
		t.Status = p.Topics.Status
	}
	return t
}

type Config struct {
	LogLevel string          `yaml:"log_level" default:"info"`
	Serial   Serial          `yaml:"serial"`
	Decision Decision        `yaml:"decision"`
	Session  session.Options `yaml:"session"`
	Gateway  gateway.Options `yaml:"gateway"`
	Publish  Publish         `yaml:"publish"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		bad("log_level %q", c.LogLevel)
	}
	if c.Serial.Baud <= 0 {
		bad("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Decision.MaxConnections < 1 {
		bad("decision.max_connections must be at least 1, got %d", c.Decision.MaxConnections)
	}
	for _, a := range c.Decision.AllowList {
		if !radio.ValidAddress(strings.ToUpper(strings.TrimSpace(a))) {
			bad("decision.allow_list: %q is not a 14 hex digit address", a)
		}
	}
	if c.Session.MaxRetries < 1 {
		bad("session.max_retries must be at least 1, got %d", c.Session.MaxRetries)
	}
	for name, d := range map[string]time.Duration{
		"session.connect_timeout":    c.Session.ConnectTimeout,
		"session.download_timeout":   c.Session.DownloadTimeout,
		"session.disconnect_timeout": c.Session.DisconnectTimeout,
		"session.publish_timeout":    c.Session.PublishTimeout,
		"gateway.scan_window":        c.Gateway.ScanWindow,
	} {
		if d <= 0 {
			bad("%s must be positive, got %s", name, d)
		}
	}
	if c.Session.LogFile == "" {
		bad("session.log_file is empty")
	}
	if _, err := publish.ParseFormat(c.Publish.Format); err != nil {
		bad("publish.format %q", c.Publish.Format)
	}
	if !c.Publish.Console && c.Publish.SQLitePath == "" {
		bad("publish: no sink enabled, set console or sqlite_path")
	}
	return errors.Join(errs...)
}

// NewLogger creates a logger at the configured level. An unparsable level
// falls back to info.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
