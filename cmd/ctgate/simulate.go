package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/internal/ptyio"
	"github.com/srg/ctgate/internal/simradio"
	"gopkg.in/yaml.v3"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Expose a simulated radio with tags on a pseudo terminal",
	Long: `Creates a pseudo terminal that behaves like the radio module, with the
tags from --tags in range. Each tag serves a generated contact tracing log.

Without --tags one tag with a small log is simulated.

Tag file example:
  tags:
    - address: "01AABBCCDDEEFF"
      rssi: -62
      data_available: true
      log:
        entries: 3
        records: 4
    - address: "01112233445566"
      rssi: -70
      data_available: true
      silent: true

Example:
  ctgate simulate --tags tags.yaml --symlink /tmp/ctradio
  ctgate run --port /tmp/ctradio`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().String("tags", "", "YAML file describing the simulated tags")
	simulateCmd.Flags().String("symlink", "", "Create a symlink to the terminal (e.g., /tmp/ctradio)")
	simulateCmd.Flags().Int("mtu", simradio.DefaultMTU, "Notification payload size")
	simulateCmd.Flags().Int("chunk", simradio.DefaultChunkSize, "Bytes served per read request")
}

// simLog describes the log a simulated tag serves.
type simLog struct {
	Entries int  `yaml:"entries" default:"2"`
	Records int  `yaml:"records" default:"3"`
	Missing bool `yaml:"missing"`
	// Corrupt breaks the checksum of the last entry.
	Corrupt bool `yaml:"corrupt"`
}

type simTag struct {
	simradio.Tag `yaml:",inline"`
	Log          simLog `yaml:"log"`
}

type simTagFile struct {
	Tags []simTag `yaml:"tags"`
}

// loadSimTags reads a tag file. An empty path gives one default tag.
func loadSimTags(path string) ([]simTag, error) {
	if path == "" {
		t := simTag{Tag: simradio.Tag{Address: "01C0FFEE123456", RSSI: -60, DataAvailable: true}}
		defaults.SetDefaults(&t.Log)
		return []simTag{t}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tag file %s: %w", path, err)
	}
	var f simTagFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tag file %s: %w", path, err)
	}
	if len(f.Tags) == 0 {
		return nil, fmt.Errorf("tag file %s lists no tags", path)
	}
	for i := range f.Tags {
		defaults.SetDefaults(&f.Tags[i].Log)
	}
	return f.Tags, nil
}

// buildTags turns the descriptions into simulator tags with generated logs.
func buildTags(specs []simTag, logFile string, now time.Time) []simradio.Tag {
	tags := make([]simradio.Tag, 0, len(specs))
	for _, s := range specs {
		t := s.Tag
		t.Address = strings.ToUpper(t.Address)
		if t.DeviceID == "" && len(t.Address) >= 12 {
			t.DeviceID = t.Address[len(t.Address)-12:]
		}
		if !s.Log.Missing {
			t.Files = map[string][]byte{logFile: generateLog(t.DeviceID, s.Log, now)}
		}
		tags = append(tags, t)
	}
	return tags
}

func generateLog(deviceID string, desc simLog, now time.Time) []byte {
	b := ctlog.NewBuilder(ctlog.Header{
		ProtocolVersion: 1,
		EntrySize:       256,
		DeviceID:        strings.ToLower(deviceID),
		DeviceTime:      uint32(now.Unix()),
		LogSize:         4096,
		LastUpload:      uint32(now.Add(-time.Hour).Unix()),
		FirmwareVersion: "01000000",
		DevicesSeen:     uint16(desc.Entries),
		NetworkID:       0xFFFF,
		AdIntervalMs:    250,
		LogIntervalMin:  1,
		ScanIntervalSec: 60,
		BatteryRaw:      190,
		ScanDurationSec: 5,
		Profile:         1,
		RSSIThreshold:   -85,
		TxPower:         -4,
		UptimeSec:       86400,
	})

	for i := 0; i < desc.Entries; i++ {
		recs := make([]ctlog.Record, desc.Records)
		for j := range recs {
			recs[j] = ctlog.Record{
				Type:               ctlog.RecordTypeRSSI,
				ScanIntervalOffset: uint16(j * 10),
				RSSI:               int8(-50 - i - j),
				Motion:             uint8(j % 2),
				TxPower:            -8,
			}
		}
		b.AddEntry(ctlog.EntryHeader{
			Flags:        1,
			ScanInterval: 60,
			RemoteID:     fmt.Sprintf("%012x", 0xA0B0C0+i),
			Timestamp:    uint32(now.Add(-time.Duration(desc.Entries-i) * time.Minute).Unix()),
		}, recs...)
	}
	if desc.Corrupt {
		b.CorruptLastChecksum()
	}
	return b.Bytes()
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	tagsPath, _ := cmd.Flags().GetString("tags")
	specs, err := loadSimTags(tagsPath)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	symlink, _ := cmd.Flags().GetString("symlink")
	return simulate(ctx, specs, simOptions(cmd, logger, cfg.Session.LogFile), symlink, logger, func(tty string) {
		fmt.Fprintln(cmd.OutOrStdout(), tty)
	})
}

type simSetup struct {
	radio   simradio.Options
	logFile string
}

func simOptions(cmd *cobra.Command, logger *logrus.Logger, logFile string) simSetup {
	mtu, _ := cmd.Flags().GetInt("mtu")
	chunk, _ := cmd.Flags().GetInt("chunk")
	return simSetup{
		radio:   simradio.Options{MTU: mtu, ChunkSize: chunk, Logger: logger},
		logFile: logFile,
	}
}

// simulate serves the tags on a terminal until ctx is done. ready receives
// the path clients should open.
func simulate(ctx context.Context, specs []simTag, setup simSetup, symlink string, logger *logrus.Logger, ready func(tty string)) error {
	sim := simradio.New(setup.radio, buildTags(specs, setup.logFile, time.Now())...)

	errCh := make(chan error, 1)
	link, err := ptyio.Open(sim, ptyio.Options{
		Logger: logger,
		OnError: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	})
	if err != nil {
		_ = sim.Close()
		return err
	}
	defer link.Close()

	tty := link.TTYName()
	if symlink != "" {
		if err := os.Symlink(tty, symlink); err != nil {
			return fmt.Errorf("failed to create tty symlink %s -> %s: %w", symlink, tty, err)
		}
		defer func() {
			if err := os.Remove(symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", symlink).Warn("Failed to remove tty symlink")
			}
		}()
		tty = symlink
	}

	logger.WithFields(logrus.Fields{"tty": tty, "tags": len(specs)}).Info("Simulated radio ready")
	ready(tty)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("simulated radio terminal: %w", err)
	}

	st := link.Stats()
	logger.WithFields(logrus.Fields{
		"commands_bytes": st.ToDevice,
		"reply_bytes":    st.FromDevice,
		"dropped":        st.Dropped,
		"commands":       len(sim.Transcript()),
	}).Info("Simulated radio stopped")
	return nil
}
