package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/ctgate/internal/decision"
	"github.com/srg/ctgate/internal/gateway"
	"github.com/srg/ctgate/internal/groutine"
	"github.com/srg/ctgate/internal/publish"
	"github.com/srg/ctgate/internal/session"
	"github.com/srg/ctgate/internal/transport"
	"github.com/srg/ctgate/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gateway on a radio serial port",
	Long: `Runs scan cycles against the radio on --port until interrupted. Every
selected tag is connected, its log is downloaded, decoded and published.

Example:
  ctgate run --port /dev/ttyUSB0
  ctgate run --port /dev/ttyUSB0 --allow 01AABBCCDDEEFF --format b64 --sqlite ct.db
  ctgate simulate &   # then point --port at the printed terminal`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

func init() {
	runCmd.Flags().String("port", "", "Radio serial port (overrides serial.port)")
	runCmd.Flags().Int("baud", 0, "Baud rate (overrides serial.baud)")
	runCmd.Flags().String("format", "", "Payload format: json, b64 or mg100")
	runCmd.Flags().String("node-id", "", "Gateway name used in topics")
	runCmd.Flags().String("sqlite", "", "Also store messages in this SQLite file")
	runCmd.Flags().Bool("no-console", false, "Do not print messages to stdout")
	runCmd.Flags().StringSlice("allow", nil, "Only service these tag addresses")
	runCmd.Flags().Int("rssi-threshold", 0, "Ignore tags weaker than this (dBm)")
	runCmd.Flags().Int("max-connections", 0, "Tags serviced per cycle")
}

// applyRunFlags copies the flags the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Serial.Port, _ = f.GetString("port")
	}
	if f.Changed("baud") {
		cfg.Serial.Baud, _ = f.GetInt("baud")
	}
	if f.Changed("format") {
		cfg.Publish.Format, _ = f.GetString("format")
	}
	if f.Changed("node-id") {
		cfg.Publish.NodeID, _ = f.GetString("node-id")
	}
	if f.Changed("sqlite") {
		cfg.Publish.SQLitePath, _ = f.GetString("sqlite")
	}
	if f.Changed("no-console") {
		off, _ := f.GetBool("no-console")
		cfg.Publish.Console = !off
	}
	if f.Changed("allow") {
		cfg.Decision.AllowList, _ = f.GetStringSlice("allow")
	}
	if f.Changed("rssi-threshold") {
		cfg.Decision.RSSIThreshold, _ = f.GetInt("rssi-threshold")
	}
	if f.Changed("max-connections") {
		cfg.Decision.MaxConnections, _ = f.GetInt("max-connections")
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Serial.Port == "" {
		return ErrNoPort
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
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

	port, err := transport.OpenSerial(transport.SerialConfig{
		Name:        cfg.Serial.Port,
		Baud:        cfg.Serial.Baud,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer port.Close()

	return serve(ctx, port, cfg, logger, cmd.OutOrStdout())
}

// serve runs the gateway on an open port until ctx is done.
func serve(ctx context.Context, port gateway.Port, cfg *config.Config, logger *logrus.Logger, out io.Writer) error {
	sink, closeSinks, err := buildSinks(cfg, logger, out)
	if err != nil {
		return err
	}
	defer closeSinks()

	engine := decision.NewEngine(cfg.Decision.Policy(), logger)
	gw := gateway.New(port, engine, sink, cfg.Gateway, cfg.Session, logger)

	var watchers groutine.Group
	watchers.Go(ctx, "gateway-events", func(ctx context.Context) {
		logEvents(gw.Events(), logger)
	})
	defer watchers.Wait()

	logger.WithFields(logrus.Fields{
		"node":   cfg.Publish.NodeID,
		"format": cfg.Publish.Format,
	}).Info("Gateway started")
	return gw.Run(ctx)
}

func logEvents(events <-chan gateway.Event, logger *logrus.Logger) {
	for ev := range events {
		switch ev.Kind {
		case gateway.EventScan:
			logger.WithFields(logrus.Fields{
				"cycle":    ev.Cycle,
				"found":    len(ev.Results),
				"selected": len(ev.Selected),
			}).Debug("Scan finished")
		case gateway.EventSession:
			o := ev.Outcome
			entry := logger.WithFields(logrus.Fields{
				"cycle":   ev.Cycle,
				"address": o.Address,
				"session": o.ID,
				"elapsed": o.Elapsed.Round(time.Millisecond),
			})
			if o.State == session.Done {
				entry.WithFields(logrus.Fields{
					"bytes":     o.Bytes,
					"entries":   o.Entries,
					"records":   o.Records,
					"published": o.Published,
				}).Info("Tag serviced")
			} else {
				entry.WithField("phase", o.FailedIn).WithError(o.Err).Warn("Tag not serviced")
			}
		}
	}
}

// buildSinks assembles the configured sinks. The SQLite store sits behind a
// circuit breaker so a broken disk fails fast.
func buildSinks(cfg *config.Config, logger *logrus.Logger, out io.Writer) (publish.Sink, func(), error) {
	format, err := publish.ParseFormat(cfg.Publish.Format)
	if err != nil {
		return nil, nil, err
	}
	enc := publish.NewEncoder(format, cfg.Publish.ResolvedTopics())

	var sinks publish.Multi
	closers := []func(){}
	if cfg.Publish.Console {
		sinks = append(sinks, publish.NewConsoleSink(out, enc))
	}
	if cfg.Publish.SQLitePath != "" {
		store, err := publish.OpenSQLite(cfg.Publish.SQLitePath, enc, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open message store: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.WithError(err).Warn("Closing message store")
			}
		})
		sinks = append(sinks, publish.NewBreakerSink("sqlite", store, cfg.Publish.Breaker, logger))
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
