package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/ctgate/internal/ctlog"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <log-file>",
	Short: "Decode a downloaded contact tracing log",
	Long: `Decodes a tag log file and prints it.

Output formats:
  summary  header fields and one line per entry (default)
  json     the decoded log as JSON
  mg100    the compact re-encoding, hex

A log whose entries stop early is still printed; the command then fails
with the reason.

Example:
  ctgate decode ct.bin
  ctgate decode ct.bin --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringP("output", "o", "summary", "Output format: summary, json or mg100")
}

func runDecode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	switch output {
	case "summary", "json", "mg100":
	default:
		return fmt.Errorf("unknown output format %q (must be summary, json or mg100)", output)
	}
	cmd.SilenceUsage = true

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	log, decodeErr := ctlog.NewDecoder(logger).Decode(data)
	if log == nil {
		return decodeErr
	}

	out := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(log); err != nil {
			return err
		}
	case "mg100":
		fmt.Fprintln(out, hex.EncodeToString(log.EncodeMG100(time.Now())))
	default:
		printSummary(out, log)
	}
	return decodeErr
}

func printSummary(w io.Writer, log *ctlog.Log) {
	h := log.Header
	fmt.Fprintf(w, "Device:    %s (firmware %s, protocol %d)\n", h.DeviceID, h.FirmwareVersion, h.ProtocolVersion)
	fmt.Fprintf(w, "Time:      %s, last upload %s\n", unixTime(h.DeviceTime), unixTime(h.LastUpload))
	fmt.Fprintf(w, "Battery:   %d mV\n", h.BatteryMillivolts)
	fmt.Fprintf(w, "Entries:   %d (%d records)\n", len(log.Entries), log.RecordCount())

	for _, e := range log.Entries {
		status := "ok"
		if !e.ChecksumValid {
			status = "bad checksum"
		}
		fmt.Fprintf(w, "  %6d  %s  %s  %3d records  %s\n",
			e.Offset, e.Header.RemoteID, unixTime(e.Header.Timestamp), len(e.Records), status)
	}
	if log.Truncated {
		fmt.Fprintln(w, "  (trailing bytes ignored)")
	}
}

func unixTime(s uint32) string {
	return time.Unix(int64(s), 0).UTC().Format(time.RFC3339)
}
