package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/ctgate/pkg/config"
)

// loadConfig reads --config over the defaults. Commands apply their own
// flag overrides before calling Validate.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
