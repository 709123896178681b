package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/h2edge/pkg/cli"
	"mercator-hq/h2edge/pkg/config"
)

// loadConfig loads cfgFile into the process-wide configuration. When the
// default file does not exist the built-in defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if f := cmd.Flag("config"); f == nil || !f.Changed {
		if _, err := os.Stat(cfgFile); errors.Is(err, fs.ErrNotExist) {
			cfg := config.Default()
			config.SetConfig(cfg)
			return cfg, nil
		}
	}
	if err := config.Initialize(cfgFile); err != nil {
		return nil, cli.NewConfigError(cfgFile, err)
	}
	return config.GetConfig(), nil
}
