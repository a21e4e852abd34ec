package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appVersion = "0.3.0"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trackerd",
		Short:   "Warehouse tracker submission server",
		Version: appVersion,
		Long: `trackerd accepts stock movements and catalog mutations queued by
offline warehouse devices, applying each exactly once via client-supplied
idempotency keys.`,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newTokenCommand())

	return cmd
}

// loadConfig binds flags, the TRACKER_* environment, and an optional config
// file, in that order of precedence.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("tracker")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}
