package commands

import (
	"github.com/spf13/cobra"

	"github.com/driveferry/driveferry/config"
)

// loadConfig loads configuration, honoring the --config flag when given
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// findConfigFile resolves which config file is in effect, for the watcher
func findConfigFile(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.FindProjectConfig()
}
