package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/query-gate/querygate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after merging defaults, the config file, and
QUERYGATE_ environment overrides, then validating the result.

The launcher token hash is redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadConfig(); err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		if cfg.Launcher.TokenHash != "" {
			cfg.Launcher.TokenHash = "<redacted>"
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
