package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var saveConfigPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration xvcd would run with after applying the config file,
XVCD_* environment variables and flags. With --save the result is also written
as a YAML file that can be passed back with --config.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().StringVar(&saveConfigPath, "save", "", "write the effective configuration to this file")
}

func runConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if _, err := cmd.OutOrStdout().Write(data); err != nil {
		return err
	}
	if saveConfigPath != "" {
		return cfg.Save(saveConfigPath)
	}
	return nil
}
