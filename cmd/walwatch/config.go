package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/walwatch/walwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an annotated example configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.DumpExampleConfig(cmd.OutOrStdout())
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d target(s)\n", len(cfg.Targets))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configExampleCmd, configValidateCmd)
}
