package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/registry"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration vigil uses in this repository as YAML.

Defaults are overridden by ~/.config/vigil/config.yaml, then by
.vigil.yaml in the repository, then by VIGIL_* environment variables.
The tool table is validated and any error is reported.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := workDir()
		if err != nil {
			return err
		}
		out, err := config.EffectiveYAML(dir)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)

		cfg, err := config.LoadFrom(dir)
		if err != nil {
			return err
		}
		if _, err := registry.FromConfig(cfg); err != nil {
			return fmt.Errorf("tool configuration: %w", err)
		}
		return nil
	},
}
