package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/config"
)

// hookMarker identifies pre-commit hooks written by vigil.
const hookMarker = "# installed by vigil"

var (
	installForce      bool
	installWithConfig bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the pre-commit hook",
	Long: `Install a pre-commit hook that runs 'vigil gate'.

An existing hook that vigil did not write is left alone unless --force
is given. --with-config also writes a starter .vigil.yaml at the
repository root.`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().BoolVarP(&installForce, "force", "f", false, "Overwrite an existing pre-commit hook")
	installCmd.Flags().BoolVar(&installWithConfig, "with-config", false, "Write a starter .vigil.yaml")
}

func runInstall(cmd *cobra.Command, args []string) error {
	root, _, g, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	hooksDir, err := g.HooksDir(cmd.Context())
	if err != nil {
		return fmt.Errorf("locate hooks directory: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	hookPath := filepath.Join(hooksDir, "pre-commit")
	existing, err := os.ReadFile(hookPath)
	switch {
	case err == nil && !bytes.Contains(existing, []byte(hookMarker)) && !installForce:
		return fmt.Errorf("%s already exists and was not written by vigil; use --force to replace it", hookPath)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read existing hook: %w", err)
	}

	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		return fmt.Errorf("create hooks directory: %w", err)
	}
	if err := os.WriteFile(hookPath, []byte(hookScript(exe)), 0755); err != nil {
		return fmt.Errorf("write hook: %w", err)
	}
	printStatus("✓", "Installed "+hookPath, color.FgGreen)

	if installWithConfig {
		if err := writeStarterConfig(root); err != nil {
			return err
		}
	}
	return nil
}

func hookScript(exe string) string {
	return "#!/bin/sh\n" + hookMarker + "\nexec " + strconv.Quote(exe) + " gate\n"
}

func writeStarterConfig(root string) error {
	path := filepath.Join(root, config.ProjectConfigName)
	if _, err := os.Stat(path); err == nil {
		printStatus("-", path+" already exists, leaving it", color.FgYellow)
		return nil
	}
	data, err := config.ExampleProjectYAML()
	if err != nil {
		return fmt.Errorf("render example config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	printStatus("✓", "Wrote "+path, color.FgGreen)
	return nil
}
