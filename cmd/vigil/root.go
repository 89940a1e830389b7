package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// repoDir overrides the directory vigil operates in.
var repoDir string

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Asynchronous pre-commit validation",
	Long: `Vigil runs your linters, type checkers and tests in the background
while you keep committing.

The pre-commit hook ('vigil gate') returns immediately. It only blocks a
commit when the previous validation run failed, and then asks first.
Every hook invocation starts validation of the changeset being committed.

Getting started:
  vigil install --with-config   install the hook and a starter .vigil.yaml
  vigil watch                   follow the current run
  vigil status                  show the latest run`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a specific process exit code out of a command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exitErr exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoDir, "repo", "C", "", "Run as if vigil was started in this directory")

	rootCmd.AddCommand(gateCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
