// Package cmd implements the CLI commands for scrivo.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrivohq/scrivo/internal/config"
	"github.com/scrivohq/scrivo/internal/observability"
	"github.com/scrivohq/scrivo/internal/version"
)

// Exit codes: 0 success, 1 user error, 2 internal failure.
const (
	exitOK       = 0
	exitUserErr  = 1
	exitInternal = 2
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// appCfg and appLogger are set by PersistentPreRunE before any command runs.
var (
	appCfg    *config.Config
	appLogger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "scrivo",
	Short:   "Audio-to-document processing pipeline",
	Version: version.Short(),
	Long: `scrivo turns recorded audio into documents: it transcribes media with a
speech provider, refines the transcript into structured fields with a
language model, renders the configured artifacts, and shelves them in a
results library.

Jobs are resumable: every stage persists its result, so a failed or
stopped job continues from where it left off.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE is set in init() to avoid an initialization cycle.
}

// Execute runs the root command and maps the failure class to an exit
// code. Prerequisite failures also print the command that would fix them.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := hintFor(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	}
	if appCfg != nil && appCfg.Logging.File != "" {
		observability.WriteCrashLog(appCfg.Logging.File, err)
	}

	if isUserError(err) {
		return exitUserErr
	}
	return exitInternal
}

func init() {
	// Set PersistentPreRunE here to avoid an initialization cycle
	// (initApp references rootCmd.PersistentFlags).
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initApp()
	}

	// Global flags are NOT bound to viper. We check whether they were
	// explicitly set using Changed() and only then override config/env
	// values, preserving the priority: CLI flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/scrivo, $HOME/.scrivo)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initApp loads configuration and builds the process logger.
func initApp() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return userError{err}
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
		if cfg.Logging.Level == "warning" {
			cfg.Logging.Level = "warn"
		}
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	if err := cfg.Validate(); err != nil {
		return userError{err}
	}

	appCfg = cfg
	appLogger = observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(appLogger)
	return nil
}
