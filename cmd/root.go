// Package cmd wires the autopress command tree.
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
)

// shutdownTimeout bounds graceful shutdown of daemons and collaborators.
const shutdownTimeout = 30 * time.Second

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "autopress",
	Short:   "Brand-compliant PDF production pipeline",
	Long: `Autopress orchestrates automated document production: tickets are
validated, routed to a production backend, and every artifact passes a
layered quality gate before it ships.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/autopress/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

// loadConfig reads configuration and initializes logging. Called by
// each subcommand's RunE rather than OnInitialize so config errors
// surface as command errors.
func loadConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	if _, err := log.Init(cfg.Paths.LogPath); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	if !debugFlag {
		log.SetMinLevel(log.LevelInfo)
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
