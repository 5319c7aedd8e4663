/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/maqalati/server/config"
	"github.com/maqalati/server/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "maqalati",
	Short: "Account and session server for the maqalati blog",
	Long: `Account and session server for the maqalati blog: registration,
activation, login, remember-me cookies and the admin user panel.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger every
// subcommand shares.
func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}
