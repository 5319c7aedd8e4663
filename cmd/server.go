/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maqalati/server/internal/server"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the maqalati account server",
	Long: `Starts the maqalati account server. Usage:

	maqalati server
`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.New(ctx, cfg, logger)
		if err != nil {
			if errors.Is(err, server.ErrDatabase) {
				fmt.Fprintln(os.Stderr, "failed to connect to database")
			} else {
				fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
			}
			os.Exit(1)
		}

		errc := make(chan error, 1)
		go func() {
			errc <- srv.Start()
		}()

		select {
		case err := <-errc:
			if err != nil {
				fmt.Fprintf(os.Stderr, "server error: %v\n", err)
				os.Exit(1)
			}
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("graceful shutdown failed")
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
