/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/maqalati/server/internal/mq"
	"github.com/maqalati/server/internal/services"
	"github.com/spf13/cobra"
)

// eventsCmd groups commands that work with the account event channel.
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect account events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log account events as they are published",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backend, err := mq.Open(ctx, cfg.MQ)
		if err != nil {
			return err
		}
		if backend == nil {
			return errors.New("MQ_BACKEND is not configured")
		}
		defer backend.Close()

		logger.Info().Str("channel", cfg.MQ.Channel).Msg("waiting for account events")
		err = backend.Subscribe(ctx, cfg.MQ.Channel, func(ctx context.Context, msg mq.Message) error {
			ev, err := services.DecodeAccountEvent(msg)
			if err != nil {
				// A malformed message would be redelivered forever.
				logger.Warn().Err(err).Msg("dropping undecodable event")
				return nil
			}
			logger.Info().
				Str("event", ev.Type).
				Int64("user_id", ev.UserID).
				Str("username", ev.Username).
				Str("email", ev.Email).
				Str("activation_url", ev.ActivationURL).
				Time("occurred_at", ev.OccurredAt).
				Msg("account event")
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
