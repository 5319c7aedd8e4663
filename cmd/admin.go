/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/maqalati/server/internal/db"
	"github.com/maqalati/server/internal/services"
	"github.com/maqalati/server/internal/storage"
	"github.com/maqalati/server/internal/store"
	"github.com/spf13/cobra"
)

var adminForm services.Registration

// adminCmd groups account maintenance commands.
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Manage administrator accounts",
}

var adminCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an active administrator",
	Long: `Creates an active administrator, typically on a fresh installation.
The password may also be passed in the ADMIN_PASSWORD environment variable.

	maqalati admin create --username root --full-name "مدير الموقع"
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		form := adminForm
		if form.Email == "" {
			form.Email = cfg.Site.AdminEmail
		}
		if form.Password == "" {
			form.Password = os.Getenv("ADMIN_PASSWORD")
		}
		form.PasswordConfirm = form.Password

		dbConn, err := db.Open(cmd.Context(), cfg.Database)
		if err != nil {
			logger.Error().Err(err).Msg("database connection failed")
			return errors.New("failed to connect to database")
		}
		defer dbConn.Close()

		repo := store.NewUserRepository(dbConn, cfg.Security)
		users := services.NewUserService(repo, store.NewUniqueLookup(dbConn), nil, storage.NewAvatars(nil), logger)

		user, err := users.CreateAdmin(cmd.Context(), form)
		if err != nil {
			var verr *services.ValidationError
			if errors.As(err, &verr) {
				for field, msg := range verr.Fields {
					fmt.Fprintf(os.Stderr, "%s: %s\n", field, msg)
				}
				return errors.New("invalid administrator details")
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created administrator %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminCreateCmd)

	adminCreateCmd.Flags().StringVar(&adminForm.Username, "username", "admin", "login name")
	adminCreateCmd.Flags().StringVar(&adminForm.Email, "email", "", "email address (defaults to ADMIN_EMAIL)")
	adminCreateCmd.Flags().StringVar(&adminForm.FullName, "full-name", "مدير الموقع", "display name")
	adminCreateCmd.Flags().StringVar(&adminForm.Password, "password", "", "password")
}
