package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/friendlyfeed/friendlyfeed/internal/auth"
	"github.com/friendlyfeed/friendlyfeed/internal/session"
)

func tokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		photo  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				if ttl, err = cfg.Auth.ExpiresIn(); err != nil {
					return err
				}
			}
			if userID == "" {
				userID = uuid.NewString()
			}
			sess := session.Session{UserID: userID, DisplayName: name, PhotoURL: photo}
			if err := sess.Validate(); err != nil {
				return err
			}
			signed, expiresAt, err := auth.GenerateToken(sess, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires %s\n", userID, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (default: random uuid)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&photo, "photo", "", "avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: [auth].jwt_expires_in)")
	return cmd
}
