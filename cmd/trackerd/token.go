package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/curioushiba/warehouse-tracker-app-v2-sub005/syncserver"
)

// newTokenCommand mints a client token for a user/device pair. Intended for
// development and for provisioning kiosks that have no interactive login.
func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a client JWT for a user and device",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			secret := v.GetString("jwt-secret")
			if secret == "" {
				return errors.New("jwt-secret is required (flag or TRACKER_JWT_SECRET)")
			}
			userID := v.GetString("user")
			deviceID := v.GetString("device")
			if userID == "" || deviceID == "" {
				return errors.New("both --user and --device are required")
			}

			token, err := syncserver.NewJWTAuth(secret).GenerateToken(userID, deviceID, v.GetDuration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().String("config", "", "path to config file")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for client tokens")
	cmd.Flags().String("user", "", "user id for the sub claim")
	cmd.Flags().String("device", "", "device id for the did claim")
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")

	return cmd
}
