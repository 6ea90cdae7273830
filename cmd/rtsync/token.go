package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
)

var (
	tokenUID    string
	tokenTTL    time.Duration
	tokenAdmin  bool
	tokenSecret string
	tokenSave   bool
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUID, "uid", "", "user id to put in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "mark the token as an admin credential")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (overrides auth.secret)")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "store the token as auth.token")
	tokenCmd.MarkFlagRequired("uid")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign an auth token for the emulator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		secret := valueOrDefault(tokenSecret, cfg.Auth.Secret)
		if secret == "" {
			return fmt.Errorf("no signing secret. Pass --secret or set auth.secret")
		}
		token, err := rtsync.SignToken(rtsync.TokenClaims{
			UID:       tokenUID,
			ExpiresAt: time.Now().Add(tokenTTL).Unix(),
			Admin:     tokenAdmin,
		}, secret)
		if err != nil {
			return err
		}
		if tokenSave {
			cfg.Auth.Token = token
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}
		fmt.Println(token)
		return nil
	},
}
