package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
)

var statusTimeout time.Duration

func init() {
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "how long to wait for a connection")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check the auth token, and try to connect to the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		s, err := resolveSettings(cfg)
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  URL:         %s\n", valueOrDefault(s.URL, "(not set)"))
		fmt.Printf("  Endpoint:    %s\n", valueOrDefault(s.endpoint(), "-"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(s.Transport, "auto"))
		fmt.Printf("  Snapshots:   %s\n", valueOrDefault(s.Snapshots, "(memory only)"))

		fmt.Println()
		fmt.Println("Auth:")
		token := s.Token
		switch {
		case token == "":
			fmt.Println("  Token:       none")
		case s.Secret != "":
			claims, err := rtsync.VerifyToken(token, s.Secret, time.Now())
			if err != nil {
				fmt.Printf("  Token:       INVALID (%v)\n", err)
			} else {
				fmt.Printf("  Token:       valid for %s (expires %s)\n", claims.UID, time.Unix(claims.ExpiresAt, 0).Format(time.RFC3339))
			}
		default:
			fmt.Printf("  Token:       %s\n", maskKey(token))
		}

		if s.URL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		repo, closeRepo, err := openRepo()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer closeRepo()

		connected := make(chan struct{})
		var once bool
		unsubscribe, err := repo.Listen(rtsync.NewQuery(".info/connected"), func(e rtsync.Event) {
			if v, _ := e.Snapshot.Value().(bool); v && !once {
				once = true
				close(connected)
			}
		}, nil, rtsync.EventValue)
		if err != nil {
			return err
		}
		defer unsubscribe()

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		select {
		case <-connected:
			offset := repo.ServerTime().Sub(time.Now()).Round(time.Millisecond)
			fmt.Printf("  Connected:   yes\n")
			fmt.Printf("  Clock skew:  %s\n", offset)
		case <-ctx.Done():
			fmt.Printf("  Connected:   no (gave up after %s)\n", statusTimeout)
		}
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a credential.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
