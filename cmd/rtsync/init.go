package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <url>",
	Short: "Store the database URL in ~/.rtsync/config.toml",
	Long:  "Initialize the rtsync CLI by storing the database URL in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := rtsync.ParseRepoURL(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.URL = args[0]
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Database %s saved to %s\n", info, path)
		return nil
	},
}
