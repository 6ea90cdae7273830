package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	dataTimeout time.Duration

	getQuery queryFlags

	// set
	setPriority string
)

func init() {
	for _, cmd := range []*cobra.Command{getCmd, setCmd, updateCmd, pushCmd, removeCmd} {
		cmd.Flags().DurationVar(&dataTimeout, "timeout", 30*time.Second, "how long to wait for the server")
		rootCmd.AddCommand(cmd)
	}
	getQuery.register(getCmd)
	setCmd.Flags().StringVar(&setPriority, "priority", "", "JSON priority to store with the value")
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print the value at a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := getQuery.build(cmd, args[0])
		if err != nil {
			return err
		}
		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()

		ctx, cancel := context.WithTimeout(cmd.Context(), dataTimeout)
		defer cancel()
		snap, err := repo.Get(ctx, q)
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		printJSON(snap.ExportValue())
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Replace the value at a path",
	Long:  "Replace the value at a path. The value is parsed as JSON, or taken as a string when it is not valid JSON.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeAndWait(cmd, func(repo *rtsync.Repo) (*rtsync.Ack, error) {
			if cmd.Flags().Changed("priority") {
				return repo.SetWithPriority(args[0], parseValue(args[1]), parseValue(setPriority))
			}
			return repo.Set(args[0], parseValue(args[1]))
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <path> <json-object>",
	Short: "Write several children of a path at once",
	Long:  "Write several children of a path at once.\nExample: rtsync update users/alice '{\"name\":\"Alice\",\"profile/age\":30}'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, ok := parseValue(args[1]).(map[string]any)
		if !ok {
			return fmt.Errorf("update value must be a JSON object")
		}
		return writeAndWait(cmd, func(repo *rtsync.Repo) (*rtsync.Ack, error) {
			return repo.Update(args[0], values)
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <path> <value>",
	Short: "Append a value under a new chronological key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeAndWait(cmd, func(repo *rtsync.Repo) (*rtsync.Ack, error) {
			key, ack, err := repo.Push(args[0], parseValue(args[1]))
			if err == nil {
				fmt.Println(key)
			}
			return ack, err
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Delete the value at a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeAndWait(cmd, func(repo *rtsync.Repo) (*rtsync.Ack, error) {
			return repo.Remove(args[0])
		})
	},
}

// writeAndWait runs write against a fresh repo and waits for the server to
// accept it.
func writeAndWait(cmd *cobra.Command, write func(*rtsync.Repo) (*rtsync.Ack, error)) error {
	repo, closeRepo, err := openRepo()
	if err != nil {
		return err
	}
	defer closeRepo()

	ack, err := write(repo)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), dataTimeout)
	defer cancel()
	if err := ack.Wait(ctx); err != nil {
		return fmt.Errorf("write not confirmed: %w", err)
	}
	return nil
}
