package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/rtsync"
)

var (
	listenQuery  queryFlags
	listenEvents string
)

func init() {
	listenQuery.register(listenCmd)
	listenCmd.Flags().StringVar(&listenEvents, "events", "value", "comma-separated event types (value, child_added, child_changed, child_removed, child_moved)")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <path>",
	Short: "Print events for a path until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := listenQuery.build(cmd, args[0])
		if err != nil {
			return err
		}
		var types []rtsync.EventType
		for _, name := range strings.Split(listenEvents, ",") {
			t, ok := rtsync.ParseEventType(strings.TrimSpace(name))
			if !ok {
				return fmt.Errorf("unknown event type %q", name)
			}
			types = append(types, t)
		}

		repo, closeRepo, err := openRepo()
		if err != nil {
			return err
		}
		defer closeRepo()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		unsubscribe, err := repo.Listen(q, func(e rtsync.Event) {
			out := map[string]any{
				"event": e.Type.String(),
				"key":   e.Snapshot.Key(),
				"value": e.Snapshot.ExportValue(),
			}
			if e.PrevName != "" {
				out["prev"] = e.PrevName
			}
			printJSON(out)
		}, func(err error) {
			cancel(err)
		}, types...)
		if err != nil {
			return err
		}
		defer unsubscribe()

		<-ctx.Done()
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return fmt.Errorf("listen cancelled: %w", cause)
		}
		return nil
	},
}
