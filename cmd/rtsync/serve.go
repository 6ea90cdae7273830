package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Prismer-AI/rtsync/emulator"
)

var (
	serveAddr        string
	serveSecret      string
	serveDenyReads   []string
	serveDenyWrites  []string
	servePollTimeout time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:9000", "listen address")
	serveCmd.Flags().StringVar(&serveSecret, "secret", "", "verify auth tokens with this secret (overrides auth.secret)")
	serveCmd.Flags().StringSliceVar(&serveDenyReads, "deny-read", nil, "path prefixes clients may not listen to")
	serveCmd.Flags().StringSliceVar(&serveDenyWrites, "deny-write", nil, "path prefixes clients may not write")
	serveCmd.Flags().DurationVar(&servePollTimeout, "poll-timeout", 25*time.Second, "long-poll wait")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local in-memory database emulator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		s, err := resolveSettings(cfg)
		if err != nil {
			return err
		}

		opts := []emulator.Option{
			emulator.WithLogger(s.logger()),
			emulator.WithPollTimeout(servePollTimeout),
		}
		if secret := valueOrDefault(serveSecret, s.Secret); secret != "" {
			opts = append(opts, emulator.WithSecret(secret))
		}
		emu := emulator.New(opts...)
		for _, p := range serveDenyReads {
			emu.DenyReads(p)
		}
		for _, p := range serveDenyWrites {
			emu.DenyWrites(p)
		}

		srv := &http.Server{Addr: serveAddr, Handler: emu, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			fmt.Printf("Emulator listening on http://%s/?ns=local\n", serveAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			emu.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
