package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/watchsync/internal/kv"
	"github.com/tonimelisma/watchsync/internal/relay"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run or manage the shared-tier relay",
	}

	cmd.AddCommand(newRelayServeCmd())

	return cmd
}

func newRelayServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the shared tier over HTTP",
		Long: `Serve one account's shared tier to every device configured with the relay
backend. Data is kept in an SQLite file with the shared quota applied, and
writes are pushed to connected devices over a websocket change feed.`,
		Args: cobra.NoArgs,
		RunE: runRelayServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides relay.listen)")

	return cmd
}

func runRelayServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	listen := cc.Cfg.Relay.Listen
	if cmd.Flags().Changed("listen") {
		var err error
		if listen, err = cmd.Flags().GetString("listen"); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cc.Cfg.RelayDBPath), stateDirPermissions); err != nil {
		return fmt.Errorf("creating relay directory: %w", err)
	}

	base, stop := context.WithCancel(cmd.Context())
	defer stop()

	ctx := shutdownContext(base, logger)

	quota := kv.Quota{
		TotalBytes: int(cc.Cfg.TotalQuota),
		ItemBytes:  int(cc.Cfg.ItemCeiling),
	}

	store, err := kv.OpenSQLite(ctx, cc.Cfg.RelayDBPath, kv.AreaSync, quota, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if cc.Cfg.Relay.Token == "" {
		logger.Warn("relay running without a token; anyone who can reach it can read and write")
	}

	logger.Info("starting relay",
		slog.String("listen", listen),
		slog.String("db", cc.Cfg.RelayDBPath),
	)

	return relay.NewServer(store, cc.Cfg.Relay.Token, logger).ListenAndServe(ctx, listen)
}
