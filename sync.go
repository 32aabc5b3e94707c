package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/watchsync/internal/history"
)

// pidFileName is the daemon lock file inside the state directory.
const pidFileName = "sync.pid"

// finalFlushTimeout bounds the last sync a stopping daemon attempts.
const finalFlushTimeout = 10 * time.Second

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Load history from the local and shared tiers",
		Long: `Read the local history and merge the shared tier into it, replaying any
clear broadcast from another device. Prints what the load found.`,
		Args: cobra.NoArgs,
		RunE: runLoad,
	}
}

func runLoad(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, res, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	notifyDaemon(cc)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, res)
	}

	fmt.Printf("Wire version:  %d\n", res.Version)
	fmt.Printf("Decoded:       %d\n", res.Decoded)
	fmt.Printf("Applied:       %d\n", res.Applied)
	fmt.Printf("Skipped:       %d\n", res.Skipped)
	fmt.Printf("Migrated:      %d\n", res.Migrated)
	fmt.Printf("Clear applied: %t\n", res.Cleared)
	fmt.Printf("Local entries: %d\n", res.Local)

	return nil
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push the local history to the shared tier",
		Long: `Load the history and write it to the shared tier, newest entries first.

With --watch, keep running: changes written by other devices are merged as
they arrive and local changes are pushed at most once per throttle interval.
A SIGHUP reloads the local tier, which one-shot commands send automatically.
Stop with SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep running and sync continuously")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	if watch {
		return runSyncDaemon(cmd)
	}

	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := flushSync(ctx, sess)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, res)
	}

	cc.Statusf("Synced %d of %d entries in %d batch(es), %s\n",
		res.Synced, res.Total, res.Batches, formatSize(res.Bytes))
	reportDropped(cc, res)

	return nil
}

// runSyncDaemon holds the pid file lock and runs the change feed of the sync
// tier until a shutdown signal arrives.
func runSyncDaemon(cmd *cobra.Command) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	cleanup, err := writePIDFile(pidFilePath(cc))
	if err != nil {
		return err
	}
	defer cleanup()

	base, stop := context.WithCancel(cmd.Context())
	defer stop()

	ctx := shutdownContext(base, logger)

	sess, res, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	w := sess.Watcher()
	if w == nil {
		return fmt.Errorf("sync --watch needs a shared backend (dir or relay), not %q",
			cc.Cfg.Storage.SyncBackend)
	}

	logger.Info("sync daemon started",
		slog.String("device_id", sess.DeviceID),
		slog.String("backend", cc.Cfg.Storage.SyncBackend),
		slog.Int("entries", res.Local),
	)

	if _, err := sess.Store.Sync(ctx); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.Watch(gctx) })
	g.Go(func() error { return reloadOnHangup(gctx, sess.Store, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync daemon: %w", err)
	}

	if sess.Store.SyncPending() {
		flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()

		if _, err := sess.Store.Sync(flushCtx); err != nil {
			logger.Warn("final sync failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("sync daemon stopped")

	return nil
}

// reloadOnHangup reloads the store on every SIGHUP until ctx is canceled.
// Other processes write the local tier directly; the reload folds their
// changes into this daemon's mirror.
func reloadOnHangup(ctx context.Context, store *history.Store, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			res, err := store.Load(ctx)
			if err != nil {
				logger.Warn("reload after SIGHUP failed", slog.String("error", err.Error()))

				continue
			}

			logger.Info("reloaded history after SIGHUP",
				slog.Int("applied", res.Applied),
				slog.Int("local", res.Local),
			)

			store.ScheduleSync()
		}
	}
}

func pidFilePath(cc *CLIContext) string {
	return filepath.Join(cc.Cfg.StateDir, pidFileName)
}

// notifyDaemon asks a running sync daemon to reload after a one-shot command
// changed the local tier. No daemon is the common case and not an error.
func notifyDaemon(cc *CLIContext) {
	if err := sendSIGHUP(pidFilePath(cc)); err != nil {
		cc.Logger.Debug("sync daemon not notified", slog.String("reason", err.Error()))

		return
	}

	cc.Logger.Debug("notified sync daemon")
}
