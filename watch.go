package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/watchsync/internal/history"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <video-id>...",
		Short: "Mark videos as watched",
		Long: `Record each video as watched now and push the updated history to the
shared tier.

Examples:
  watchsync watch dQw4w9WgXcQ
  watchsync watch dQw4w9WgXcQ jNQXAC9IVRw`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, args, history.TagWatched)
		},
	}
}

func newUnwatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unwatch <video-id>...",
		Short: "Mark videos as not watched",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, args, history.TagUnwatched)
		},
	}
}

// runApply validates every id before touching storage, so one typo does not
// leave a half-applied command.
func runApply(cmd *cobra.Command, ids []string, tag history.Tag) error {
	for _, id := range ids {
		if !history.ValidVideoID(id) {
			return fmt.Errorf("%w: %q", history.ErrInvalidVideoID, id)
		}
	}

	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, id := range ids {
		if err := sess.Store.ApplyOperation(ctx, tag, id, 0); err != nil {
			return err
		}
	}

	res, err := flushSync(ctx, sess)
	if err != nil {
		return err
	}

	notifyDaemon(cc)

	cc.Statusf("Marked %d video(s) %s\n", len(ids), tag)
	reportDropped(cc, res)

	return nil
}

// flushSync pushes the mirror before a one-shot command exits, so the write
// does not depend on the throttle timer outliving the process.
func flushSync(ctx context.Context, sess *Session) (history.SyncResult, error) {
	res, err := sess.Store.Sync(ctx)
	if err != nil {
		return res, fmt.Errorf("syncing history: %w", err)
	}

	sess.logger.Debug("flushed history to sync tier",
		slog.Int("synced", res.Synced),
		slog.Int("batches", res.Batches),
		slog.Int("bytes", res.Bytes),
	)

	return res, nil
}

// reportDropped tells the user when the quota kept part of the history off
// the shared tier.
func reportDropped(cc *CLIContext, res history.SyncResult) {
	if res.Dropped == 0 {
		return
	}

	cc.Statusf("Only the most recent %d of %d entries were synced; %d stay on this device only.\n",
		res.Synced, res.Total, res.Dropped)
	cc.Statusf("Run 'watchsync evict <count>' to remove the oldest entries.\n")
}
