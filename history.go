package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// historyRow is the JSON shape of one entry.
type historyRow struct {
	VideoID   string `json:"video_id"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List watch-history entries, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().IntP("limit", "n", 0, "show at most this many entries (0 = all)")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	entries, err := sess.Store.Entries(ctx)
	if err != nil {
		return err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	rows := make([]historyRow, len(entries))
	for i, e := range entries {
		rows[i] = historyRow{
			VideoID:   e.Key.VideoID(),
			State:     e.Key.Tag().String(),
			Timestamp: e.Timestamp,
		}
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, rows)
	}

	if len(rows) == 0 {
		cc.Statusf("No watch history\n")

		return nil
	}

	table := make([][]string, len(rows))
	for i, r := range rows {
		table[i] = []string{r.VideoID, r.State, formatTime(time.UnixMilli(r.Timestamp))}
	}

	printTable(os.Stdout, []string{"VIDEO", "STATE", "WHEN"}, table)

	return nil
}
