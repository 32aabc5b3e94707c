package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newEvictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict <count>",
		Short: "Remove the oldest watch-history entries",
		Long: `Remove the given number of oldest entries from this device and rewrite the
shared tier. Other devices keep evicted entries they already have.

Use this when status reports entries that no longer fit the shared quota.`,
		Args: cobra.ExactArgs(1),
		RunE: runEvict,
	}
}

func runEvict(cmd *cobra.Command, args []string) error {
	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		return fmt.Errorf("count must be a positive integer, got %q", args[0])
	}

	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	removed, err := sess.Store.ClearOldest(ctx, count)
	if err != nil {
		return fmt.Errorf("evicting oldest entries: %w", err)
	}

	notifyDaemon(cc)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, map[string]int{"removed": removed})
	}

	cc.Statusf("Removed %d oldest entr%s\n", removed, pluralY(removed))

	return nil
}

func newWipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete the whole watch history on every device",
		Long: `Erase the watch history on this device and broadcast a clear that every
other device applies on its next load. This cannot be undone; export first
if you may want the history back.`,
		Args: cobra.NoArgs,
		RunE: runWipe,
	}

	cmd.Flags().Bool("yes", false, "skip the confirmation prompt")

	return cmd
}

func runWipe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return err
	}

	if !yes && !confirm(cmd.InOrStdin(), os.Stderr, "Delete the watch history on all devices? [y/N] ") {
		return errUserAborted
	}

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("deleting watch history: %w", err)
	}

	notifyDaemon(cc)

	cc.Statusf("Watch history deleted on all devices\n")

	return nil
}

// confirm prints prompt and reports whether the answer starts with y.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}

	return "ies"
}
