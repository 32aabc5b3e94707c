package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/watchsync/internal/history"
)

// statusOutput is the JSON shape of the status command.
type statusOutput struct {
	DeviceID string         `json:"device_id"`
	Backend  string         `json:"backend"`
	LocalDB  string         `json:"local_db"`
	Report   history.Report `json:"report"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show shared-tier usage and sync health",
		Long: `Load the history and report how much of the shared quota it uses, how many
entries made it to the shared tier, and whether any exist only on this
device.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	rep, err := sess.Store.Diagnose(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{
		DeviceID: sess.DeviceID,
		Backend:  cc.Cfg.Storage.SyncBackend,
		LocalDB:  cc.Cfg.LocalDB,
		Report:   rep,
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, out)
	}

	printStatusText(out)

	return nil
}

func printStatusText(out statusOutput) {
	rep := out.Report

	fmt.Printf("Device:         %s\n", out.DeviceID)
	fmt.Printf("Backend:        %s\n", out.Backend)
	fmt.Printf("Local database: %s\n", out.LocalDB)
	fmt.Printf("Shared usage:   %s of %s (%s)\n",
		formatSize(rep.SyncBytes), formatSize(rep.QuotaBytes), usagePercent(rep.SyncBytes, rep.QuotaBytes))
	fmt.Printf("Batches:        %d (wire v%d, %s each)\n", rep.Batches, rep.WireVersion, formatSize(rep.BatchBytes))
	fmt.Printf("Entries:        %d local, %d shared\n", rep.LocalEntries, rep.RemoteEntries)

	if rep.LastDropped > 0 {
		fmt.Printf("Last sync:      %d oldest entries did not fit\n", rep.LastDropped)
	}

	fmt.Printf("Last clear:     %s\n", formatMillis(rep.ClearedAt))

	if rep.Warning != "" {
		fmt.Printf("\nWarning: %s\n", rep.Warning)
	}
}

func usagePercent(used, quota int) string {
	if quota <= 0 {
		return "unlimited"
	}

	return fmt.Sprintf("%.1f%%", float64(used)*100/float64(quota))
}
