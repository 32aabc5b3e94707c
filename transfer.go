package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// exportFilePermissions is owner read/write only.
const exportFilePermissions = 0o600

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the watch history to a JSON file",
		Long: `Write every entry as a JSON object of operation key to timestamp. Use "-"
to write to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	var out io.Writer = os.Stdout

	if args[0] != "-" {
		f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, exportFilePermissions)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer f.Close()

		out = f
	}

	n, err := sess.Store.Export(ctx, out)
	if err != nil {
		return err
	}

	cc.Statusf("Exported %d entr%s\n", n, pluralY(n))

	return nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge watch history from a JSON file",
		Long: `Merge entries from a file written by export, or by older versions that
stored bare video ids. Existing entries keep their timestamps. Use "-" to
read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	in := cmd.InOrStdin()

	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening import file: %w", err)
		}
		defer f.Close()

		in = f
	}

	sess, _, err := openLoaded(ctx, cc)
	if err != nil {
		return err
	}
	defer sess.Close()

	res, err := sess.Store.Import(ctx, in)
	if err != nil {
		return err
	}

	notifyDaemon(cc)

	if cc.Flags.JSON {
		return printJSON(os.Stdout, res)
	}

	cc.Statusf("Read %d, imported %d, ignored %d\n", res.Read, res.Imported, res.Ignored)
	reportDropped(cc, res.Sync)

	return nil
}
