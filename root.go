package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/watchsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must run without a resolvable
// config (config init writes the file the others would read).
const skipConfigAnnotation = "skipConfig"

// logFilePermissions is owner read/write, group/other read.
const logFilePermissions = 0o644

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagBackend    string
	flagSyncDir    string
	flagRelayURL   string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags is the parsed form of the persistent flags.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs: flags, the resolved
// config (nil for skipConfig commands) and the logger built from both.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger

	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run. A
// missing context is a wiring bug, not a user error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("watchsync: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watchsync",
		Short: "Watch-history sync across devices",
		Long: `Record which videos were watched and keep that history in step across
devices through a small, quota-limited shared store.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors:      true,
		SilenceUsage:       true,
		PersistentPreRunE:  persistentPreRun,
		PersistentPostRunE: persistentPostRun,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file path")
	pf.StringVar(&flagBackend, "backend", "", "sync backend: memory, dir or relay")
	pf.StringVar(&flagSyncDir, "sync-dir", "", "shared directory for the dir backend")
	pf.StringVar(&flagRelayURL, "relay-url", "", "relay base URL for the relay backend")
	pf.BoolVar(&flagJSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(
		newWatchCmd(),
		newUnwatchCmd(),
		newLoadCmd(),
		newSyncCmd(),
		newEvictCmd(),
		newWipeCmd(),
		newHistoryCmd(),
		newExportCmd(),
		newImportCmd(),
		newStatusCmd(),
		newRelayCmd(),
		newConfigCmd(),
	)

	return cmd
}

// persistentPreRun resolves configuration, builds the logger and installs
// the CLIContext on the command's context.
func persistentPreRun(cmd *cobra.Command, _ []string) error {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
	}

	if cmd.Annotations[skipConfigAnnotation] == "" {
		resolved, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cc.Cfg = resolved
	}

	logger, closeLog, err := buildLogger(cc.Cfg, cc.Flags)
	if err != nil {
		return err
	}

	cc.Logger = logger
	cc.closeLog = closeLog

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

func persistentPostRun(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	if cc.closeLog == nil {
		return nil
	}

	return cc.closeLog()
}

// cliOverrides passes only the flags the user explicitly set, so an unset
// flag never masks the config file or environment.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}
	flags := cmd.Flags()

	if flags.Changed("backend") {
		cli.SyncBackend = &flagBackend
	}

	if flags.Changed("sync-dir") {
		cli.SyncDir = &flagSyncDir
	}

	if flags.Changed("relay-url") {
		cli.RelayURL = &flagRelayURL
	}

	return cli
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. The returned closer
// releases the log file, if one was opened.
func buildLogger(cfg *config.Resolved, flags CLIFlags) (*slog.Logger, func() error, error) {
	level := slog.LevelInfo
	format := "auto"
	logFile := ""

	if cfg != nil {
		level = parseLevel(cfg.Logging.LogLevel)
		format = cfg.Logging.LogFormat
		logFile = cfg.LogFile
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		out     io.Writer = os.Stderr
		closeFn           = func() error { return nil }
	)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out = f
		closeFn = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSONLogs(format, out) {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn, nil
	}

	return slog.New(slog.NewTextHandler(out, opts)), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// useJSONLogs resolves the "auto" format: text for a terminal, JSON for
// files and pipes.
func useJSONLogs(format string, out io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := out.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// errUserAborted is returned when a destructive command is declined.
var errUserAborted = errors.New("aborted")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
