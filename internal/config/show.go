package config

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// redacted replaces secrets in rendered output.
const redacted = "<redacted>"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)

	ew.printf("[device]\n")
	ew.printf("  name      = %q\n", r.Device.Name)
	ew.printf("  state_dir = %q\n\n", r.StateDir)

	renderStorageSection(ew, r)
	renderSyncSection(ew, r)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)

	if r.LogFile != "" {
		ew.printf("  log_file   = %q\n", r.LogFile)
	}

	ew.printf("  log_format = %q\n\n", r.Logging.LogFormat)

	ew.printf("[relay]\n")
	ew.printf("  listen  = %q\n", r.Relay.Listen)
	ew.printf("  db_path = %q\n", r.RelayDBPath)
	ew.printf("  token   = %q\n", secret(r.Relay.Token))

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderStorageSection(ew *errWriter, r *Resolved) {
	ew.printf("[storage]\n")
	ew.printf("  local_db     = %q\n", r.LocalDB)
	ew.printf("  sync_backend = %q\n", r.Storage.SyncBackend)

	switch r.Storage.SyncBackend {
	case BackendDir:
		ew.printf("  sync_dir     = %q\n", r.SyncDir)
	case BackendRelay:
		ew.printf("  relay_url    = %q\n", r.Storage.RelayURL)
		ew.printf("  relay_token  = %q\n", secret(r.Storage.RelayToken))
	}

	ew.printf("  timeout      = %q\n\n", r.Timeout)
}

func renderSyncSection(ew *errWriter, r *Resolved) {
	ew.printf("[sync]\n")
	ew.printf("  throttle     = %q\n", r.Throttle)
	ew.printf("  retry_delay  = %q\n", r.RetryDelay)
	ew.printf("  total_quota  = %q  # %s\n", r.Sync.TotalQuota, humanize.Bytes(uint64(r.TotalQuota)))
	ew.printf("  item_quota   = %q  # %s\n", r.Sync.ItemQuota, humanize.Bytes(uint64(r.ItemQuota)))
	ew.printf("  item_ceiling = %q  # %s\n", r.Sync.ItemCeiling, humanize.Bytes(uint64(r.ItemCeiling)))
	ew.printf("  prefix       = %q\n\n", r.Sync.Prefix)
}

func secret(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}
