package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions is owner read/write only: the file may hold relay
// tokens.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the target already exists
// and overwrite was not requested.
var ErrConfigExists = errors.New("config file already exists")

// configTemplate is the config file content written by "config init". Every
// setting is present as a commented-out default so users can discover each
// option without reading docs.
const configTemplate = `# watchsync configuration

[device]
# Name shown in relay logs. Empty uses the persisted device id.
# name = ""
# Directory for the local history database and relay database.
# state_dir = ""

[storage]
# Local tier database. Empty uses <state_dir>/history.db.
# local_db = ""
# Shared tier: "memory" (single process), "dir" (shared folder) or "relay".
# sync_backend = "memory"
# sync_dir = ""
# relay_url = ""
# relay_token = ""
# timeout = "30s"

[sync]
# Minimum interval between outbound writes to the shared tier.
# throttle = "1s"
# Delay before retrying a failed local write.
# retry_delay = "500ms"
# Packing limits of the shared tier.
# total_quota = "100000B"
# item_quota = "8000B"
# item_ceiling = "8192B"
# prefix = "vw_"

[logging]
# Verbosity: debug, info, warn, error
# log_level = "info"
# log_file = ""
# Format: auto, text, json
# log_format = "auto"

[relay]
# listen = ":8787"
# db_path = ""
# token = ""
`

// WriteDefault writes the commented default config to path. An existing file
// is kept unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		}
	}

	slog.Info("writing default config file", "path", path)

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temporary file in the same directory as
// path, then renames it to the target path. This prevents partial writes
// from corrupting the config file on crash. Parent directories are created
// as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	// Clean up the temp file on any error path.
	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
