package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "WATCHSYNC_CONFIG"
	EnvSyncDir    = "WATCHSYNC_SYNC_DIR"
	EnvRelayURL   = "WATCHSYNC_RELAY_URL"
	EnvRelayToken = "WATCHSYNC_RELAY_TOKEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // WATCHSYNC_CONFIG: override config file path
	SyncDir    string // WATCHSYNC_SYNC_DIR: shared directory, implies the dir backend
	RelayURL   string // WATCHSYNC_RELAY_URL: relay base URL, implies the relay backend
	RelayToken string // WATCHSYNC_RELAY_TOKEN: bearer token for the relay
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		SyncDir:    os.Getenv(EnvSyncDir),
		RelayURL:   os.Getenv(EnvRelayURL),
		RelayToken: os.Getenv(EnvRelayToken),
	}
}
