// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for watchsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
	Relay   RelayConfig   `toml:"relay"`
}

// DeviceConfig identifies this device. Name is shown in relay logs and used
// as the change-feed origin; an empty name falls back to the persisted
// device id.
type DeviceConfig struct {
	Name     string `toml:"name"`
	StateDir string `toml:"state_dir"`
}

// StorageConfig selects the two storage tiers. The local tier is always an
// SQLite database; the sync tier is chosen by SyncBackend.
type StorageConfig struct {
	LocalDB     string `toml:"local_db"`
	SyncBackend string `toml:"sync_backend"`
	SyncDir     string `toml:"sync_dir"`
	RelayURL    string `toml:"relay_url"`
	RelayToken  string `toml:"relay_token"`
	Timeout     string `toml:"timeout"`
}

// SyncConfig controls the reconciler: throttle between outbound writes,
// retry delay for failed local writes, and the packing limits of the
// shared tier.
type SyncConfig struct {
	Throttle    string `toml:"throttle"`
	RetryDelay  string `toml:"retry_delay"`
	TotalQuota  string `toml:"total_quota"`
	ItemQuota   string `toml:"item_quota"`
	ItemCeiling string `toml:"item_ceiling"`
	Prefix      string `toml:"prefix"`
}

// LoggingConfig controls log output behavior: level, destination and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// RelayConfig configures `watchsync relay serve`.
type RelayConfig struct {
	Listen string `toml:"listen"`
	DBPath string `toml:"db_path"`
	Token  string `toml:"token"`
}

// Sync backend names.
const (
	BackendMemory = "memory"
	BackendDir    = "dir"
	BackendRelay  = "relay"
)

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath  string  // --config flag (empty = use default)
	SyncBackend *string // --backend flag
	SyncDir     *string // --sync-dir flag
	RelayURL    *string // --relay-url flag
}
