package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultSyncBackend  = BackendMemory
	defaultTimeout      = "30s"
	defaultThrottle     = "1s"
	defaultRetryDelay   = "500ms"
	defaultTotalQuota   = "100000B"
	defaultItemQuota    = "8000B"
	defaultItemCeiling  = "8192B"
	defaultPrefix       = "vw_"
	defaultLogLevel     = "info"
	defaultLogFormat    = "auto"
	defaultRelayListen  = ":8787"
	defaultLocalDBName  = "history.db"
	defaultRelayDBName  = "relay.db"
	defaultSyncDirName  = "shared"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
// Path defaults are left empty and derived from the state directory at
// resolve time.
func DefaultConfig() *Config {
	return &Config{
		Storage: defaultStorageConfig(),
		Sync:    defaultSyncConfig(),
		Logging: defaultLoggingConfig(),
		Relay:   RelayConfig{Listen: defaultRelayListen},
	}
}

func defaultStorageConfig() StorageConfig {
	return StorageConfig{
		SyncBackend: defaultSyncBackend,
		Timeout:     defaultTimeout,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		Throttle:    defaultThrottle,
		RetryDelay:  defaultRetryDelay,
		TotalQuota:  defaultTotalQuota,
		ItemQuota:   defaultItemQuota,
		ItemCeiling: defaultItemCeiling,
		Prefix:      defaultPrefix,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
