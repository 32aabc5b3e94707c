package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is a validated configuration after all four override layers, with
// paths expanded and durations and sizes parsed.
type Resolved struct {
	Config

	// Path is the config file that was read, or would have been read.
	Path string

	StateDir    string
	LocalDB     string
	SyncDir     string
	RelayDBPath string
	LogFile     string

	Throttle   time.Duration
	RetryDelay time.Duration
	Timeout    time.Duration

	TotalQuota  int64
	ItemQuota   int64
	ItemCeiling int64
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides. A shared location given only through the
	// environment selects its backend unless the file chose one explicitly.
	if env.SyncDir != "" {
		cfg.Storage.SyncDir = env.SyncDir
		if cfg.Storage.SyncBackend == BackendMemory {
			cfg.Storage.SyncBackend = BackendDir
		}
	}

	if env.RelayURL != "" {
		cfg.Storage.RelayURL = env.RelayURL
		if cfg.Storage.SyncBackend == BackendMemory {
			cfg.Storage.SyncBackend = BackendRelay
		}
	}

	if env.RelayToken != "" {
		cfg.Storage.RelayToken = env.RelayToken
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.SyncDir != nil {
		cfg.Storage.SyncDir = *cli.SyncDir
	}

	if cli.RelayURL != nil {
		cfg.Storage.RelayURL = *cli.RelayURL
	}

	if cli.SyncBackend != nil {
		cfg.Storage.SyncBackend = *cli.SyncBackend
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// 5. Derive paths and parsed values, then check the merged result.
	resolved, err := derive(cfg, cfgPath)
	if err != nil {
		return nil, err
	}

	if err := ValidateResolved(resolved); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return resolved, nil
}

// derive expands paths against the state directory and parses durations and
// sizes. Validate has already run, so parse failures here are unexpected.
func derive(cfg *Config, cfgPath string) (*Resolved, error) {
	r := &Resolved{Config: *cfg, Path: cfgPath}

	r.StateDir = expandTilde(cfg.Device.StateDir)
	if r.StateDir == "" {
		r.StateDir = DefaultDataDir()
	}

	r.LocalDB = pathOrDefault(cfg.Storage.LocalDB, r.StateDir, defaultLocalDBName)
	r.RelayDBPath = pathOrDefault(cfg.Relay.DBPath, r.StateDir, defaultRelayDBName)
	r.LogFile = expandTilde(cfg.Logging.LogFile)

	r.SyncDir = expandTilde(cfg.Storage.SyncDir)
	if r.SyncDir == "" && cfg.Storage.SyncBackend == BackendDir {
		r.SyncDir = pathOrDefault("", r.StateDir, defaultSyncDirName)
	}

	var err error

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"throttle", cfg.Sync.Throttle, &r.Throttle},
		{"retry_delay", cfg.Sync.RetryDelay, &r.RetryDelay},
		{"timeout", cfg.Storage.Timeout, &r.Timeout},
	}

	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(d.value); err != nil {
			return nil, fmt.Errorf("%s: %w", d.field, err)
		}
	}

	sizes := []struct {
		field string
		value string
		dst   *int64
	}{
		{"total_quota", cfg.Sync.TotalQuota, &r.TotalQuota},
		{"item_quota", cfg.Sync.ItemQuota, &r.ItemQuota},
		{"item_ceiling", cfg.Sync.ItemCeiling, &r.ItemCeiling},
	}

	for _, s := range sizes {
		if *s.dst, err = ParseSize(s.value); err != nil {
			return nil, fmt.Errorf("%s: %w", s.field, err)
		}
	}

	return r, nil
}
