package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"slices"
	"time"
)

// Validation range constants.
const (
	minThrottle    = 10 * time.Millisecond
	minRetryDelay  = 10 * time.Millisecond
	minTimeout     = 1 * time.Second
	minItemQuota   = 512
	minTotalQuota  = 4096
	maxPrefixBytes = 16
)

// prefixPattern restricts the batch prefix to characters every sync backend
// accepts as part of a key.
var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	validBackends   = []string{BackendMemory, BackendDir, BackendRelay}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if cfg.Relay.Listen == "" {
		errs = append(errs, errors.New("relay.listen: must not be empty"))
	}

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense on the final
// merged result, after paths are expanded and overrides applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	paths := []struct{ field, value string }{
		{"device.state_dir", r.StateDir},
		{"storage.local_db", r.LocalDB},
		{"relay.db_path", r.RelayDBPath},
	}

	if r.Storage.SyncBackend == BackendDir {
		paths = append(paths, struct{ field, value string }{"storage.sync_dir", r.SyncDir})
	}

	// Relative paths would resolve differently depending on cwd.
	for _, p := range paths {
		if !filepath.IsAbs(p.value) {
			errs = append(errs, fmt.Errorf("%s: must be absolute after expansion, got %q", p.field, p.value))
		}
	}

	if r.ItemQuota >= r.ItemCeiling {
		errs = append(errs, fmt.Errorf("sync.item_quota: must be below item_ceiling (%d), got %d",
			r.ItemCeiling, r.ItemQuota))
	}

	if r.ItemCeiling > r.TotalQuota {
		errs = append(errs, fmt.Errorf("sync.item_ceiling: must not exceed total_quota (%d), got %d",
			r.TotalQuota, r.ItemCeiling))
	}

	return errors.Join(errs...)
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if !slices.Contains(validBackends, s.SyncBackend) {
		errs = append(errs, fmt.Errorf("storage.sync_backend: must be one of memory, dir, relay; got %q",
			s.SyncBackend))
	}

	if s.SyncBackend == BackendRelay {
		errs = append(errs, validateRelayURL(s.RelayURL)...)
	}

	errs = append(errs, validateDurationMin("storage.timeout", s.Timeout, minTimeout)...)

	return errs
}

func validateRelayURL(raw string) []error {
	if raw == "" {
		return []error{errors.New("storage.relay_url: required when sync_backend is relay")}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("storage.relay_url: %w", err)}
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("storage.relay_url: must be an http or https URL, got %q", raw)}
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("sync.throttle", s.Throttle, minThrottle)...)
	errs = append(errs, validateDurationMin("sync.retry_delay", s.RetryDelay, minRetryDelay)...)
	errs = append(errs, validateSizeMin("sync.total_quota", s.TotalQuota, minTotalQuota)...)
	errs = append(errs, validateSizeMin("sync.item_quota", s.ItemQuota, minItemQuota)...)
	errs = append(errs, validateSizeMin("sync.item_ceiling", s.ItemCeiling, minItemQuota)...)

	if !prefixPattern.MatchString(s.Prefix) || len(s.Prefix) > maxPrefixBytes {
		errs = append(errs, fmt.Errorf(
			"sync.prefix: must be 1-%d letters, digits, '_' or '-'; got %q", maxPrefixBytes, s.Prefix))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q",
			l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q",
			l.LogFormat))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateSizeMin(field, value string, minimum int64) []error {
	n, err := ParseSize(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if n < minimum {
		return []error{fmt.Errorf("%s: must be >= %d bytes, got %d", field, minimum, n)}
	}

	return nil
}
