package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrUnknownKey is wrapped by every unknown-key error so callers can tell a
// typo apart from a malformed value.
var ErrUnknownKey = errors.New("unknown config key")

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each config section.
var knownKeys = map[string][]string{
	"device":  {"name", "state_dir"},
	"storage": {"local_db", "relay_token", "relay_url", "sync_backend", "sync_dir", "timeout"},
	"sync":    {"item_ceiling", "item_quota", "prefix", "retry_delay", "throttle", "total_quota"},
	"logging": {"log_file", "log_format", "log_level"},
	"relay":   {"db_path", "listen", "token"},
}

// knownSections is the sorted list of section names, for deterministic
// suggestions when two candidates have the same edit distance.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for name := range knownKeys {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown section is reported once, not once per key inside it.
	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. A key in an unknown section is
// matched against section names; a key in a known section against that
// section's keys.
func unknownKeyError(key toml.Key) error {
	if len(key) == 1 {
		if slices.Contains(knownSections, key[0]) {
			return fmt.Errorf("%w %q: expected a table", ErrUnknownKey, key[0])
		}

		return withSuggestion(key.String(), key[0], knownSections)
	}

	section := key[0]

	keys, ok := knownKeys[section]
	if !ok {
		return withSuggestion(section, section, knownSections)
	}

	return withSuggestion(strings.Join(key[:2], "."), key[1], keys)
}

func withSuggestion(display, name string, candidates []string) error {
	if suggestion := closestMatch(name, candidates); suggestion != "" {
		return fmt.Errorf("%w %q: did you mean %q?", ErrUnknownKey, display, suggestion)
	}

	return fmt.Errorf("%w %q", ErrUnknownKey, display)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: only the previous row is needed.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
