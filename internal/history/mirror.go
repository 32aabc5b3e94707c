package history

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/tonimelisma/watchsync/internal/kv"
)

// mirror is the per-device source of truth: operation key -> timestamp, kept
// in memory and persisted one key per entry in the local tier. It is owned by
// Store, which serializes every call.
type mirror struct {
	local   kv.Backend
	entries map[OperationKey]int64
	logger  *slog.Logger
}

func newMirror(local kv.Backend, logger *slog.Logger) *mirror {
	return &mirror{
		local:   local,
		entries: make(map[OperationKey]int64),
		logger:  logger,
	}
}

// localState is what a full read of the local tier yields besides entries.
type localState struct {
	legacy    map[string]int64 // bare video id -> timestamp (pre operation-key format)
	watermark int64
}

// load replaces the in-memory entries with the local tier contents. Keys that
// are not watch history (settings, device id) are ignored. If both tags of a
// video survived a partial write, the newer one is kept and the other removed.
func (m *mirror) load(ctx context.Context) (localState, error) {
	items, err := m.local.Get(ctx, nil)
	if err != nil {
		return localState{}, fmt.Errorf("history: reading local tier: %w", err)
	}

	state := localState{legacy: make(map[string]int64)}
	entries := make(map[OperationKey]int64, len(items))

	for k, raw := range items {
		ts, numeric := parseTimestampValue(raw)

		switch {
		case k == watermarkKey:
			if numeric {
				state.watermark = ts
			}
		case !numeric:
			continue
		case len(k) == VideoIDLength:
			state.legacy[k] = ts
		default:
			if key, ok := ParseOperationKey(k); ok {
				entries[key] = ts
			}
		}
	}

	var conflicted []string

	for key, ts := range entries {
		if key.Tag() != TagWatched {
			continue
		}

		sib := key.Sibling()

		sibTS, both := entries[sib]
		if !both {
			continue
		}

		loser := sib
		if sibTS > ts {
			loser = key
		}

		delete(entries, loser)
		conflicted = append(conflicted, string(loser))
	}

	if len(conflicted) > 0 {
		m.logger.Warn("repairing videos stored with both tags", slog.Int("count", len(conflicted)))

		if err := m.local.Remove(ctx, conflicted); err != nil {
			return localState{}, fmt.Errorf("history: repairing local tier: %w", err)
		}
	}

	m.entries = entries

	return state, nil
}

// apply records tag for videoID at ts. A key that already has a timestamp is
// left alone (first write wins for the exact key); a new key replaces the
// sibling tag of the same video. changed reports whether the mirror moved;
// an error with changed == false means nothing was written.
func (m *mirror) apply(ctx context.Context, tag Tag, videoID string, ts int64) (changed bool, err error) {
	key := NewOperationKey(tag, videoID)
	if _, exists := m.entries[key]; exists {
		return false, nil
	}

	if err := m.local.Set(ctx, map[string]json.RawMessage{string(key): kv.Marshal(ts)}); err != nil {
		return false, fmt.Errorf("history: persisting %s: %w", key, err)
	}

	m.entries[key] = ts

	sib := key.Sibling()
	if _, had := m.entries[sib]; !had {
		return true, nil
	}

	delete(m.entries, sib)

	if err := m.local.Remove(ctx, []string{string(sib)}); err != nil {
		return true, fmt.Errorf("history: removing %s: %w", sib, err)
	}

	return true, nil
}

// remove deletes keys from the local tier, then from memory.
func (m *mirror) remove(ctx context.Context, keys []OperationKey) error {
	if len(keys) == 0 {
		return nil
	}

	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = string(k)
	}

	if err := m.local.Remove(ctx, raw); err != nil {
		return fmt.Errorf("history: removing %d entries: %w", len(keys), err)
	}

	for _, k := range keys {
		delete(m.entries, k)
	}

	return nil
}

// clear removes every entry.
func (m *mirror) clear(ctx context.Context) (int, error) {
	keys := make([]OperationKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}

	return len(keys), m.remove(ctx, keys)
}

// sorted returns every entry newest first. Equal timestamps are ordered by key
// so packing is deterministic.
func (m *mirror) sorted() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for k, ts := range m.entries {
		out = append(out, Entry{Key: k, Timestamp: ts})
	}

	slices.SortFunc(out, func(a, b Entry) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}

		return cmp.Compare(a.Key, b.Key)
	})

	return out
}

// oldest returns up to n keys with the smallest timestamps.
func (m *mirror) oldest(n int) []OperationKey {
	all := m.sorted()
	slices.Reverse(all)

	if n > len(all) {
		n = len(all)
	}

	if n < 0 {
		n = 0
	}

	keys := make([]OperationKey, n)
	for i := range n {
		keys[i] = all[i].Key
	}

	return keys
}

func (m *mirror) snapshot() map[OperationKey]int64 {
	out := make(map[OperationKey]int64, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}

	return out
}

func (m *mirror) len() int { return len(m.entries) }

func (m *mirror) timestamp(key OperationKey) (int64, bool) {
	ts, ok := m.entries[key]
	return ts, ok
}

// parseTimestampValue accepts a stored JSON number as a millisecond timestamp.
// Anything that is not a JSON number, or is negative or beyond int64, is
// rejected.
func parseTimestampValue(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}

	if f < 0 || f >= math.MaxInt64 || math.IsNaN(f) {
		return 0, false
	}

	return int64(f), true
}
