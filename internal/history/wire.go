package history

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// Wire versions of the packed batch format.
const (
	// WireV1 batches hold bare operation keys with no timestamps.
	WireV1 = 1
	// WireV2 batches hold "key:token" entries with base-36 second timestamps.
	WireV2 = 2

	CurrentWireVersion = WireV2
)

// Sync-tier and local-tier key names.
const (
	DefaultBatchPrefix = "vw_"
	metaSuffix         = "meta"
	watermarkKey       = "vw_cleared_at"
	deviceIDKey        = "vw_device_id"
)

// Metadata is stored next to the batches and selects how they are decoded.
// ClearedAt, when newer than a device's watermark, replays a destructive clear.
type Metadata struct {
	Version   int   `json:"version"`
	ClearedAt int64 `json:"clearedAt,omitempty"`
}

// wireFormat decodes the flattened, newest-first batch contents of one wire
// version. now is the load time used for synthetic timestamps.
type wireFormat interface {
	version() int
	decode(values []any, now int64, logger *slog.Logger) []Entry
}

// formatFor picks the decoder once per load. Missing metadata means the
// batches predate versioning.
func formatFor(meta *Metadata, logger *slog.Logger) wireFormat {
	switch {
	case meta == nil || meta.Version <= WireV1:
		return wireV1{}
	case meta.Version == WireV2:
		return wireV2{}
	default:
		logger.Warn("sync metadata has a newer wire version, decoding as current",
			slog.Int("version", meta.Version),
			slog.Int("current", CurrentWireVersion),
		)

		return wireV2{}
	}
}

// wireV1 has no timestamps. Entries get synthetic, strictly decreasing
// timestamps (now - position) so newest-first order survives until the next
// sync rewrites them with real values.
type wireV1 struct{}

func (wireV1) version() int { return WireV1 }

func (wireV1) decode(values []any, now int64, logger *slog.Logger) []Entry {
	out := make([]Entry, 0, len(values))

	for i, v := range values {
		u := Unpack(v, now-int64(i))
		if u.Status == UnpackSkipped {
			logger.Warn("skipping malformed sync entry", slog.Int("position", i), slog.String("reason", u.Reason))
			continue
		}

		// A v1 batch may still contain the colon form if a newer device wrote
		// it without metadata; its real timestamp is kept.
		ts := now - int64(i)
		if u.Status == UnpackOK {
			ts = u.Timestamp
		}

		out = append(out, Entry{Key: u.Key, Timestamp: ts})
	}

	return enforceNewestFirst(out)
}

// wireV2 carries real timestamps. Entries without one take the position-based
// fallback so they still sort after everything newer in the same batch set.
type wireV2 struct{}

func (wireV2) version() int { return WireV2 }

func (wireV2) decode(values []any, now int64, logger *slog.Logger) []Entry {
	out := make([]Entry, 0, len(values))

	for i, v := range values {
		u := Unpack(v, now-int64(i))

		switch u.Status {
		case UnpackSkipped:
			logger.Warn("skipping malformed sync entry", slog.Int("position", i), slog.String("reason", u.Reason))
			continue
		case UnpackLegacy:
			u.Timestamp = now - int64(i)
			logger.Debug("legacy entry in versioned batch", slog.String("key", string(u.Key)))
		case UnpackFallback:
			logger.Warn("sync entry has malformed timestamp, using load time by position",
				slog.String("key", string(u.Key)))
		}

		out = append(out, Entry{Key: u.Key, Timestamp: u.Timestamp})
	}

	return enforceNewestFirst(out)
}

// enforceNewestFirst makes timestamps strictly decreasing in batch order.
// Packing truncates to whole seconds, so entries written within the same
// second decode equal; fallback timestamps may also land above their
// neighbours. Nudging each offender to one millisecond below its predecessor
// keeps the relative order the writing device had. Timestamps never go
// below zero.
func enforceNewestFirst(entries []Entry) []Entry {
	for i := 1; i < len(entries); i++ {
		if prev := entries[i-1].Timestamp; entries[i].Timestamp >= prev {
			entries[i].Timestamp = max(prev-1, 0)
		}
	}

	return entries
}

// batchSet is the sync-tier content relevant to the history, split into
// metadata and ordered batches.
type batchSet struct {
	meta    *Metadata
	keys    []string // existing batch keys, in index order
	values  []any    // flattened entries, batch 0 first
	batches int
}

// parseBatchSet extracts metadata and batches from a full sync-tier read.
// Batches that are not arrays are logged and ignored; keys outside prefix
// are not ours and are left alone.
func parseBatchSet(items map[string]json.RawMessage, prefix string, logger *slog.Logger) batchSet {
	var bs batchSet

	metaKey := prefix + metaSuffix

	type indexed struct {
		index int
		key   string
		vals  []any
	}

	var found []indexed

	for key, raw := range items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		if key == metaKey {
			var m Metadata
			if err := json.Unmarshal(raw, &m); err != nil {
				logger.Warn("ignoring unreadable sync metadata", slog.String("error", err.Error()))
				continue
			}

			bs.meta = &m

			continue
		}

		idx, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil || idx < 0 {
			continue
		}

		bs.keys = append(bs.keys, key)

		var vals []any
		if err := json.Unmarshal(raw, &vals); err != nil {
			logger.Warn("ignoring invalid watch history batch", slog.String("key", key))
			continue
		}

		found = append(found, indexed{index: idx, key: key, vals: vals})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })
	sort.Slice(bs.keys, func(i, j int) bool { return batchIndex(bs.keys[i], prefix) < batchIndex(bs.keys[j], prefix) })

	for _, b := range found {
		bs.values = append(bs.values, b.vals...)
	}

	bs.batches = len(found)

	return bs
}

func batchIndex(key, prefix string) int {
	idx, _ := strconv.Atoi(strings.TrimPrefix(key, prefix))
	return idx
}
