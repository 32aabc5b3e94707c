package kv

import (
	"encoding/json"
	"fmt"
)

// Quota limits for the cross-device tier, matching the browser sync storage
// area the history was designed around.
const (
	DefaultSyncTotalBytes = 100_000
	DefaultSyncItemBytes  = 8_192
)

// Quota bounds the serialized size of a backend. Zero fields mean unlimited.
// Sizes are measured per item as len(key) + len(JSON value).
type Quota struct {
	TotalBytes int
	ItemBytes  int
}

// SyncQuota returns the platform quota of the cross-device tier.
func SyncQuota() Quota {
	return Quota{TotalBytes: DefaultSyncTotalBytes, ItemBytes: DefaultSyncItemBytes}
}

// Unlimited reports whether q enforces nothing.
func (q Quota) Unlimited() bool {
	return q.TotalBytes <= 0 && q.ItemBytes <= 0
}

// ItemSize returns the quota cost of one stored item.
func ItemSize(key string, value json.RawMessage) int {
	return len(key) + len(value)
}

// TotalSize returns the quota cost of a set of items.
func TotalSize(items map[string]json.RawMessage) int {
	total := 0
	for k, v := range items {
		total += ItemSize(k, v)
	}

	return total
}

// Check validates that applying updates on top of sizes (the current per-key
// cost) stays within the quota. sizes is not modified.
func (q Quota) Check(sizes map[string]int, updates map[string]json.RawMessage) error {
	if q.Unlimited() {
		return nil
	}

	total := 0
	for _, sz := range sizes {
		total += sz
	}

	for k, v := range updates {
		sz := ItemSize(k, v)
		if q.ItemBytes > 0 && sz > q.ItemBytes {
			return fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrItemTooLarge, k, sz, q.ItemBytes)
		}

		total += sz - sizes[k]
	}

	if q.TotalBytes > 0 && total > q.TotalBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrQuotaExceeded, total, q.TotalBytes)
	}

	return nil
}
