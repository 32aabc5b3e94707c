package history

import (
	"context"
	"encoding/json"
	"fmt"
)

// Report is a read-only view of quota usage for the settings surface.
type Report struct {
	SyncBytes     int    `json:"sync_bytes"`
	QuotaBytes    int    `json:"quota_bytes"`
	BatchBytes    int    `json:"batch_bytes"`
	Batches       int    `json:"batches"`
	WireVersion   int    `json:"wire_version"`
	RemoteEntries int    `json:"remote_entries"`
	LocalEntries  int    `json:"local_entries"`
	LocalOnly     int    `json:"local_only"`
	LastDropped   int    `json:"last_dropped"`
	ClearedAt     int64  `json:"cleared_at,omitempty"`
	Watermark     int64  `json:"watermark,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// Diagnose measures the shared tier and compares it with the mirror. When
// this device holds more entries than the shared tier, the difference exists
// only locally because of quota pressure and the report recommends eviction.
func (s *Store) Diagnose(ctx context.Context) (Report, error) {
	if err := s.waitLoaded(ctx); err != nil {
		return Report{}, err
	}

	items, err := s.remote.Get(ctx, nil)
	if err != nil {
		return Report{}, fmt.Errorf("history: reading sync tier: %w", err)
	}

	bs := parseBatchSet(items, s.limits.Prefix, s.logger)
	format := formatFor(bs.meta, s.logger)

	remote := 0

	for _, v := range bs.values {
		if Unpack(v, 0).Status != UnpackSkipped {
			remote++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{
		SyncBytes:     serializedSize(items),
		QuotaBytes:    s.limits.TotalBytes,
		BatchBytes:    s.limits.BatchBytes,
		Batches:       bs.batches,
		WireVersion:   format.version(),
		RemoteEntries: remote,
		LocalEntries:  s.mirror.len(),
		LastDropped:   s.lastDropped,
		Watermark:     s.watermark,
	}

	if bs.meta != nil {
		rep.ClearedAt = bs.meta.ClearedAt
	}

	if rep.LocalEntries > rep.RemoteEntries {
		rep.LocalOnly = rep.LocalEntries - rep.RemoteEntries
		rep.Warning = fmt.Sprintf(
			"%d watched videos are stored only on this device because the sync storage quota is full; "+
				"evict the oldest entries to sync the rest",
			rep.LocalOnly,
		)
	}

	return rep, nil
}

// serializedSize is the length of the sync-tier contents serialized as one
// JSON object, the measure the quota applies to.
func serializedSize(items map[string]json.RawMessage) int {
	members := 0
	for k, v := range items {
		members += memberSize(k, len(v))
	}

	return objectSizeOf(members, len(items))
}
