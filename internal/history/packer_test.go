package history

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newestFirst returns n watched entries one second apart, newest first.
func newestFirst(n int) []Entry {
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = Entry{
			Key:       NewOperationKey(TagWatched, vid(i)),
			Timestamp: testEpoch.UnixMilli() - int64(i)*1000,
		}
	}

	return entries
}

func batchObjectSize(t *testing.T, key string, batch []string) int {
	t.Helper()

	data, err := json.Marshal(map[string][]string{key: batch})
	require.NoError(t, err)

	return len(data)
}

func payloadSize(t *testing.T, meta Metadata, limits Limits, res PackResult) int {
	t.Helper()

	payload := map[string]any{limits.MetaKey(): meta}
	for k, v := range res.Batches {
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return len(data)
}

func TestPackBatches_Empty(t *testing.T) {
	t.Parallel()

	limits := DefaultLimits()
	meta := Metadata{Version: CurrentWireVersion}

	res := PackBatches(nil, meta, limits)
	assert.Empty(t, res.Batches)
	assert.Zero(t, res.Packed)
	assert.Zero(t, res.Dropped)
	assert.Equal(t, len(`{"vw_meta":{"version":2}}`), res.Bytes)
}

func TestPackBatches_SingleEntry(t *testing.T) {
	t.Parallel()

	limits := DefaultLimits()
	meta := Metadata{Version: CurrentWireVersion}
	entries := newestFirst(1)

	res := PackBatches(entries, meta, limits)
	require.Equal(t, []string{"vw_0"}, res.BatchKeys)
	assert.Equal(t, []string{Pack(entries[0].Key, entries[0].Timestamp)}, res.Batches["vw_0"])
	assert.Equal(t, payloadSize(t, meta, limits, res), res.Bytes)
}

func TestPackBatches_QuotaCeiling(t *testing.T) {
	t.Parallel()

	limits := DefaultLimits()
	meta := Metadata{Version: CurrentWireVersion, ClearedAt: testEpoch.UnixMilli()}
	entries := newestFirst(6000)

	res := PackBatches(entries, meta, limits)

	assert.Less(t, res.Packed, len(entries))
	assert.Positive(t, res.Dropped)
	assert.Equal(t, len(entries), res.Packed+res.Dropped)

	size := payloadSize(t, meta, limits, res)
	assert.Equal(t, size, res.Bytes)
	assert.LessOrEqual(t, size, limits.TotalBytes)

	packedCount := 0

	for i, key := range res.BatchKeys {
		assert.Equal(t, limits.BatchKey(i), key, "batch indices are contiguous")

		batch := res.Batches[key]
		packedCount += len(batch)

		assert.Less(t, batchObjectSize(t, key, batch), limits.BatchBytes, "batch %s", key)

		// A batch only closes when the next entry would not fit in it.
		if i < len(res.BatchKeys)-1 {
			next := res.Batches[res.BatchKeys[i+1]][0]
			grown := append(append([]string(nil), batch...), next)
			assert.GreaterOrEqual(t, batchObjectSize(t, key, grown), limits.BatchBytes, "batch %s closed early", key)
		}
	}

	assert.Equal(t, res.Packed, packedCount)
}

func TestPackBatches_NewestFirstAcrossBatches(t *testing.T) {
	t.Parallel()

	limits := DefaultLimits()
	entries := newestFirst(1500)

	res := PackBatches(entries, Metadata{Version: CurrentWireVersion}, limits)
	require.Greater(t, len(res.BatchKeys), 1)

	i := 0

	for _, key := range res.BatchKeys {
		for _, packed := range res.Batches[key] {
			assert.Equal(t, Pack(entries[i].Key, entries[i].Timestamp), packed)
			i++
		}
	}

	assert.Equal(t, res.Packed, i)
}

func TestPackBatches_DropsOldest(t *testing.T) {
	t.Parallel()

	limits := Limits{Prefix: DefaultBatchPrefix, BatchBytes: 200, TotalBytes: 400}
	entries := newestFirst(100)

	res := PackBatches(entries, Metadata{Version: CurrentWireVersion}, limits)
	require.Positive(t, res.Dropped)

	var packed []string
	for _, key := range res.BatchKeys {
		packed = append(packed, res.Batches[key]...)
	}

	for i, p := range packed {
		assert.Equal(t, Pack(entries[i].Key, entries[i].Timestamp), p)
	}

	assert.LessOrEqual(t, res.Bytes, limits.TotalBytes)
}
