package history

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/watchsync/internal/kv"
)

func TestScenario_BasicWatchSyncCycle(t *testing.T) {
	t.Parallel()

	syncTier := newSyncTier()
	dev := newTestDevice(t, newFakeClock(), syncTier)
	ctx := context.Background()

	ts := testEpoch.UnixMilli() + 456
	seedSync(t, dev.local, map[string]any{"wABCDEFGHIJK": ts})
	loadStore(t, dev.store)

	res, err := dev.store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Total: 1, Synced: 1, Batches: 1, Bytes: res.Bytes}, res)

	batches := syncBatches(t, syncTier)
	require.Len(t, batches, 1)
	require.Len(t, batches["vw_0"], 1)

	u := Unpack(batches["vw_0"][0], 0)
	require.Equal(t, UnpackOK, u.Status)
	assert.Equal(t, OperationKey("wABCDEFGHIJK"), u.Key)
	assert.InDelta(t, ts, u.Timestamp, 1000)

	items, err := syncTier.Get(ctx, []string{"vw_meta"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":2}`, string(items["vw_meta"]))
}

func TestSyncLoad_OrderingPreserved(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := newSyncTier()
	a := newTestDevice(t, clock, syncTier)
	ctx := context.Background()
	loadStore(t, a.store)

	// Within one second, so packing truncates all three to the same token.
	now := testEpoch.UnixMilli()
	require.NoError(t, a.store.ApplyOperation(ctx, TagWatched, vid(1), now+300))
	require.NoError(t, a.store.ApplyOperation(ctx, TagUnwatched, vid(2), now+200))
	require.NoError(t, a.store.ApplyOperation(ctx, TagWatched, vid(3), now+100))

	_, err := a.store.Sync(ctx)
	require.NoError(t, err)

	b := newTestDevice(t, clock, syncTier)
	loadStore(t, b.store)

	hist, err := b.store.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, []OperationKey{
		NewOperationKey(TagWatched, vid(1)),
		NewOperationKey(TagUnwatched, vid(2)),
		NewOperationKey(TagWatched, vid(3)),
	}, keysByAge(hist))
}

func TestScenario_CrossDeviceConvergence(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := newSyncTier()
	a := newTestDevice(t, clock, syncTier)
	ctx := context.Background()
	loadStore(t, a.store)

	// Each advance lets the throttled sync run.
	for i := 1; i <= 3; i++ {
		require.NoError(t, a.store.Watch(ctx, vid(i)))
		clock.Advance(5 * time.Second)
	}

	require.False(t, a.store.SyncPending())

	aHist, err := a.store.History(ctx)
	require.NoError(t, err)

	b := newTestDevice(t, clock, syncTier)
	res := loadStore(t, b.store)
	assert.Equal(t, 3, res.Applied)

	for i := 1; i <= 3; i++ {
		key := string(NewOperationKey(TagWatched, vid(i)))
		_, ok := localValue(t, b.local, key)
		assert.True(t, ok, "device B local tier holds %s", key)
	}

	bHist, err := b.store.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, keysByAge(aHist), keysByAge(bHist))
}

func TestHandleChange_ReloadsOnRemoteWrite(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := newSyncTier()
	a := newTestDevice(t, clock, syncTier)
	b := newTestDevice(t, clock, syncTier)
	ctx := context.Background()
	loadStore(t, a.store)
	loadStore(t, b.store)

	require.NoError(t, a.store.Watch(ctx, vid(7)))
	_, err := a.store.Sync(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hist, err := b.store.History(ctx)
		return err == nil && len(hist) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleChange_IgnoresOtherKeysAndLocalArea(t *testing.T) {
	t.Parallel()

	syncTier := &flakyBackend{Backend: newSyncTier()}
	s := newTestStore(t, newFakeClock(), kv.NewMemory(kv.AreaLocal, kv.Quota{}), syncTier)

	s.HandleChange(map[string]kv.Change{"vw_0": {}}, kv.AreaLocal)
	s.HandleChange(map[string]kv.Change{"settings": {}}, kv.AreaSync)

	assert.Never(t, s.Loaded, 100*time.Millisecond, 10*time.Millisecond, "neither change triggers a load")
}

func TestSync_StaleBatchCleanup(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := newSyncTier()
	dev := newTestDevice(t, clock, syncTier)
	ctx := context.Background()
	loadStore(t, dev.store)

	for i := range 1200 {
		require.NoError(t, dev.store.ApplyOperation(ctx, TagWatched, vid(i), testEpoch.UnixMilli()-int64(i)*1000))
	}

	first, err := dev.store.Sync(ctx)
	require.NoError(t, err)
	require.Greater(t, first.Batches, 1)

	clock.Advance(2 * time.Second)

	removed, err := dev.store.ClearOldest(ctx, 1190)
	require.NoError(t, err)
	assert.Equal(t, 1190, removed)

	batches := syncBatches(t, syncTier)
	assert.Equal(t, []string{"vw_0"}, mapKeys(batches))
	assert.Len(t, batches["vw_0"], 10)

	items, err := syncTier.Get(ctx, []string{"vw_meta"})
	require.NoError(t, err)
	assert.Contains(t, items, "vw_meta")
}

func TestSync_QuotaExhaustion(t *testing.T) {
	t.Parallel()

	syncTier := newSyncTier()
	dev := newTestDevice(t, newFakeClock(), syncTier)
	ctx := context.Background()
	loadStore(t, dev.store)

	const n = 6000
	for i := range n {
		require.NoError(t, dev.store.ApplyOperation(ctx, TagWatched, vid(i), testEpoch.UnixMilli()-int64(i)*1000))
	}

	res, err := dev.store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, res.Total)
	assert.Less(t, res.Synced, n)
	assert.Positive(t, res.Dropped)
	assert.LessOrEqual(t, res.Bytes, DefaultTotalBytes)

	hist, err := dev.store.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, n, "dropped entries stay in the mirror")

	rep, err := dev.store.Diagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Synced, rep.RemoteEntries)
	assert.Equal(t, n, rep.LocalEntries)
	assert.Equal(t, res.Dropped, rep.LocalOnly)
	assert.Equal(t, res.Dropped, rep.LastDropped)
	assert.Equal(t, res.Batches, rep.Batches)
	assert.Contains(t, rep.Warning, "evict")
	assert.LessOrEqual(t, rep.SyncBytes, DefaultTotalBytes)
}

func TestSync_ReplacesLargerPreviousPayload(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := newSyncTier()
	ctx := context.Background()

	// Another device left many half-full batches close to the total quota.
	var old []string
	for i := range 410 {
		old = append(old, Pack(NewOperationKey(TagUnwatched, vid(100_000+i)), 1_000))
	}

	seed := map[string]any{"vw_meta": Metadata{Version: WireV2}}
	for i := range 14 {
		seed[DefaultLimits().BatchKey(i)] = old
	}

	seedSync(t, syncTier, seed)

	dev := newTestDevice(t, clock, syncTier)
	loadStore(t, dev.store)

	for i := range 2100 {
		require.NoError(t, dev.store.ApplyOperation(ctx, TagWatched, vid(i), testEpoch.UnixMilli()+int64(i)*1000))
	}

	// Fuller batches overwrite the first few keys; until the leftover ones are
	// removed the payload would not fit.
	res, err := dev.store.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2510, res.Synced)
	assert.Zero(t, res.Dropped)
	assert.Less(t, res.Batches, 14)

	for key := range syncBatches(t, syncTier) {
		assert.Less(t, batchIndex(key, DefaultBatchPrefix), res.Batches, "stale batch %s removed", key)
	}
}

func TestSync_WriteFailureKeepsMirror(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := &flakyBackend{Backend: newSyncTier()}
	s := newTestStore(t, clock, kv.NewMemory(kv.AreaLocal, kv.Quota{}), syncTier)
	ctx := context.Background()
	loadStore(t, s)

	require.NoError(t, s.Watch(ctx, vid(1)))

	syncTier.failNext(1, errors.New("MAX_WRITE_OPERATIONS_PER_MINUTE quota exceeded"))

	_, err := s.Sync(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_WRITE_OPERATIONS_PER_MINUTE")

	hist, err := s.History(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// The failed write did not start a throttle window.
	res, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestSync_NotLoaded(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, newFakeClock(), newSyncTier())

	_, err := dev.store.Sync(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestThrottle_CoalescesRapidWrites(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := &flakyBackend{Backend: newSyncTier()}
	s := newTestStore(t, clock, kv.NewMemory(kv.AreaLocal, kv.Quota{}), syncTier)
	ctx := context.Background()
	loadStore(t, s)

	for i := range 3 {
		require.NoError(t, s.Watch(ctx, vid(i)))
	}

	assert.Zero(t, syncTier.setCalls(), "nothing written before the timer fires")

	clock.Advance(900 * time.Millisecond)
	assert.Zero(t, syncTier.setCalls(), "first scheduled write waits a full interval after startup")

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, syncTier.setCalls(), "three requests collapse into one write")

	require.NoError(t, s.Watch(ctx, vid(10)))
	clock.Advance(400 * time.Millisecond)
	require.NoError(t, s.Watch(ctx, vid(11)))
	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, 1, syncTier.setCalls(), "throttle interval not yet elapsed")

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, 2, syncTier.setCalls())
	assert.False(t, s.SyncPending())

	// The trailing write read the mirror as it was when it ran.
	var packed []string
	for _, batch := range syncBatches(t, syncTier) {
		packed = append(packed, batch...)
	}

	assert.Len(t, packed, 5)
	assert.True(t, containsPrefix(packed, string(NewOperationKey(TagWatched, vid(11)))))
}

func TestSync_WaitsForThrottleInterval(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := &flakyBackend{Backend: newSyncTier()}
	s := newTestStore(t, clock, kv.NewMemory(kv.AreaLocal, kv.Quota{}), syncTier)
	ctx := context.Background()
	loadStore(t, s)

	_, err := s.Sync(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return clock.pending() > 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, syncTier.setCalls())

	clock.Advance(time.Second)
	require.NoError(t, <-done)
	assert.Equal(t, 2, syncTier.setCalls())
}

func TestSync_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newTestStore(t, clock, kv.NewMemory(kv.AreaLocal, kv.Quota{}), newSyncTier())
	loadStore(t, s)

	_, err := s.Sync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	return keys
}

func containsPrefix(values []string, prefix string) bool {
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}

	return false
}

func TestClose_StopsRetries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	local := &flakyBackend{Backend: kv.NewMemory(kv.AreaLocal, kv.Quota{})}
	syncTier := &flakyBackend{Backend: newSyncTier()}
	s := newTestStore(t, clock, local, syncTier)
	ctx := context.Background()
	loadStore(t, s)

	local.failNext(1, errors.New("disk full"))
	require.NoError(t, s.Watch(ctx, vid(1)))

	syncTier.failGets(errors.New("backend unavailable"))
	s.HandleChange(map[string]kv.Change{"vw_0": {}}, kv.AreaSync)

	// One apply retry and one reload retry are armed.
	require.Eventually(t, func() bool { return clock.pending() >= 2 }, 5*time.Second, time.Millisecond)

	s.Close()

	gets, sets := syncTier.getCalls(), local.setCalls()

	for range 10 {
		clock.Advance(time.Second)
	}

	assert.Equal(t, gets, syncTier.getCalls(), "no reload after Close")
	assert.Equal(t, sets, local.setCalls(), "no local write after Close")
	assert.Zero(t, clock.pending())
}

func TestScheduledSync_RetriesOnceAfterFailure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	syncTier := &flakyBackend{Backend: newSyncTier()}
	s := newTestStore(t, clock, kv.NewMemory(kv.AreaLocal, kv.Quota{}), syncTier)
	ctx := context.Background()
	loadStore(t, s)

	syncTier.failNext(1, errors.New("write rate exceeded"))
	require.NoError(t, s.Watch(ctx, vid(1)))

	clock.Advance(time.Second)
	assert.Equal(t, 2, syncTier.setCalls(), "failed write retried")
	assert.NotEmpty(t, syncBatches(t, syncTier))

	// A persistent failure is retried once, not in a loop.
	syncTier.failNext(5, errors.New("write rate exceeded"))
	require.NoError(t, s.Watch(ctx, vid(2)))

	clock.Advance(time.Second)
	assert.Equal(t, 4, syncTier.setCalls())

	clock.Advance(10 * time.Second)
	assert.Equal(t, 4, syncTier.setCalls())
	assert.False(t, s.SyncPending())
}
