package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/watchsync/internal/kv"
)

// testEpoch is the fake clock's starting time.
var testEpoch = time.Date(2025, time.March, 14, 9, 26, 53, 0, time.UTC)

// testLogger returns a debug-level logger on stderr. Stores reload in
// background goroutines that can outlive a test, so t.Log is not safe here.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// vid returns a valid 11-character video id.
func vid(i int) string {
	return fmt.Sprintf("vid%08d", i)
}

// fakeClock is a manually advanced Clock. Timers never fire from AfterFunc
// itself, only from Advance once their deadline has passed.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)

	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true

	return active
}

// Advance moves time forward and runs every timer that became due, in
// deadline order, including timers scheduled by the callbacks themselves.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		due := c.takeDue()
		if len(due) == 0 {
			return
		}

		for _, t := range due {
			t.f()
		}
	}
}

func (c *fakeClock) takeDue() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, rest []*fakeTimer

	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}

	c.timers = rest

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })

	return due
}

// pending returns the number of timers that have not fired or been stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}

	return n
}

// flakyBackend wraps a backend and fails the next failSets calls to Set.
// With getErr set, every Get fails.
type flakyBackend struct {
	kv.Backend

	mu       sync.Mutex
	failSets int
	sets     int
	err      error
	getErr   error
	gets     int
}

func (f *flakyBackend) Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	f.gets++
	err := f.getErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return f.Backend.Get(ctx, keys)
}

func (f *flakyBackend) failGets(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getErr = err
}

func (f *flakyBackend) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.gets
}

func (f *flakyBackend) Set(ctx context.Context, items map[string]json.RawMessage) error {
	f.mu.Lock()
	f.sets++
	if f.failSets > 0 {
		f.failSets--
		f.mu.Unlock()

		return f.err
	}
	f.mu.Unlock()

	return f.Backend.Set(ctx, items)
}

func (f *flakyBackend) failNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failSets = n
	f.err = err
}

func (f *flakyBackend) setCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.sets
}

// testDevice bundles one device's tiers and store.
type testDevice struct {
	local *kv.Memory
	store *Store
}

// newTestStore builds a store over the given tiers with a 1s throttle and
// registers Close with t.Cleanup.
func newTestStore(t *testing.T, clock Clock, local, syncTier kv.Backend) *Store {
	t.Helper()

	s := New(Options{
		Local:      local,
		Sync:       syncTier,
		Logger:     testLogger(),
		Throttle:   time.Second,
		RetryDelay: 500 * time.Millisecond,
		Clock:      clock,
	})
	t.Cleanup(s.Close)

	return s
}

// newTestDevice builds a device with a fresh local tier over syncTier.
func newTestDevice(t *testing.T, clock Clock, syncTier kv.Backend) *testDevice {
	t.Helper()

	local := kv.NewMemory(kv.AreaLocal, kv.Quota{})

	return &testDevice{local: local, store: newTestStore(t, clock, local, syncTier)}
}

func newSyncTier() *kv.Memory {
	return kv.NewMemory(kv.AreaSync, kv.SyncQuota())
}

// loadStore runs the first load and fails the test on error.
func loadStore(t *testing.T, s *Store) LoadResult {
	t.Helper()

	res, err := s.Load(context.Background())
	require.NoError(t, err)

	return res
}

// localValue reads one key from a backend as an int64.
func localValue(t *testing.T, b kv.Backend, key string) (int64, bool) {
	t.Helper()

	items, err := b.Get(context.Background(), []string{key})
	require.NoError(t, err)

	raw, ok := items[key]
	if !ok {
		return 0, false
	}

	var v int64
	require.NoError(t, json.Unmarshal(raw, &v))

	return v, true
}

// syncBatches returns the sync-tier batches by key.
func syncBatches(t *testing.T, b kv.Backend) map[string][]string {
	t.Helper()

	items, err := b.Get(context.Background(), nil)
	require.NoError(t, err)

	out := make(map[string][]string)

	for k, raw := range items {
		if k == DefaultBatchPrefix+metaSuffix {
			continue
		}

		var batch []string
		require.NoError(t, json.Unmarshal(raw, &batch))
		out[k] = batch
	}

	return out
}

// seedSync writes raw values into a sync tier.
func seedSync(t *testing.T, b kv.Backend, items map[string]any) {
	t.Helper()

	raw := make(map[string]json.RawMessage, len(items))
	for k, v := range items {
		raw[k] = kv.Marshal(v)
	}

	require.NoError(t, b.Set(context.Background(), raw))
}

// keysByAge returns the mirror keys ordered newest first.
func keysByAge(entries map[OperationKey]int64) []OperationKey {
	keys := make([]OperationKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return entries[keys[i]] > entries[keys[j]] })

	return keys
}
