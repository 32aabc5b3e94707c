// Package history keeps a device's watch history and reconciles it with the
// other devices of the same account through a small, quota-limited shared
// tier. The local tier holds every entry; the shared tier holds as many of
// the newest entries as fit, packed into batches.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/watchsync/internal/kv"
)

// Defaults for Options.
const (
	DefaultThrottle   = time.Second
	DefaultRetryDelay = 500 * time.Millisecond

	reloadKey = "reload"
)

// Sentinel errors.
var (
	ErrNotLoaded      = errors.New("history: watch history not loaded")
	ErrInvalidTag     = errors.New("history: invalid operation tag")
	ErrInvalidVideoID = errors.New("history: invalid video id")
)

// Options configures a Store.
type Options struct {
	Local      kv.Backend
	Sync       kv.Backend
	Logger     *slog.Logger
	Limits     Limits
	Throttle   time.Duration
	RetryDelay time.Duration
	Clock      Clock
}

// SyncResult summarizes one outbound sync.
type SyncResult struct {
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Dropped int `json:"dropped"`
	Batches int `json:"batches"`
	Bytes   int `json:"bytes"`
}

// LoadResult summarizes one inbound load.
type LoadResult struct {
	Version  int  `json:"version"`
	Decoded  int  `json:"decoded"`
	Applied  int  `json:"applied"`
	Skipped  int  `json:"skipped"`
	Migrated int  `json:"migrated"`
	Cleared  bool `json:"cleared"`
	Local    int  `json:"local"`
}

type pendingOp struct {
	tag     Tag
	videoID string
	ts      int64
}

// Store owns the watch history of one device. All mutation of the mirror goes
// through its methods, which are safe for concurrent use; I/O-bound
// operations are serialized so the store behaves like the single-threaded
// event loop it models.
type Store struct {
	local  kv.Backend
	remote kv.Backend
	logger *slog.Logger
	limits Limits
	clock  Clock
	retry  time.Duration

	mu          sync.Mutex
	mirror      *mirror
	loaded      bool
	loadedCh    chan struct{}
	pending     []pendingOp
	syncWanted  bool
	watermark   int64
	lastDropped int

	throttle    *throttle
	loads       singleflight.Group
	reloadDirty atomic.Bool
	syncRetried atomic.Bool
	closed      atomic.Bool
	cancels     []func()
}

// New builds a Store over the two tiers and subscribes to their change
// notifications. Call Load before relying on History.
func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Limits.Prefix == "" {
		opts.Limits = DefaultLimits()
	}

	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}

	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	s := &Store{
		local:    opts.Local,
		remote:   opts.Sync,
		logger:   opts.Logger,
		limits:   opts.Limits,
		clock:    opts.Clock,
		retry:    opts.RetryDelay,
		mirror:   newMirror(opts.Local, opts.Logger),
		loadedCh: make(chan struct{}),
	}

	s.throttle = newThrottle(opts.Throttle, opts.Clock, s.runScheduledSync)

	s.cancels = append(s.cancels,
		opts.Sync.Subscribe(s.HandleChange),
		opts.Local.Subscribe(s.HandleChange),
	)

	return s
}

// Close unsubscribes from change notifications and cancels a pending sync.
// Retries armed before Close find the store closed and stop.
func (s *Store) Close() {
	s.closed.Store(true)

	for _, cancel := range s.cancels {
		cancel()
	}

	s.throttle.cancelPending()
}

func (s *Store) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// Watch marks a video as watched now.
func (s *Store) Watch(ctx context.Context, videoID string) error {
	return s.ApplyOperation(ctx, TagWatched, videoID, 0)
}

// Unwatch marks a video as not watched now.
func (s *Store) Unwatch(ctx context.Context, videoID string) error {
	return s.ApplyOperation(ctx, TagUnwatched, videoID, 0)
}

// ApplyOperation records tag for videoID at ts (now when zero). Unknown tags
// and malformed ids are rejected without side effects. Before the first Load
// completes the operation is queued and applied when loading finishes. A
// local-tier write failure is logged and retried after the retry delay
// instead of being returned, because callers are event handlers.
func (s *Store) ApplyOperation(ctx context.Context, tag Tag, videoID string, ts int64) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTag, byte(tag))
	}

	if !ValidVideoID(videoID) {
		return fmt.Errorf("%w: %q", ErrInvalidVideoID, videoID)
	}

	if ts <= 0 {
		ts = s.nowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.pending = append(s.pending, pendingOp{tag: tag, videoID: videoID, ts: ts})
		s.logger.Debug("queued operation until history is loaded",
			slog.String("key", string(NewOperationKey(tag, videoID))),
			slog.Int("queued", len(s.pending)),
		)

		return nil
	}

	if s.applyLocked(ctx, tag, videoID, ts) {
		s.throttle.Schedule()
	}

	return nil
}

// applyLocked applies one operation and reports whether the mirror changed.
// Failures are retried asynchronously.
func (s *Store) applyLocked(ctx context.Context, tag Tag, videoID string, ts int64) bool {
	changed, err := s.mirror.apply(ctx, tag, videoID, ts)
	if err == nil {
		if changed {
			s.logger.Debug("recorded operation",
				slog.String("key", string(NewOperationKey(tag, videoID))),
				slog.Int64("timestamp", ts),
			)
		}

		return changed
	}

	if changed {
		// The entry is stored; only the sibling cleanup failed. The next
		// load repairs a video stored under both tags.
		s.logger.Warn("operation recorded with stale sibling", slog.String("error", err.Error()))
		return true
	}

	s.logger.Warn("recording operation failed, will retry",
		slog.String("key", string(NewOperationKey(tag, videoID))),
		slog.String("error", err.Error()),
		slog.Duration("retry_in", s.retry),
	)

	s.clock.AfterFunc(s.retry, func() {
		if s.closed.Load() {
			return
		}

		if err := s.ApplyOperation(context.Background(), tag, videoID, ts); err != nil {
			s.logger.Warn("retrying operation failed", slog.String("error", err.Error()))
		}
	})

	return false
}

// Load reads the shared tier, decodes it with the wire format named by its
// metadata, replays a pending clear broadcast, and merges every decoded entry
// into the mirror. It also migrates bare video ids left in the local tier by
// older versions. Queued operations are applied once, after the first load.
func (s *Store) Load(ctx context.Context) (LoadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) (LoadResult, error) {
	var res LoadResult

	items, err := s.remote.Get(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("history: reading sync tier: %w", err)
	}

	bs := parseBatchSet(items, s.limits.Prefix, s.logger)
	format := formatFor(bs.meta, s.logger)
	now := s.nowMillis()

	decoded := format.decode(bs.values, now, s.logger)
	res.Version = format.version()
	res.Decoded = len(decoded)
	res.Skipped = len(bs.values) - len(decoded)

	state, err := s.mirror.load(ctx)
	if err != nil {
		return res, err
	}

	s.watermark = state.watermark

	if bs.meta != nil && bs.meta.ClearedAt > s.watermark {
		if err := s.replayClearLocked(ctx, bs.meta.ClearedAt); err != nil {
			return res, err
		}

		res.Cleared = true
	}

	// Only the load that replays a clear drops entries older than it; later
	// writes arrive with timestamps floored to the second and may sit just
	// below the watermark.
	var gate int64
	if res.Cleared {
		gate = s.watermark / 1000 * 1000
	}

	for _, e := range decoded {
		if e.Timestamp < gate {
			continue
		}

		// A local tag switch newer than the inbound entry has not been synced
		// yet; replaying the older sibling would undo it.
		if sibTS, ok := s.mirror.timestamp(e.Key.Sibling()); ok && sibTS >= e.Timestamp {
			continue
		}

		if s.applyLocked(ctx, e.Key.Tag(), e.Key.VideoID(), e.Timestamp) {
			res.Applied++
		}
	}

	res.Migrated = s.migrateLegacyLocked(ctx, state.legacy)

	wasLoaded := s.loaded
	s.markLoadedLocked()

	for _, op := range s.drainPendingLocked() {
		if s.applyLocked(ctx, op.tag, op.videoID, op.ts) {
			res.Applied++
		}
	}

	res.Local = s.mirror.len()

	s.logger.Info("loaded watch history",
		slog.Int("version", res.Version),
		slog.Int("remote", res.Decoded),
		slog.Int("applied", res.Applied),
		slog.Int("local", res.Local),
		slog.Bool("cleared", res.Cleared),
	)

	if res.Applied > 0 || res.Migrated > 0 || res.Cleared || (s.syncWanted && !wasLoaded) {
		s.syncWanted = false
		s.throttle.Schedule()
	}

	return res, nil
}

// replayClearLocked applies a clear broadcast: every watch-history entry is
// removed locally and the watermark advances so the clear runs once per device.
func (s *Store) replayClearLocked(ctx context.Context, clearedAt int64) error {
	removed, err := s.mirror.clear(ctx)
	if err != nil {
		return err
	}

	if err := s.setWatermarkLocked(ctx, clearedAt); err != nil {
		return err
	}

	s.logger.Info("applied watch history clear from another device",
		slog.Int64("cleared_at", clearedAt),
		slog.Int("removed", removed),
	)

	return nil
}

func (s *Store) setWatermarkLocked(ctx context.Context, ts int64) error {
	if err := s.local.Set(ctx, map[string]json.RawMessage{watermarkKey: kv.Marshal(ts)}); err != nil {
		return fmt.Errorf("history: persisting clear watermark: %w", err)
	}

	s.watermark = ts

	return nil
}

// migrateLegacyLocked rewrites bare video ids (value = timestamp, implying
// watched) as operation keys and removes the old keys.
func (s *Store) migrateLegacyLocked(ctx context.Context, legacy map[string]int64) int {
	if len(legacy) == 0 {
		return 0
	}

	migrated := 0
	old := make([]string, 0, len(legacy))

	for id, ts := range legacy {
		old = append(old, id)

		if !ValidVideoID(id) {
			continue
		}

		if s.applyLocked(ctx, TagWatched, id, ts) {
			migrated++
		}
	}

	if err := s.local.Remove(ctx, old); err != nil {
		s.logger.Warn("removing legacy watch history keys failed", slog.String("error", err.Error()))
	}

	s.logger.Info("migrated legacy watch history", slog.Int("entries", migrated))

	return migrated
}

func (s *Store) markLoadedLocked() {
	if s.loaded {
		return
	}

	s.loaded = true
	close(s.loadedCh)
}

func (s *Store) drainPendingLocked() []pendingOp {
	ops := s.pending
	s.pending = nil

	return ops
}

// HandleChange is the change-notification listener. Writes to the shared
// tier that touch history keys trigger a reload; everything else, including
// the local tier, is ignored. Reloads caused by this device's own writes find
// nothing new and are no-ops.
func (s *Store) HandleChange(changes map[string]kv.Change, area kv.Area) {
	if area != kv.AreaSync {
		return
	}

	for key := range changes {
		if strings.HasPrefix(key, s.limits.Prefix) {
			s.requestReload()
			return
		}
	}
}

// requestReload coalesces reload requests: while a reload runs, further
// requests mark it dirty and it runs once more when done.
func (s *Store) requestReload() {
	if s.closed.Load() {
		return
	}

	s.reloadDirty.Store(true)

	ch := s.loads.DoChan(reloadKey, func() (any, error) {
		var err error
		for s.reloadDirty.Swap(false) {
			_, err = s.Load(context.Background())
		}

		return nil, err
	})

	go func() {
		res := <-ch
		if res.Err != nil {
			if s.closed.Load() {
				return
			}

			s.logger.Warn("reloading watch history failed, will retry",
				slog.String("error", res.Err.Error()),
				slog.Duration("retry_in", s.retry),
			)
			s.clock.AfterFunc(s.retry, s.requestReload)

			return
		}

		// A request that joined the call after its last pass still needs one.
		if s.reloadDirty.Load() {
			s.requestReload()
		}
	}()
}

// ScheduleSync requests an outbound sync at the earliest time the throttle
// allows. Rapid requests collapse into one trailing write that reads the
// mirror as it is when the write runs.
func (s *Store) ScheduleSync() {
	s.mu.Lock()
	loaded := s.loaded
	if !loaded {
		s.syncWanted = true
	}
	s.mu.Unlock()

	if loaded {
		s.throttle.Schedule()
	}
}

// runScheduledSync is the throttle's trailing write. A failure is retried
// once at the next allowed time; further retries wait for the next change.
func (s *Store) runScheduledSync() {
	if s.closed.Load() {
		return
	}

	if _, err := s.Sync(context.Background()); err != nil {
		retry := !s.syncRetried.Swap(true) && !s.closed.Load()
		s.logger.Warn("scheduled sync failed",
			slog.String("error", err.Error()),
			slog.Bool("retrying", retry),
		)

		if retry {
			s.throttle.Schedule()
		}
	}
}

// Sync writes the mirror to the shared tier, newest entries first, dropping
// the oldest entries that do not fit the quota. If the previous write was
// less than the throttle interval ago, Sync waits for the remainder instead
// of writing early. Batches left over from a larger previous sync are removed
// afterwards; the metadata key is always kept. A backend failure is returned
// with its message and leaves the mirror and the throttle ready for a retry.
func (s *Store) Sync(ctx context.Context) (SyncResult, error) {
	if err := s.throttle.wait(ctx); err != nil {
		return SyncResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return SyncResult{}, ErrNotLoaded
	}

	return s.syncLocked(ctx)
}

func (s *Store) syncLocked(ctx context.Context) (SyncResult, error) {
	entries := s.mirror.sorted()

	items, err := s.remote.Get(ctx, nil)
	if err != nil {
		return SyncResult{}, fmt.Errorf("history: reading sync tier: %w", err)
	}

	existing := parseBatchSet(items, s.limits.Prefix, s.logger)

	meta := Metadata{Version: CurrentWireVersion}
	if existing.meta != nil {
		meta.ClearedAt = existing.meta.ClearedAt
	}

	// A clear this device has not replayed yet must not be undone by
	// writing the pre-clear mirror back.
	if meta.ClearedAt > s.watermark {
		if err := s.replayClearLocked(ctx, meta.ClearedAt); err != nil {
			return SyncResult{}, err
		}

		entries = s.mirror.sorted()
	}

	packed := PackBatches(entries, meta, s.limits)

	out := make(map[string]json.RawMessage, len(packed.Batches)+1)
	out[s.limits.MetaKey()] = kv.Marshal(meta)

	for key, batch := range packed.Batches {
		out[key] = kv.Marshal(batch)
	}

	var stale []string

	for _, key := range existing.keys {
		if _, keep := packed.Batches[key]; !keep {
			stale = append(stale, key)
		}
	}

	if err := s.writeBatchesLocked(ctx, out, stale); err != nil {
		s.logger.Warn("writing watch history to sync tier failed", slog.String("error", err.Error()))
		return SyncResult{}, fmt.Errorf("history: writing sync batches: %w", err)
	}

	s.throttle.markWritten()
	s.syncRetried.Store(false)

	if err := s.remote.Remove(ctx, stale); err != nil {
		return SyncResult{}, fmt.Errorf("history: removing stale batches: %w", err)
	}

	s.lastDropped = packed.Dropped

	res := SyncResult{
		Total:   len(entries),
		Synced:  packed.Packed,
		Dropped: packed.Dropped,
		Batches: len(packed.BatchKeys),
		Bytes:   packed.Bytes,
	}

	if res.Dropped > 0 {
		s.logger.Warn("sync quota exhausted, oldest entries not synced",
			slog.Int("synced", res.Synced),
			slog.Int("dropped", res.Dropped),
		)
	}

	s.logger.Info("synced watch history",
		slog.Int("synced", res.Synced),
		slog.Int("total", res.Total),
		slog.Int("batches", res.Batches),
		slog.Int("stale_removed", len(stale)),
	)

	return res, nil
}

// writeBatchesLocked writes the packed payload. Stale batches still count
// against the backend quota until removed, so a write rejected for the total
// quota is retried once after removing them.
func (s *Store) writeBatchesLocked(ctx context.Context, out map[string]json.RawMessage, stale []string) error {
	err := s.remote.Set(ctx, out)
	if err == nil || len(stale) == 0 || !errors.Is(err, kv.ErrQuotaExceeded) {
		return err
	}

	s.logger.Debug("sync tier full, removing stale batches before writing", slog.Int("stale", len(stale)))

	if rmErr := s.remote.Remove(ctx, stale); rmErr != nil {
		return errors.Join(err, rmErr)
	}

	return s.remote.Set(ctx, out)
}

// DeleteAll erases the watch history on this device and broadcasts a clear
// to the others: batches are removed and the metadata records the clear time,
// which also becomes this device's watermark.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.throttle.wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMillis()

	if _, err := s.mirror.load(ctx); err != nil {
		return err
	}

	if err := s.setWatermarkLocked(ctx, now); err != nil {
		return err
	}

	removed, err := s.mirror.clear(ctx)
	if err != nil {
		return err
	}

	s.pending = nil
	s.markLoadedLocked()

	items, err := s.remote.Get(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: reading sync tier: %w", err)
	}

	existing := parseBatchSet(items, s.limits.Prefix, s.logger)

	meta := Metadata{Version: CurrentWireVersion, ClearedAt: now}
	if err := s.remote.Set(ctx, map[string]json.RawMessage{s.limits.MetaKey(): kv.Marshal(meta)}); err != nil {
		return fmt.Errorf("history: writing clear broadcast: %w", err)
	}

	s.throttle.markWritten()

	if err := s.remote.Remove(ctx, existing.keys); err != nil {
		return fmt.Errorf("history: removing batches: %w", err)
	}

	s.lastDropped = 0

	s.logger.Info("deleted all watch history",
		slog.Int("removed", removed),
		slog.Int("batches", len(existing.keys)),
		slog.Int64("cleared_at", now),
	)

	return nil
}

// History returns a copy of the mirror, waiting for the first load.
func (s *Store) History(ctx context.Context) (map[OperationKey]int64, error) {
	if err := s.waitLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mirror.snapshot(), nil
}

// Entries returns the mirror newest first, waiting for the first load.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	if err := s.waitLoaded(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mirror.sorted(), nil
}

func (s *Store) waitLoaded(ctx context.Context) error {
	select {
	case <-s.loadedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotLoaded, ctx.Err())
	}
}

// Loaded reports whether the first load has completed.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loaded
}

// Watermark returns the clear watermark of this device.
func (s *Store) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.watermark
}

// SyncPending reports whether a throttled sync is waiting to run.
func (s *Store) SyncPending() bool {
	return s.throttle.hasPending()
}

// EnsureDeviceID returns the identifier of this device, generating and
// persisting one in the local tier on first use.
func EnsureDeviceID(ctx context.Context, local kv.Backend) (string, error) {
	items, err := local.Get(ctx, []string{deviceIDKey})
	if err != nil {
		return "", fmt.Errorf("history: reading device id: %w", err)
	}

	if raw, ok := items[deviceIDKey]; ok {
		var id string
		if json.Unmarshal(raw, &id) == nil && id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := local.Set(ctx, map[string]json.RawMessage{deviceIDKey: kv.Marshal(id)}); err != nil {
		return "", fmt.Errorf("history: persisting device id: %w", err)
	}

	return id, nil
}
