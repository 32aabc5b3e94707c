package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tonimelisma/watchsync/internal/config"
	"github.com/tonimelisma/watchsync/internal/history"
	"github.com/tonimelisma/watchsync/internal/kv"
)

// stateDirPermissions is owner rwx, group/other rx.
const stateDirPermissions = 0o755

// watcher is implemented by sync backends that can observe writes made by
// other devices (kv.Dir, kv.Remote).
type watcher interface {
	Watch(ctx context.Context) error
}

// Session holds both storage tiers and the history store built over them
// for one command invocation.
type Session struct {
	Local    *kv.SQLite
	Sync     kv.Backend
	Store    *history.Store
	DeviceID string
	Resolved *config.Resolved

	logger *slog.Logger
}

// NewSession opens the local tier, the configured sync tier and a history
// store over them. The store is not loaded; call Load or use openLoaded.
func NewSession(ctx context.Context, resolved *config.Resolved, logger *slog.Logger) (*Session, error) {
	if err := os.MkdirAll(filepath.Dir(resolved.LocalDB), stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	local, err := kv.OpenSQLite(ctx, resolved.LocalDB, kv.AreaLocal, kv.Quota{}, logger)
	if err != nil {
		return nil, err
	}

	deviceID, err := history.EnsureDeviceID(ctx, local)
	if err != nil {
		local.Close()

		return nil, err
	}

	device := resolved.Device.Name
	if device == "" {
		device = deviceID
	}

	syncTier, err := openSyncTier(ctx, resolved, device, logger)
	if err != nil {
		local.Close()

		return nil, err
	}

	logger.Debug("session opened",
		slog.String("device_id", deviceID),
		slog.String("backend", resolved.Storage.SyncBackend),
		slog.String("local_db", resolved.LocalDB),
	)

	store := history.New(history.Options{
		Local:  local,
		Sync:   syncTier,
		Logger: logger,
		Limits: history.Limits{
			Prefix:     resolved.Sync.Prefix,
			BatchBytes: int(resolved.ItemQuota),
			TotalBytes: int(resolved.TotalQuota),
		},
		Throttle:   resolved.Throttle,
		RetryDelay: resolved.RetryDelay,
	})

	return &Session{
		Local:    local,
		Sync:     syncTier,
		Store:    store,
		DeviceID: deviceID,
		Resolved: resolved,
		logger:   logger,
	}, nil
}

// openSyncTier builds the cross-device backend named by the config.
func openSyncTier(ctx context.Context, resolved *config.Resolved, device string, logger *slog.Logger) (kv.Backend, error) {
	quota := kv.Quota{
		TotalBytes: int(resolved.TotalQuota),
		ItemBytes:  int(resolved.ItemCeiling),
	}

	switch resolved.Storage.SyncBackend {
	case config.BackendDir:
		return kv.OpenDir(resolved.SyncDir, quota, logger)
	case config.BackendRelay:
		return kv.NewRemote(ctx, resolved.Storage.RelayURL, resolved.Storage.RelayToken,
			device, resolved.Timeout, logger)
	default:
		logger.Warn("using the in-memory sync backend; history will not reach other devices")

		return kv.NewMemory(kv.AreaSync, quota), nil
	}
}

// openLoaded opens a session and loads the history from both tiers.
func openLoaded(ctx context.Context, cc *CLIContext) (*Session, history.LoadResult, error) {
	sess, err := NewSession(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return nil, history.LoadResult{}, err
	}

	res, err := sess.Store.Load(ctx)
	if err != nil {
		sess.Close()

		return nil, history.LoadResult{}, fmt.Errorf("loading history: %w", err)
	}

	return sess, res, nil
}

// Watcher returns the change feed of the sync tier, or nil when the backend
// only sees its own writes.
func (s *Session) Watcher() watcher {
	w, ok := s.Sync.(watcher)
	if !ok {
		return nil
	}

	return w
}

// Close releases the store and the local database.
func (s *Session) Close() {
	s.Store.Close()

	if err := s.Local.Close(); err != nil {
		s.logger.Warn("closing local database", slog.String("error", err.Error()))
	}
}
