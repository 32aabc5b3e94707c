package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Directory layout constants.
const (
	dirFileExt      = ".json"
	dirTempPrefix   = ".tmp-"
	dirPermissions  = 0o700
	filePermissions = 0o600

	watchErrInitBackoff = 100 * time.Millisecond
	watchErrMaxBackoff  = 10 * time.Second
	watchErrBackoffMult = 2
)

// validDirKey restricts keys to names that are safe as file names on every
// platform a shared folder is likely to be mounted on.
var validDirKey = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Dir is a shared-tier backend stored as one JSON file per key inside a
// directory that a file-sync service (or a network mount) replicates between
// devices. Each file is replaced atomically (temp file + rename); a Set of
// several keys is not atomic as a whole. Watch turns file events
// produced by other devices into change notifications.
type Dir struct {
	Hub

	root   string
	quota  Quota
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]json.RawMessage // last contents seen or written, for echo suppression
}

// OpenDir returns a Dir backend rooted at root, creating the directory.
func OpenDir(root string, quota Quota, logger *slog.Logger) (*Dir, error) {
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, fmt.Errorf("kv: creating sync directory %s: %w", root, err)
	}

	d := &Dir{
		root:   root,
		quota:  quota,
		logger: logger,
		known:  make(map[string]json.RawMessage),
	}

	items, err := d.readAll()
	if err != nil {
		return nil, err
	}

	d.known = items

	logger.Info("sync directory ready", slog.String("path", root), slog.Int("keys", len(items)))

	return d, nil
}

// Area returns AreaSync: a shared directory is always the cross-device tier.
func (d *Dir) Area() Area { return AreaSync }

// Get returns the requested keys, or every key when keys is nil.
func (d *Dir) Get(_ context.Context, keys []string) (map[string]json.RawMessage, error) {
	items, err := d.readAll()
	if err != nil {
		return nil, err
	}

	filter := keyFilter(keys)
	for k := range items {
		if !wantKey(filter, k) {
			delete(items, k)
		}
	}

	return items, nil
}

// Set writes every item. The quota is checked against the directory contents
// before any file is touched. If a write fails partway, keys already written
// stay written and are still notified before the error is returned.
func (d *Dir) Set(_ context.Context, items map[string]json.RawMessage) error {
	for k, v := range items {
		if !validDirKey.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}

		if !json.Valid(v) {
			return fmt.Errorf("kv: value for %s is not valid JSON", k)
		}
	}

	d.mu.Lock()

	current, err := d.readAll()
	if err != nil {
		d.mu.Unlock()
		return err
	}

	sizes := make(map[string]int, len(current))
	for k, v := range current {
		sizes[k] = ItemSize(k, v)
	}

	if err := d.quota.Check(sizes, items); err != nil {
		d.mu.Unlock()
		return err
	}

	changes := make(map[string]Change, len(items))

	var writeErr error

	for k, v := range items {
		prev, existed := current[k]
		if existed && bytes.Equal(prev, v) {
			continue
		}

		// Record before the rename so the watcher sees its own write as known.
		known, wasKnown := d.known[k]
		d.known[k] = bytes.Clone(v)

		if err := d.writeFile(k, v); err != nil {
			if wasKnown {
				d.known[k] = known
			} else {
				delete(d.known, k)
			}

			writeErr = err

			break
		}

		c := Change{NewValue: bytes.Clone(v)}
		if existed {
			c.OldValue = prev
		}

		changes[k] = c
	}
	d.mu.Unlock()

	d.Notify(changes, AreaSync)

	return writeErr
}

// Remove deletes the files backing keys. Missing keys are ignored.
func (d *Dir) Remove(_ context.Context, keys []string) error {
	d.mu.Lock()

	changes := make(map[string]Change, len(keys))

	for _, k := range keys {
		if !validDirKey.MatchString(k) {
			continue
		}

		prev, err := os.ReadFile(d.path(k))
		if errors.Is(err, fs.ErrNotExist) {
			delete(d.known, k)
			continue
		}

		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("kv: reading %s: %w", k, err)
		}

		delete(d.known, k)

		if err := os.Remove(d.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.mu.Unlock()
			return fmt.Errorf("kv: removing %s: %w", k, err)
		}

		changes[k] = Change{OldValue: prev}
	}
	d.mu.Unlock()

	d.Notify(changes, AreaSync)

	return nil
}

// Watch blocks until ctx is canceled, converting filesystem events made by
// other devices into change notifications. Our own writes are suppressed
// because Set already notified for them.
func (d *Dir) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("kv: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.root); err != nil {
		return fmt.Errorf("kv: watching %s: %w", d.root, err)
	}

	d.logger.Info("watching sync directory", slog.String("path", d.root))

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			d.handleEvent(ev)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			d.logger.Warn("sync directory watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

// handleEvent re-reads the file named by ev and notifies if its content
// differs from what this process last saw.
func (d *Dir) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	key, ok := keyFromFile(filepath.Base(ev.Name))
	if !ok {
		return
	}

	d.mu.Lock()

	data, err := os.ReadFile(d.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.mu.Unlock()
		d.logger.Debug("sync directory read failed", slog.String("key", key), slog.String("error", err.Error()))

		return
	}

	if err == nil && !json.Valid(data) {
		// Partially replicated file; a later event will carry the full content.
		d.mu.Unlock()
		return
	}

	prev, existed := d.known[key]

	var change Change

	switch {
	case err != nil && !existed:
		d.mu.Unlock()
		return
	case err != nil:
		delete(d.known, key)
		change = Change{OldValue: prev}
	case existed && bytes.Equal(prev, data):
		d.mu.Unlock()
		return
	default:
		d.known[key] = data
		change = Change{NewValue: data}
		if existed {
			change.OldValue = prev
		}
	}
	d.mu.Unlock()

	d.logger.Debug("sync directory changed externally", slog.String("key", key))
	d.Notify(map[string]Change{key: change}, AreaSync)
}

// readAll loads every key file in the directory.
func (d *Dir) readAll() (map[string]json.RawMessage, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("kv: listing %s: %w", d.root, err)
	}

	out := make(map[string]json.RawMessage, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		key, ok := keyFromFile(e.Name())
		if !ok {
			continue
		}

		data, err := os.ReadFile(filepath.Join(d.root, e.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("kv: reading %s: %w", key, err)
		}

		if !json.Valid(data) {
			d.logger.Warn("skipping corrupt sync file", slog.String("key", key))
			continue
		}

		out[key] = data
	}

	return out, nil
}

// writeFile atomically replaces the file for key.
func (d *Dir) writeFile(key string, value json.RawMessage) error {
	tmp := filepath.Join(d.root, dirTempPrefix+uuid.NewString())

	if err := os.WriteFile(tmp, value, filePermissions); err != nil {
		return fmt.Errorf("kv: writing %s: %w", key, err)
	}

	if err := os.Rename(tmp, d.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kv: replacing %s: %w", key, err)
	}

	return nil
}

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, key+dirFileExt)
}

// keyFromFile maps a directory entry name back to its key. Temp files and
// foreign files are rejected.
func keyFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, dirFileExt) {
		return "", false
	}

	key := strings.TrimSuffix(name, dirFileExt)

	return key, validDirKey.MatchString(key)
}
