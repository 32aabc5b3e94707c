// Package kv implements the two storage tiers the watch history lives on: a
// large per-device tier and a small, quota-limited tier shared by every device
// of the same account. Both tiers expose the same asynchronous-looking
// key/value contract with change notifications, so the history reconciler can
// treat them uniformly and tests can swap in the in-memory backend.
package kv

import (
	"context"
	"encoding/json"
	"errors"
)

// Area identifies which storage tier a backend or a change notification
// belongs to.
type Area string

// Storage tiers.
const (
	AreaLocal Area = "local"
	AreaSync  Area = "sync"
)

// Sentinel errors returned by backends.
var (
	ErrQuotaExceeded = errors.New("kv: total quota exceeded")
	ErrItemTooLarge  = errors.New("kv: item exceeds per-item quota")
	ErrInvalidKey    = errors.New("kv: invalid key")
	ErrClosed        = errors.New("kv: backend closed")
)

// Change describes one key mutation. A nil NewValue means the key was removed;
// a nil OldValue means the key did not exist before.
type Change struct {
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

// Listener receives change notifications after a successful Set or Remove.
type Listener func(changes map[string]Change, area Area)

// Backend is the key/value contract both tiers satisfy. Values are opaque JSON
// documents. A nil keys slice passed to Get means "every key".
type Backend interface {
	Area() Area
	Get(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, items map[string]json.RawMessage) error
	Remove(ctx context.Context, keys []string) error
	Subscribe(fn Listener) (cancel func())
}

// Marshal encodes v as a JSON value suitable for Set. It panics only on
// values that encoding/json cannot represent (channels, funcs), which callers
// never pass.
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("kv: marshal: " + err.Error())
	}

	return data
}

// wantKey reports whether key is selected by the keys filter of a Get call.
func wantKey(filter map[string]bool, key string) bool {
	return filter == nil || filter[key]
}

// keyFilter converts a Get key list into a lookup set. Nil means "all keys".
func keyFilter(keys []string) map[string]bool {
	if keys == nil {
		return nil
	}

	filter := make(map[string]bool, len(keys))
	for _, k := range keys {
		filter[k] = true
	}

	return filter
}
