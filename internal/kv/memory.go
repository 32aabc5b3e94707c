package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process backend. It is the test double for both tiers and
// the fallback sync tier for single-device use. Values are copied on the way
// in and out so callers cannot alias stored bytes.
type Memory struct {
	Hub

	area  Area
	quota Quota

	mu    sync.Mutex
	items map[string]json.RawMessage
}

// NewMemory returns an empty in-memory backend for the given area.
func NewMemory(area Area, quota Quota) *Memory {
	return &Memory{
		area:  area,
		quota: quota,
		items: make(map[string]json.RawMessage),
	}
}

// Area returns the tier this backend serves.
func (m *Memory) Area() Area { return m.area }

// Get returns the requested keys, or every key when keys is nil.
func (m *Memory) Get(_ context.Context, keys []string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filter := keyFilter(keys)
	out := make(map[string]json.RawMessage)

	for k, v := range m.items {
		if wantKey(filter, k) {
			out[k] = bytes.Clone(v)
		}
	}

	return out, nil
}

// Set stores every item atomically, or none if the quota would be exceeded.
func (m *Memory) Set(_ context.Context, items map[string]json.RawMessage) error {
	for k, v := range items {
		if k == "" {
			return ErrInvalidKey
		}

		if !json.Valid(v) {
			return fmt.Errorf("kv: value for %s is not valid JSON", k)
		}
	}

	m.mu.Lock()

	sizes := make(map[string]int, len(m.items))
	for k, v := range m.items {
		sizes[k] = ItemSize(k, v)
	}

	if err := m.quota.Check(sizes, items); err != nil {
		m.mu.Unlock()
		return err
	}

	changes := make(map[string]Change, len(items))
	for k, v := range items {
		old, existed := m.items[k]
		if existed && bytes.Equal(old, v) {
			continue
		}

		c := Change{NewValue: bytes.Clone(v)}
		if existed {
			c.OldValue = old
		}

		changes[k] = c
		m.items[k] = bytes.Clone(v)
	}
	m.mu.Unlock()

	m.Notify(changes, m.area)

	return nil
}

// Remove deletes the given keys. Missing keys are ignored.
func (m *Memory) Remove(_ context.Context, keys []string) error {
	m.mu.Lock()

	changes := make(map[string]Change, len(keys))
	for _, k := range keys {
		if old, ok := m.items[k]; ok {
			changes[k] = Change{OldValue: old}
			delete(m.items, k)
		}
	}
	m.mu.Unlock()

	m.Notify(changes, m.area)

	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}
