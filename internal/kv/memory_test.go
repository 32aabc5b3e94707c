package kv

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects change notifications.
type recorder struct {
	mu     sync.Mutex
	events []map[string]Change
	areas  []Area
}

func (r *recorder) listen(changes map[string]Change, area Area) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, changes)
	r.areas = append(r.areas, area)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

func (r *recorder) last() map[string]Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 {
		return nil
	}

	return r.events[len(r.events)-1]
}

// backendContract exercises the behavior every Backend shares.
func backendContract(t *testing.T, b Backend) {
	t.Helper()

	ctx := context.Background()
	rec := &recorder{}
	cancel := b.Subscribe(rec.listen)

	require.NoError(t, b.Set(ctx, map[string]json.RawMessage{
		"vw_meta": json.RawMessage(`{"version":2}`),
		"vw_0":    json.RawMessage(`["wAAAAAAAAAAA:1"]`),
	}))
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.last(), 2)
	assert.Nil(t, rec.last()["vw_0"].OldValue)

	all, err := b.Get(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.JSONEq(t, `{"version":2}`, string(all["vw_meta"]))

	some, err := b.Get(ctx, []string{"vw_0", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vw_0"}, keysOf(some))

	none, err := b.Get(ctx, []string{})
	require.NoError(t, err)
	assert.Empty(t, none)

	// Rewriting identical content is not a change.
	require.NoError(t, b.Set(ctx, map[string]json.RawMessage{"vw_0": json.RawMessage(`["wAAAAAAAAAAA:1"]`)}))
	assert.Equal(t, 1, rec.count())

	require.NoError(t, b.Set(ctx, map[string]json.RawMessage{"vw_0": json.RawMessage(`[]`)}))
	require.Equal(t, 2, rec.count())
	assert.JSONEq(t, `["wAAAAAAAAAAA:1"]`, string(rec.last()["vw_0"].OldValue))
	assert.JSONEq(t, `[]`, string(rec.last()["vw_0"].NewValue))

	require.NoError(t, b.Remove(ctx, []string{"vw_0", "missing"}))
	require.Equal(t, 3, rec.count())
	assert.Nil(t, rec.last()["vw_0"].NewValue)
	assert.NotContains(t, rec.last(), "missing")

	require.NoError(t, b.Remove(ctx, []string{"missing"}))
	assert.Equal(t, 3, rec.count(), "removing nothing does not notify")

	cancel()

	require.NoError(t, b.Set(ctx, map[string]json.RawMessage{"vw_1": json.RawMessage(`[]`)}))
	assert.Equal(t, 3, rec.count(), "canceled listener is not called")
}

func keysOf(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	return keys
}

func TestMemory_Contract(t *testing.T) {
	t.Parallel()

	backendContract(t, NewMemory(AreaSync, SyncQuota()))
}

func TestMemory_QuotaRejectsWholeWrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(AreaSync, Quota{TotalBytes: 100, ItemBytes: 60})

	big := json.RawMessage(`"` + strings.Repeat("x", 60) + `"`)
	err := m.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": big})
	require.ErrorIs(t, err, ErrItemTooLarge)
	assert.Zero(t, m.Len(), "nothing written when one item is rejected")

	fill := json.RawMessage(`"` + strings.Repeat("x", 40) + `"`)
	require.NoError(t, m.Set(ctx, map[string]json.RawMessage{"a": fill, "b": fill}))

	err = m.Set(ctx, map[string]json.RawMessage{"c": json.RawMessage(`123456789012345678`)})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Replacing a key only costs the difference.
	require.NoError(t, m.Set(ctx, map[string]json.RawMessage{"a": json.RawMessage(`1`)}))
	require.NoError(t, m.Set(ctx, map[string]json.RawMessage{"c": json.RawMessage(`123456789012345678`)}))
}

func TestMemory_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(AreaLocal, Quota{})

	assert.ErrorIs(t, m.Set(ctx, map[string]json.RawMessage{"": json.RawMessage(`1`)}), ErrInvalidKey)
	assert.Error(t, m.Set(ctx, map[string]json.RawMessage{"k": json.RawMessage(`{nope`)}))
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory(AreaLocal, Quota{})

	v := json.RawMessage(`[1]`)
	require.NoError(t, m.Set(ctx, map[string]json.RawMessage{"k": v}))
	v[1] = '2'

	got, err := m.Get(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(got["k"]))
}

func TestQuota_Check(t *testing.T) {
	t.Parallel()

	q := SyncQuota()
	assert.False(t, q.Unlimited())
	assert.True(t, Quota{}.Unlimited())

	sizes := map[string]int{"vw_0": 95_000}

	err := q.Check(sizes, map[string]json.RawMessage{"vw_1": json.RawMessage(strings.Repeat("1", 8_000))})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	err = q.Check(sizes, map[string]json.RawMessage{"vw_0": json.RawMessage(strings.Repeat("1", 8_000))})
	require.NoError(t, err)

	err = q.Check(nil, map[string]json.RawMessage{"vw_0": json.RawMessage(strings.Repeat("1", 8_189))})
	require.ErrorIs(t, err, ErrItemTooLarge)
}

func TestHub_NotifyOrderAndEmpty(t *testing.T) {
	t.Parallel()

	var (
		h     Hub
		order []int
	)

	h.Subscribe(func(map[string]Change, Area) { order = append(order, 1) })
	h.Subscribe(func(map[string]Change, Area) { order = append(order, 2) })

	h.Notify(nil, AreaLocal)
	assert.Empty(t, order)

	h.Notify(map[string]Change{"k": {}}, AreaLocal)
	assert.Equal(t, []int{1, 2}, order)
}
