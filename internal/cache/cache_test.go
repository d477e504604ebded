package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("k", "v")

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestCache_GetMissing(t *testing.T) {
	c := New[int](time.Minute)

	got, ok := c.Get("nope")
	assert.False(t, ok)
	assert.Zero(t, got)
}

func TestCache_ExpiryWithoutSweep(t *testing.T) {
	c := New[string](20 * time.Millisecond)
	c.Set("k", "v")

	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must be absent even without Sweep")
	assert.Equal(t, 0, c.Len(), "read-time expiry evicts the entry")
}

func TestCache_Overwrite(t *testing.T) {
	c := New[int](time.Minute)
	c.Set("k", 1)
	c.Set("k", 2)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestCache_Has(t *testing.T) {
	c := New[string](20 * time.Millisecond)
	c.Set("k", "v")

	assert.True(t, c.Has("k"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Has("k"))
}

func TestCache_Sweep(t *testing.T) {
	c := New[string](20 * time.Millisecond)
	c.Set("a", "1")
	c.Set("b", "2")

	time.Sleep(40 * time.Millisecond)
	c.Set("c", "3")

	evicted := c.Sweep()
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, "3", got)
}

func TestCache_DeleteClear(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("a", "1")
	c.Set("b", "2")

	c.Delete("a")
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
