package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Contract(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	runContract(t, m, func(d time.Duration) { now = now.Add(d) })
}

func TestMemory_PurgeExpired(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "sessions:a", []byte("a"), time.Minute))
	require.NoError(t, m.Put(ctx, "sessions:b", []byte("b"), time.Hour))
	require.NoError(t, m.Put(ctx, "users:c", []byte("c"), 0))

	now = now.Add(2 * time.Minute)
	n, err := m.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 2, m.Len())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	value := []byte("abc")
	require.NoError(t, m.Put(ctx, "k:1", value, 0))
	value[0] = 'z'

	got, err := m.Get(ctx, "k:1")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[0] = 'y'
	again, _ := m.Get(ctx, "k:1")
	assert.Equal(t, "abc", string(again))
}

func TestMemory_HonoursCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Put(ctx, "k:1", []byte("v"), 0), context.Canceled)
	_, err := m.Get(ctx, "k:1")
	assert.ErrorIs(t, err, context.Canceled)
}
