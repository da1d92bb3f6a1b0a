package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CapsAtRecordExpiry(t *testing.T) {
	now := time.Now()
	c := newCache(func() time.Time { return now })

	c.set("sessions:a", "a", sessionCacheTTL, now.Add(time.Minute))
	c.set("sessions:b", "b", sessionCacheTTL, time.Time{})

	now = now.Add(time.Minute)
	_, ok := c.get("sessions:a")
	assert.False(t, ok)
	_, ok = c.get("sessions:b")
	assert.True(t, ok)

	now = now.Add(sessionCacheTTL)
	_, ok = c.get("sessions:b")
	assert.False(t, ok)
}

func TestCache_SetPastExpiryDoesNotStore(t *testing.T) {
	now := time.Now()
	c := newCache(func() time.Time { return now })

	c.set("otps:a", "x", otpCacheTTL, now.Add(-time.Second))
	_, ok := c.get("otps:a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.sweep())
}

func TestCache_DeleteAndSweep(t *testing.T) {
	now := time.Now()
	c := newCache(func() time.Time { return now })

	c.set("users:1", 1, userCacheTTL, time.Time{})
	c.set("users:2", 2, time.Minute, time.Time{})
	c.set("sessions:1", 1, time.Minute, time.Time{})

	c.delete("sessions:1", "unknown")
	_, ok := c.get("sessions:1")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.sweep())
	_, ok = c.get("users:1")
	assert.True(t, ok)
	assert.Equal(t, 0, c.sweep())
}
