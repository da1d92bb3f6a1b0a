// Package storage is the key/value persistence boundary for users, sessions
// and OTPs. Drivers are interchangeable; the store layer owns key layout.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("storage: key not found")

type Storage interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	// List returns every live key starting with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Purger is implemented by drivers that can drop expired keys in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// namespaceOf returns the segment before the first ':' of key.
func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
