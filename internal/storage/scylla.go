package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gocql/gocql"
)

const (
	cqlGet    = `SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`
	cqlPut    = `INSERT INTO kv_entries (namespace, key, value) VALUES (?, ?, ?)`
	cqlPutTTL = `INSERT INTO kv_entries (namespace, key, value) VALUES (?, ?, ?) USING TTL ?`
	cqlDelete = `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`
	cqlList   = `SELECT key FROM kv_entries WHERE namespace = ? AND key >= ? AND key < ?`
)

// maxRune bounds a prefix range; every valid UTF-8 string with the prefix
// sorts below prefix+maxRune.
const maxRune = "\U0010FFFF"

// Scylla partitions rows by the key's namespace (the part before the first
// ':'), so List is a clustering range scan within one partition. Prefixes
// passed to List must therefore include the namespace separator.
type Scylla struct {
	session *gocql.Session
	closer  func()
}

func NewScylla(session *gocql.Session, closer func()) *Scylla {
	if closer == nil {
		closer = func() {}
	}
	return &Scylla{session: session, closer: closer}
}

func (s *Scylla) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.session.Query(cqlGet, namespaceOf(key), key).WithContext(ctx).Scan(&value)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (s *Scylla) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var q *gocql.Query
	if ttl > 0 {
		q = s.session.Query(cqlPutTTL, namespaceOf(key), key, value, ttlSeconds(ttl))
	} else {
		q = s.session.Query(cqlPut, namespaceOf(key), key, value)
	}
	if err := q.WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *Scylla) Delete(ctx context.Context, key string) error {
	if err := s.session.Query(cqlDelete, namespaceOf(key), key).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Scylla) List(ctx context.Context, prefix string) ([]string, error) {
	lo, hi := prefixRange(prefix)
	iter := s.session.Query(cqlList, namespaceOf(prefix), lo, hi).WithContext(ctx).Iter()
	scanner := iter.Scanner()

	var keys []string
	for scanner.Next() {
		var k string
		if err := scanner.Scan(&k); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("failed to scan %s*: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s*: %w", prefix, err)
	}
	return keys, nil
}

func (s *Scylla) Close() error {
	s.closer()
	return nil
}

func prefixRange(prefix string) (string, string) {
	return prefix, prefix + maxRune
}

// ttlSeconds rounds up so a sub-second ttl still expires rather than persisting.
func ttlSeconds(ttl time.Duration) int {
	return int(math.Ceil(ttl.Seconds()))
}
