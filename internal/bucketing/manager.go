// Package bucketing maps keys onto a fixed number of buckets with murmur3.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Pool of hash functions to avoid allocation per lookup
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Bucket returns the bucket for key, in [0, Buckets()).
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

// BucketFor joins the parts with ':' and buckets the result.
func (bm *BucketingManager) BucketFor(parts ...string) int {
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return bm.Bucket(key)
}

// GetTimeBucket truncates now to a window boundary, in unix seconds.
func (bm *BucketingManager) GetTimeBucket(now time.Time, window time.Duration) int64 {
	w := int64(window / time.Second)
	if w <= 0 {
		return now.Unix()
	}
	return now.Unix() / w * w
}

func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
