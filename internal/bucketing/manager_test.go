package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(16)

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("login_ip:10.0.0.%d", i)
		b := bm.Bucket(key)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.Bucket(key))
	}
	assert.Equal(t, bm.Bucket("a:b"), bm.BucketFor("a", "b"))
}

func TestBucketSpreadsKeys(t *testing.T) {
	bm := NewBucketingManager(8)
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[bm.Bucket(fmt.Sprintf("user%d@example.com", i))] = true
	}
	assert.Len(t, seen, 8)
}

func TestNonPositiveBuckets(t *testing.T) {
	bm := NewBucketingManager(0)
	assert.Equal(t, 1, bm.Buckets())
	assert.Equal(t, 0, bm.Bucket("anything"))
}

func TestGetTimeBucket(t *testing.T) {
	bm := NewBucketingManager(1)
	now := time.Unix(1_000_123, 0)
	assert.Equal(t, int64(999_900), bm.GetTimeBucket(now, 5*time.Minute))
	assert.Equal(t, now.Unix(), bm.GetTimeBucket(now, 0))
}
