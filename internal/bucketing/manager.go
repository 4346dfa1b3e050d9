package bucketing

import (
	"hash"
	"strconv"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"account-security/internal/config"
)

// BucketingManager maps identifiers onto a fixed number of buckets with
// murmur3, so partition keys stay stable across processes.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  positive(cfg.Bucketing.UserBuckets, 256),
		eventBuckets: positive(cfg.Bucketing.EventBuckets, 64),
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetUserBucket returns a bucket in [0, userBuckets).
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// GetEventBucket returns a bucket in [0, eventBuckets).
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// AnonymousPartition spreads events that have no user across
// eventBuckets partitions keyed by identifier.
func (bm *BucketingManager) AnonymousPartition(identifier string) string {
	return "anon:" + strconv.Itoa(bm.GetEventBucket(identifier))
}

// AnonymousPartitions lists every partition AnonymousPartition can return.
func (bm *BucketingManager) AnonymousPartitions() []string {
	out := make([]string, bm.eventBuckets)
	for i := range out {
		out[i] = "anon:" + strconv.Itoa(i)
	}
	return out
}

// GetDateBucket returns the UTC day of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
