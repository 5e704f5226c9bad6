// Package cache implements C4, the hot cache: two TTL+size-bounded
// namespaces ("landmarks" and "requests") keyed by the canonical coordinate
// string. It is backed by hashicorp/golang-lru/v2's expirable.LRU, which
// natively provides the "approximate LRU with a hard size cap; expired
// entries return miss" behavior spec §4.4 asks for.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/pkg/models"
)

// Cache holds both hot-cache namespaces.
type Cache struct {
	landmarks *lru.LRU[string, []models.LandmarkProjection]
	requests  *lru.LRU[string, models.RequestRecord]
	log       *logrus.Entry
}

// New builds a Cache with the given per-namespace capacity and TTL.
func New(maxEntries int, ttl time.Duration, log *logrus.Entry) *Cache {
	return &Cache{
		landmarks: lru.NewLRU[string, []models.LandmarkProjection](maxEntries, nil, ttl),
		requests:  lru.NewLRU[string, models.RequestRecord](maxEntries, nil, ttl),
		log:       log,
	}
}

// GetLandmarks reads the "landmarks" namespace. Any panic from the
// underlying cache degrades to a miss, per spec §4.4's "Cache unavailability
// MUST be tolerated" — the in-process LRU cannot itself fail the way a
// networked cache can, but callers are written against the same tolerant
// contract so the backing implementation can change without touching them.
func (c *Cache) GetLandmarks(key string) (v []models.LandmarkProjection, ok bool) {
	defer c.recoverAsMiss("get", "landmarks", key)
	return c.landmarks.Get(key)
}

func (c *Cache) PutLandmarks(key string, v []models.LandmarkProjection) {
	defer c.recoverAsNoop("put", "landmarks", key)
	c.landmarks.Add(key, v)
}

func (c *Cache) EvictLandmarks(key string) {
	defer c.recoverAsNoop("evict", "landmarks", key)
	c.landmarks.Remove(key)
}

func (c *Cache) GetRequest(key string) (v models.RequestRecord, ok bool) {
	defer c.recoverAsMiss("get", "requests", key)
	return c.requests.Get(key)
}

func (c *Cache) PutRequest(key string, v models.RequestRecord) {
	defer c.recoverAsNoop("put", "requests", key)
	c.requests.Add(key, v)
}

func (c *Cache) EvictRequest(key string) {
	defer c.recoverAsNoop("evict", "requests", key)
	c.requests.Remove(key)
}

// EvictKey evicts key from both namespaces, the operation C5 performs when it
// refreshes an expired record (spec §9, "Cache of mutable entity"). C6 evicts
// only the requests namespace (EvictRequest) after writing a status.
func (c *Cache) EvictKey(key string) {
	c.EvictLandmarks(key)
	c.EvictRequest(key)
}

func (c *Cache) ClearAll() {
	defer c.recoverAsNoop("clear", "*", "")
	c.landmarks.Purge()
	c.requests.Purge()
}

func (c *Cache) recoverAsMiss(op, ns, key string) {
	if r := recover(); r != nil && c.log != nil {
		c.log.WithFields(logrus.Fields{"op": op, "namespace": ns, "key": key, "panic": r}).
			Warn("cache: degraded to miss")
	}
}

func (c *Cache) recoverAsNoop(op, ns, key string) {
	if r := recover(); r != nil && c.log != nil {
		c.log.WithFields(logrus.Fields{"op": op, "namespace": ns, "key": key, "panic": r}).
			Warn("cache: degraded to no-op")
	}
}
