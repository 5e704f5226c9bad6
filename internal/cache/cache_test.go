package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/nitesh/landmarkd/pkg/models"
)

func TestPutAndGetLandmarks(t *testing.T) {
	c := New(10, time.Hour, nil)
	projections := []models.LandmarkProjection{{ID: uuid.New(), Name: nil}}
	c.PutLandmarks("key1", projections)

	got, ok := c.GetLandmarks("key1")
	assert.True(t, ok)
	assert.Equal(t, projections, got)
}

func TestGetLandmarksMissesOnUnknownKey(t *testing.T) {
	c := New(10, time.Hour, nil)
	_, ok := c.GetLandmarks("missing")
	assert.False(t, ok)
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	c := New(10, 10*time.Millisecond, nil)
	c.PutRequest("key1", models.RequestRecord{ID: uuid.New()})

	_, ok := c.GetRequest("key1")
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.GetRequest("key1")
	assert.False(t, ok, "entry must expire once its TTL elapses")
}

func TestEvictKeyClearsBothNamespaces(t *testing.T) {
	c := New(10, time.Hour, nil)
	c.PutRequest("key1", models.RequestRecord{ID: uuid.New()})
	c.PutLandmarks("key1", []models.LandmarkProjection{{ID: uuid.New()}})

	c.EvictKey("key1")

	_, reqOK := c.GetRequest("key1")
	_, lmOK := c.GetLandmarks("key1")
	assert.False(t, reqOK)
	assert.False(t, lmOK)
}

func TestSizeBoundEvictsOldestEntry(t *testing.T) {
	c := New(2, time.Hour, nil)
	c.PutRequest("a", models.RequestRecord{ID: uuid.New()})
	c.PutRequest("b", models.RequestRecord{ID: uuid.New()})
	c.PutRequest("c", models.RequestRecord{ID: uuid.New()})

	_, aOK := c.GetRequest("a")
	_, cOK := c.GetRequest("c")
	assert.False(t, aOK, "oldest entry must be evicted once capacity is exceeded")
	assert.True(t, cOK)
}
