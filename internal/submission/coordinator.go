// Package submission implements C5, the entry point that turns a raw
// coordinate into a canonical key, dedups against any live RequestRecord,
// and enqueues a ProcessingMessage for the worker tier.
package submission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/apperr"
	"github.com/nitesh/landmarkd/internal/cache"
	"github.com/nitesh/landmarkd/internal/coordkey"
	"github.com/nitesh/landmarkd/internal/queue"
	"github.com/nitesh/landmarkd/internal/store"
	"github.com/nitesh/landmarkd/pkg/models"
)

// Coordinator is C5.
type Coordinator struct {
	store                   store.Store
	cache                   *cache.Cache
	queue                   queue.Queue
	radiusMeters            int
	cacheExpirationDuration time.Duration
	log                     *logrus.Entry
	now                     func() time.Time
}

func New(st store.Store, c *cache.Cache, q queue.Queue, radiusMeters int, cacheExpiration time.Duration, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		store:                   st,
		cache:                   c,
		queue:                   q,
		radiusMeters:            radiusMeters,
		cacheExpirationDuration: cacheExpiration,
		log:                     log,
		now:                     time.Now,
	}
}

// Result is what Submit hands back to the HTTP layer: spec §6.1's
// {id, status} pair.
type Result struct {
	RequestID uuid.UUID
	Status    models.RequestStatus
}

// Submit implements spec §4.5.1 exactly, executing the read-decide-write
// body in one store transaction so that racing submitters for the same key
// resolve to a single live RequestRecord via the partial-unique index.
func (c *Coordinator) Submit(ctx context.Context, lat, lng float64) (Result, error) {
	key, err := coordkey.Canonicalize(lat, lng, c.radiusMeters)
	if err != nil {
		return Result{}, err
	}

	var result Result
	err = c.store.WithTx(ctx, func(tx store.Store) error {
		r, err := c.resolveLiveRecord(ctx, tx, key)
		if err != nil {
			return err
		}

		if r != nil {
			switch {
			case r.Status == models.StatusPending:
				result = Result{RequestID: r.ID, Status: models.StatusPending}
				return nil
			case r.Age(c.now()) <= c.cacheExpirationDuration:
				result = Result{RequestID: r.ID, Status: r.Status}
				return nil
			default:
				if err := c.refresh(ctx, tx, key, *r); err != nil {
					return err
				}
			}
		}

		newRecord, err := c.createPending(ctx, tx, key)
		if err != nil {
			if store.IsUniqueViolation(err) {
				winner, findErr := tx.FindLiveRequestByKey(ctx, key)
				if findErr != nil {
					return findErr
				}
				if winner == nil {
					return err // truly unexpected: violation but no live row
				}
				result = Result{RequestID: winner.ID, Status: winner.Status}
				return nil
			}
			return err
		}

		if err := c.queue.Enqueue(ctx, queue.ProcessingMessage{
			RequestID:    newRecord.ID,
			KeyLat:       key.KeyLat,
			KeyLng:       key.KeyLng,
			RadiusMeters: key.RadiusMeters,
		}); err != nil {
			return err
		}

		result = Result{RequestID: newRecord.ID, Status: models.StatusPending}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// resolveLiveRecord implements step 2 of spec §4.5.1: cache probe, falling
// back to the store on miss and populating the cache on hit.
func (c *Coordinator) resolveLiveRecord(ctx context.Context, tx store.Store, key coordkey.CanonicalKey) (*models.RequestRecord, error) {
	if cached, ok := c.cache.GetRequest(key.String()); ok {
		r := cached
		return &r, nil
	}
	r, err := tx.FindLiveRequestByKey(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, "failed to look up existing request", err)
	}
	if r != nil {
		c.cache.PutRequest(key.String(), *r)
	}
	return r, nil
}

// refresh implements spec §4.5.3: soft-delete every live landmark of the
// expired record, soft-delete the record itself, and evict both cache
// namespaces for the key, all inside the caller's transaction.
func (c *Coordinator) refresh(ctx context.Context, tx store.Store, key coordkey.CanonicalKey, expired models.RequestRecord) error {
	landmarks, err := tx.FindLandmarksByRequestID(ctx, expired.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, "failed to load landmarks for refresh", err)
	}
	for _, l := range landmarks {
		if err := tx.SoftDeleteLandmark(ctx, l.ID); err != nil {
			return apperr.Wrap(apperr.KindStore, "failed to soft-delete landmark during refresh", err)
		}
	}
	if err := tx.SoftDeleteRequest(ctx, expired.ID); err != nil {
		return apperr.Wrap(apperr.KindStore, "failed to soft-delete request during refresh", err)
	}
	c.cache.EvictKey(key.String())
	if c.log != nil {
		c.log.WithField("requestId", expired.ID).Info("submission: refreshed expired request")
	}
	return nil
}

func (c *Coordinator) createPending(ctx context.Context, tx store.Store, key coordkey.CanonicalKey) (*models.RequestRecord, error) {
	r := &models.RequestRecord{
		ID:           uuid.New(),
		KeyLat:       key.KeyLat,
		KeyLng:       key.KeyLng,
		RadiusMeters: key.RadiusMeters,
		Status:       models.StatusPending,
		CreatedAt:    c.now(),
	}
	if err := tx.SaveRequest(ctx, r); err != nil {
		return nil, err
	}
	c.cache.PutRequest(key.String(), *r)
	return r, nil
}
