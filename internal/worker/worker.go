// Package worker implements C6, the processing worker that consumes
// ProcessingMessages and drives the Fetch→Persist→Cache pipeline for
// PENDING records, per spec §4.6.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/cache"
	"github.com/nitesh/landmarkd/internal/coordkey"
	"github.com/nitesh/landmarkd/internal/overpass"
	"github.com/nitesh/landmarkd/internal/queue"
	"github.com/nitesh/landmarkd/internal/store"
	"github.com/nitesh/landmarkd/pkg/models"
)

// Fetcher is the C2 contract this worker depends on, narrowed to the single
// method it calls, so tests can substitute a stub.
type Fetcher interface {
	Fetch(ctx context.Context, key coordkey.CanonicalKey) ([]overpass.FetchedLandmark, error)
}

// Worker is C6.
type Worker struct {
	store                   store.Store
	cache                   *cache.Cache
	queue                   queue.Queue
	fetch                   Fetcher
	cacheExpirationDuration time.Duration
	log                     *logrus.Entry
	now                     func() time.Time
}

func New(st store.Store, c *cache.Cache, q queue.Queue, f Fetcher, cacheExpiration time.Duration, log *logrus.Entry) *Worker {
	return &Worker{
		store:                   st,
		cache:                   c,
		queue:                   q,
		fetch:                   f,
		cacheExpirationDuration: cacheExpiration,
		log:                     log,
		now:                     time.Now,
	}
}

// Run starts `concurrency` consumers sharing groupID, per spec §4.6's "N
// workers drawing from the same queue" model. It blocks until ctx is
// cancelled or a consumer returns a non-context error.
func (w *Worker) Run(ctx context.Context, groupID string, concurrency int) error {
	errCh := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		consumerName := fmt.Sprintf("%s-%d", groupID, i)
		go func() {
			errCh <- w.queue.Subscribe(ctx, groupID, consumerName, w.handle)
		}()
	}

	for i := 0; i < concurrency; i++ {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

// handle implements the eight-step algorithm of spec §4.6. It returns nil
// (acknowledge) whenever the spec says to acknowledge, and a non-nil error
// (leave unacknowledged) only for the "unexpected
// exception" path of step 8.
func (w *Worker) handle(ctx context.Context, msg queue.ProcessingMessage) error {
	logEntry := w.log
	if logEntry != nil {
		logEntry = logEntry.WithField("requestId", msg.RequestID)
	}

	// Step 1.
	r, err := w.store.FindRequestByID(ctx, msg.RequestID)
	if err != nil {
		w.markErrorBestEffort(ctx, &models.RequestRecord{ID: msg.RequestID}, err)
		return fmt.Errorf("worker: load request: %w", err) // unexpected: do not ack
	}
	if r == nil {
		return nil // acknowledge: request no longer exists
	}

	// Step 2.
	if r.Status != models.StatusPending {
		return nil // acknowledge: duplicate delivery after prior completion
	}

	key := coordkey.CanonicalKey{KeyLat: r.KeyLat, KeyLng: r.KeyLng, RadiusMeters: r.RadiusMeters}

	// Step 4: landmarks cache shortcut.
	if done, err := w.landmarksCacheShortcut(ctx, r, key); done {
		return err
	}

	// Step 5: DB shortcut.
	if done, err := w.dbShortcut(ctx, r, key); done {
		return err
	}

	// Step 6/7: external fetch.
	return w.fetchAndPersist(ctx, r, key, logEntry)
}

func (w *Worker) landmarksCacheShortcut(ctx context.Context, r *models.RequestRecord, key coordkey.CanonicalKey) (done bool, err error) {
	if _, ok := w.cache.GetLandmarks(key.String()); !ok {
		return false, nil
	}
	landmarks, err := w.store.FindLandmarksByRequestID(ctx, r.ID)
	if err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return true, fmt.Errorf("worker: load landmarks for cache shortcut: %w", err)
	}
	if len(landmarks) == 0 {
		return false, nil // fall through to the DB/external paths
	}
	r.Status = models.StatusFound
	if err := w.store.SaveRequest(ctx, r); err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return true, fmt.Errorf("worker: save request in cache shortcut: %w", err)
	}
	w.cache.EvictRequest(key.String())
	return true, nil
}

func (w *Worker) dbShortcut(ctx context.Context, r *models.RequestRecord, key coordkey.CanonicalKey) (done bool, err error) {
	other, err := w.store.FindLiveRequestByKey(ctx, key)
	if err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return true, fmt.Errorf("worker: db shortcut lookup: %w", err)
	}
	if other == nil || other.ID == r.ID || other.Status == models.StatusPending {
		return false, nil
	}
	if other.Age(w.now()) > w.cacheExpirationDuration {
		return false, nil
	}
	landmarks, err := w.store.FindLandmarksByRequestID(ctx, other.ID)
	if err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return true, fmt.Errorf("worker: load landmarks for db shortcut: %w", err)
	}
	if len(landmarks) == 0 {
		return false, nil
	}

	for _, l := range landmarks {
		if err := w.store.LinkRequestLandmark(ctx, r.ID, l.ID); err != nil {
			w.markErrorBestEffort(ctx, r, err)
			return true, fmt.Errorf("worker: link landmark in db shortcut: %w", err)
		}
	}
	projections := projectAll(landmarks)
	w.cache.PutLandmarks(key.String(), projections)

	r.Status = models.StatusFound
	if err := w.store.SaveRequest(ctx, r); err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return true, fmt.Errorf("worker: save request in db shortcut: %w", err)
	}
	w.cache.EvictRequest(key.String())
	return true, nil
}

func (w *Worker) fetchAndPersist(ctx context.Context, r *models.RequestRecord, key coordkey.CanonicalKey, log *logrus.Entry) error {
	fetched, err := w.fetch.Fetch(ctx, key)
	if err != nil {
		// Step 7: fetch error. Set ERROR, save, acknowledge — never loop-retry
		// on upstream errors (spec §4.6 step 7).
		msg := err.Error()
		r.Status = models.StatusError
		r.ErrorMessage = &msg
		if saveErr := w.store.SaveRequest(ctx, r); saveErr != nil {
			return fmt.Errorf("worker: save request after fetch error: %w", saveErr)
		}
		w.cache.EvictRequest(key.String())
		if log != nil {
			log.WithError(err).Warn("worker: external fetch failed, marked request ERROR")
		}
		return nil // acknowledge
	}

	landmarks := make([]models.LandmarkRecord, 0, len(fetched))
	for _, f := range fetched {
		lr, err := w.persistLandmark(ctx, r, f)
		if err != nil {
			w.markErrorBestEffort(ctx, r, err)
			return fmt.Errorf("worker: persist landmark: %w", err)
		}
		landmarks = append(landmarks, lr)
	}

	if len(landmarks) > 0 {
		r.Status = models.StatusFound
	} else {
		r.Status = models.StatusEmpty
	}
	w.cache.PutLandmarks(key.String(), projectAll(landmarks))

	if err := w.store.SaveRequest(ctx, r); err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return fmt.Errorf("worker: save request after fetch: %w", err)
	}
	w.cache.EvictRequest(key.String())
	return nil // acknowledge
}

// persistLandmark inserts a new LandmarkRecord, or reuses an existing live
// row for the same (osmType, osmId) owned by another request, per spec §9's
// landmark-reuse note (Open-Question resolution (a): a join table plus a
// global partial-unique on (osm_type, osm_id)). Each unexpected failure
// best-effort marks r as ERROR before returning, since a caller that leaves
// the message unacknowledged still wants R to reflect the failure in the
// meantime (spec §4.6 step 8).
func (w *Worker) persistLandmark(ctx context.Context, r *models.RequestRecord, f overpass.FetchedLandmark) (models.LandmarkRecord, error) {
	existing, err := w.store.FindLiveLandmarkByOSM(ctx, f.OSMType, f.OSMID)
	if err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return models.LandmarkRecord{}, err
	}
	if existing != nil {
		if err := w.store.LinkRequestLandmark(ctx, r.ID, existing.ID); err != nil {
			w.markErrorBestEffort(ctx, r, err)
			return models.LandmarkRecord{}, err
		}
		return *existing, nil
	}

	var name *string
	if f.Name != "" {
		n := f.Name
		name = &n
	}
	lr := &models.LandmarkRecord{
		ID:      uuid.New(),
		OSMType: f.OSMType,
		OSMID:   f.OSMID,
		Name:    name,
		Lat:     f.Lat,
		Lng:     f.Lng,
		Tags:    f.Tags,
	}
	if err := w.store.SaveLandmark(ctx, lr); err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return models.LandmarkRecord{}, err
	}
	if err := w.store.LinkRequestLandmark(ctx, r.ID, lr.ID); err != nil {
		w.markErrorBestEffort(ctx, r, err)
		return models.LandmarkRecord{}, err
	}
	return *lr, nil
}

// SweepStalePending resolves the §9 "PENDING starvation" open question: it
// re-enqueues live PENDING records whose updated_at is older than olderThan,
// so a worker crash mid-processing doesn't leave a record PENDING forever.
func (w *Worker) SweepStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := w.now().Add(-olderThan)
	// The record set isn't known yet at this point, so there is no R to
	// best-effort mark: nothing has been read that names a specific request.
	stale, err := w.store.FindStalePendingRequests(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("worker: sweep stale pending: %w", err)
	}
	for _, r := range stale {
		err := w.queue.Enqueue(ctx, queue.ProcessingMessage{
			RequestID:    r.ID,
			KeyLat:       r.KeyLat,
			KeyLng:       r.KeyLng,
			RadiusMeters: r.RadiusMeters,
		})
		if err != nil {
			rc := r
			w.markErrorBestEffort(ctx, &rc, err)
			return 0, fmt.Errorf("worker: re-enqueue stale pending %s: %w", r.ID, err)
		}
	}
	if w.log != nil && len(stale) > 0 {
		w.log.WithField("count", len(stale)).Info("worker: re-enqueued stale PENDING requests")
	}
	return len(stale), nil
}

// markErrorBestEffort implements spec §4.6 step 8's best-effort ERROR mark:
// it attempts to record r as ERROR before the caller returns its
// unacknowledged error, swallowing any failure from the attempt itself since
// the message is left unacknowledged regardless.
func (w *Worker) markErrorBestEffort(ctx context.Context, r *models.RequestRecord, cause error) {
	msg := cause.Error()
	errRecord := *r
	errRecord.Status = models.StatusError
	errRecord.ErrorMessage = &msg
	if err := w.store.SaveRequest(ctx, &errRecord); err != nil && w.log != nil {
		w.log.WithError(err).WithField("requestId", r.ID).Warn("worker: best-effort ERROR mark failed")
	}
}

func projectAll(landmarks []models.LandmarkRecord) []models.LandmarkProjection {
	out := make([]models.LandmarkProjection, 0, len(landmarks))
	for _, l := range landmarks {
		out = append(out, models.ProjectLandmark(l))
	}
	return out
}
