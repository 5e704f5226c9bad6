package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitesh/landmarkd/internal/cache"
	"github.com/nitesh/landmarkd/internal/coordkey"
	"github.com/nitesh/landmarkd/internal/queue"
	"github.com/nitesh/landmarkd/internal/retrieval"
	"github.com/nitesh/landmarkd/internal/store"
	"github.com/nitesh/landmarkd/internal/submission"
	"github.com/nitesh/landmarkd/pkg/models"
)

type fakeStore struct {
	requests       map[uuid.UUID]models.RequestRecord
	landmarksByReq map[uuid.UUID][]models.LandmarkRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests:       map[uuid.UUID]models.RequestRecord{},
		landmarksByReq: map[uuid.UUID][]models.LandmarkRecord{},
	}
}

func (f *fakeStore) FindLiveRequestByKey(ctx context.Context, k coordkey.CanonicalKey) (*models.RequestRecord, error) {
	for _, r := range f.requests {
		if r.DeletedAt == nil && r.KeyLat == k.KeyLat && r.KeyLng == k.KeyLng && r.RadiusMeters == k.RadiusMeters {
			rc := r
			return &rc, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindRequestByID(ctx context.Context, id uuid.UUID) (*models.RequestRecord, error) {
	r, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *fakeStore) SaveRequest(ctx context.Context, r *models.RequestRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	f.requests[r.ID] = *r
	return nil
}

func (f *fakeStore) SoftDeleteRequest(ctx context.Context, id uuid.UUID) error { return nil }

func (f *fakeStore) FindLandmarksByRequestID(ctx context.Context, requestID uuid.UUID) ([]models.LandmarkRecord, error) {
	return append([]models.LandmarkRecord(nil), f.landmarksByReq[requestID]...), nil
}

func (f *fakeStore) FindLiveLandmarkByOSM(ctx context.Context, osmType string, osmID int64) (*models.LandmarkRecord, error) {
	return nil, nil
}
func (f *fakeStore) SaveLandmark(ctx context.Context, l *models.LandmarkRecord) error { return nil }
func (f *fakeStore) SoftDeleteLandmark(ctx context.Context, id uuid.UUID) error       { return nil }
func (f *fakeStore) LinkRequestLandmark(ctx context.Context, requestID, landmarkID uuid.UUID) error {
	return nil
}
func (f *fakeStore) FindStalePendingRequests(ctx context.Context, updatedBefore time.Time) ([]models.RequestRecord, error) {
	return nil, nil
}
func (f *fakeStore) WithTx(ctx context.Context, fn func(store.Store) error) error { return fn(f) }

type fakeQueue struct{}

func (q *fakeQueue) Enqueue(ctx context.Context, msg queue.ProcessingMessage) error { return nil }
func (q *fakeQueue) Subscribe(ctx context.Context, groupID, consumerName string, handler func(context.Context, queue.ProcessingMessage) error) error {
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := newFakeStore()
	c := cache.New(100, time.Hour, nil)
	coordinator := submission.New(st, c, &fakeQueue{}, 500, 24*time.Hour, nil)
	retrievalSvc := retrieval.New(st, c, 500)
	h := NewHandler(coordinator, retrievalSvc, nil)

	r := gin.New()
	RegisterRoutes(r, h, "test-secret")
	return r, st
}

func TestHealthzReturnsOK(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSubmitRequiresBearerToken(t *testing.T) {
	r, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]float64{"lat": 1, "lng": 2})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitAcceptsValidCoordinate(t *testing.T) {
	r, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]float64{"lat": 1, "lng": 2})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	assert.Equal(t, "PENDING", parsed["status"])
}

func TestGetByIDReturns404ForUnknownID(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetByIDReturns400ForMalformedID(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook/not-a-uuid", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLandmarksRequiresQueryParams(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/landmarks", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetLandmarksReturnsEmptyResultForUnknownCoordinate(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/landmarks?lat=1&lng=2", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.LandmarksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "none", resp.Source)
	assert.Empty(t, resp.Landmarks)
}

// TestGetLandmarksResponseMatchesS4Shape asserts the literal field set of
// spec's S4 body: {key:{lat,lng,radiusMeters}, source, landmarks} — no
// top-level count or radiusMeters.
func TestGetLandmarksResponseMatchesS4Shape(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/landmarks?lat=0&lng=0", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.ElementsMatch(t, []string{"key", "source", "landmarks"}, keysOf(raw))

	key, ok := raw["key"].(map[string]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"lat", "lng", "radiusMeters"}, keysOf(key))
}

// TestGetByIDResponseMatchesS1Shape asserts the literal field set of spec's
// S1 body: {key:{lat,lng}, count, radiusMeters, landmarks} — no radiusMeters
// nested under key.
func TestGetByIDResponseMatchesS1Shape(t *testing.T) {
	r, st := newTestRouter(t)
	req := models.RequestRecord{ID: uuid.New(), KeyLat: 1, KeyLng: 2, RadiusMeters: 500, Status: models.StatusEmpty}
	st.requests[req.ID] = req

	httpReq := httptest.NewRequest(http.MethodGet, "/webhook/"+req.ID.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.ElementsMatch(t, []string{"key", "count", "radiusMeters", "landmarks"}, keysOf(raw))

	key, ok := raw["key"].(map[string]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"lat", "lng"}, keysOf(key))
}

func keysOf(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
