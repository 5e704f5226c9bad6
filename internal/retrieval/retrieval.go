// Package retrieval implements C7, serving GET-by-ID and GET-by-coordinate
// reads cache-first with store fallback and cache fill, per spec §4.7.
package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nitesh/landmarkd/internal/cache"
	"github.com/nitesh/landmarkd/internal/coordkey"
	"github.com/nitesh/landmarkd/internal/store"
	"github.com/nitesh/landmarkd/pkg/models"
)

// State discriminates the three outcomes of GetByID, letting internal/api
// map to the 202/200/404 split of spec §4.7.1 without this package knowing
// about HTTP status codes.
type State int

const (
	StateFound State = iota
	StateNotReady
	StateNotFound
)

// Service is C7.
type Service struct {
	store        store.Store
	cache        *cache.Cache
	radiusMeters int
}

func New(st store.Store, c *cache.Cache, radiusMeters int) *Service {
	return &Service{store: st, cache: c, radiusMeters: radiusMeters}
}

// GetByID implements spec §4.7.1.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (models.WebhookResponse, State, error) {
	r, err := s.store.FindRequestByID(ctx, id)
	if err != nil {
		return models.WebhookResponse{}, StateNotFound, fmt.Errorf("retrieval: find request by id: %w", err)
	}
	if r == nil {
		return models.WebhookResponse{}, StateNotFound, nil
	}
	if r.Status == models.StatusPending {
		return models.WebhookResponse{}, StateNotReady, nil
	}

	key := coordkey.CanonicalKey{KeyLat: r.KeyLat, KeyLng: r.KeyLng, RadiusMeters: r.RadiusMeters}
	projections, ok := s.cache.GetLandmarks(key.String())
	if !ok {
		landmarks, err := s.store.FindLandmarksByRequestID(ctx, r.ID)
		if err != nil {
			return models.WebhookResponse{}, StateNotFound, fmt.Errorf("retrieval: load landmarks: %w", err)
		}
		projections = projectAll(landmarks)
		s.cache.PutLandmarks(key.String(), projections)
	}

	return buildWebhookResponse(key, projections), StateFound, nil
}

// GetByCoordinates implements spec §4.7.2, including the three-way `source`
// discrimination ("cache" | "db" | "none") that spec §8.2's S3/S4 scenarios
// exercise directly. The query radius is the service's own configured
// constant, not a per-call parameter, per spec §6.1's fixed-radius model.
func (s *Service) GetByCoordinates(ctx context.Context, lat, lng float64) (models.LandmarksResponse, error) {
	key, err := coordkey.Canonicalize(lat, lng, s.radiusMeters)
	if err != nil {
		return models.LandmarksResponse{}, err
	}

	if projections, ok := s.cache.GetLandmarks(key.String()); ok {
		return buildLandmarksResponse(key, projections, "cache"), nil
	}

	r, ok := s.cache.GetRequest(key.String())
	if !ok {
		found, err := s.store.FindLiveRequestByKey(ctx, key)
		if err != nil {
			return models.LandmarksResponse{}, fmt.Errorf("retrieval: find live request by key: %w", err)
		}
		if found == nil {
			return buildLandmarksResponse(key, nil, "none"), nil
		}
		r = *found
		s.cache.PutRequest(key.String(), r)
	}

	landmarks, err := s.store.FindLandmarksByRequestID(ctx, r.ID)
	if err != nil {
		return models.LandmarksResponse{}, fmt.Errorf("retrieval: load landmarks: %w", err)
	}
	projections := projectAll(landmarks)
	if len(projections) > 0 {
		s.cache.PutLandmarks(key.String(), projections)
	}
	return buildLandmarksResponse(key, projections, "db"), nil
}

func buildWebhookResponse(key coordkey.CanonicalKey, projections []models.LandmarkProjection) models.WebhookResponse {
	if projections == nil {
		projections = []models.LandmarkProjection{}
	}
	return models.WebhookResponse{
		Key: models.WebhookResponseKey{
			Lat: key.KeyLat,
			Lng: key.KeyLng,
		},
		Count:        len(projections),
		RadiusMeters: key.RadiusMeters,
		Landmarks:    projections,
	}
}

func buildLandmarksResponse(key coordkey.CanonicalKey, projections []models.LandmarkProjection, source string) models.LandmarksResponse {
	if projections == nil {
		projections = []models.LandmarkProjection{}
	}
	return models.LandmarksResponse{
		Key: models.LandmarksResponseKey{
			Lat:          key.KeyLat,
			Lng:          key.KeyLng,
			RadiusMeters: key.RadiusMeters,
		},
		Source:    source,
		Landmarks: projections,
	}
}

func projectAll(landmarks []models.LandmarkRecord) []models.LandmarkProjection {
	out := make([]models.LandmarkProjection, 0, len(landmarks))
	for _, l := range landmarks {
		out = append(out, models.ProjectLandmark(l))
	}
	return out
}
