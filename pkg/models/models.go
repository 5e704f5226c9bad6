// Package models defines the core domain types shared across the ingestion,
// worker, and retrieval layers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a RequestRecord. Only PENDING is
// non-terminal; every other state is reached at most once per record.
type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusFound   RequestStatus = "FOUND"
	StatusEmpty   RequestStatus = "EMPTY"
	StatusError   RequestStatus = "ERROR"
)

// RequestRecord is the primary aggregate: one row per canonical coordinate key
// that is currently live (deleted_at IS NULL) or has been soft-deleted by a
// refresh.
type RequestRecord struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	KeyLat       float64       `db:"key_lat" json:"-"`
	KeyLng       float64       `db:"key_lng" json:"-"`
	RadiusMeters int           `db:"radius_m" json:"-"`
	Status       RequestStatus `db:"status" json:"status"`
	ErrorMessage *string       `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt    time.Time     `db:"requested_at" json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`
	DeletedAt    *time.Time    `db:"deleted_at" json:"-"`
}

// Age returns how long ago the record was created, relative to now.
func (r RequestRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// LandmarkRecord is a point-of-interest fetched from the external geospatial
// service, owned (created) by a RequestRecord but potentially shared across
// many requests through the request_landmark join table (see DESIGN.md's
// Open-Question decision on landmark reuse).
type LandmarkRecord struct {
	ID        uuid.UUID         `db:"id" json:"id"`
	OSMType   string            `db:"osm_type" json:"osmType"`
	OSMID     int64             `db:"osm_id" json:"osmId"`
	Name      *string           `db:"name" json:"name,omitempty"`
	Lat       float64           `db:"lat" json:"lat"`
	Lng       float64           `db:"lng" json:"lng"`
	Tags      map[string]string `db:"-" json:"tags"`
	CreatedAt time.Time         `db:"created_at" json:"-"`
	DeletedAt *time.Time        `db:"deleted_at" json:"-"`
}

// LandmarkProjection is the read-shape returned to API clients and cached
// under the "landmarks" namespace: a flattened, JSON-ready view of a
// LandmarkRecord.
type LandmarkProjection struct {
	ID      uuid.UUID         `json:"id"`
	Name    *string           `json:"name,omitempty"`
	OSMType string            `json:"osmType"`
	OSMID   int64             `json:"osmId"`
	Lat     float64           `json:"lat"`
	Lng     float64           `json:"lng"`
	Tags    map[string]string `json:"tags"`
}

// ProjectLandmark converts a stored LandmarkRecord into its wire projection.
func ProjectLandmark(l LandmarkRecord) LandmarkProjection {
	tags := l.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return LandmarkProjection{
		ID:      l.ID,
		Name:    l.Name,
		OSMType: l.OSMType,
		OSMID:   l.OSMID,
		Lat:     l.Lat,
		Lng:     l.Lng,
		Tags:    tags,
	}
}

// WebhookResponseKey is the coordinate echoed back by GET /webhook/{id},
// deliberately narrower than LandmarksResponseKey: in spec §6.1's S1 body the
// key holds only lat/lng, and radiusMeters sits at the top level of
// WebhookResponse instead.
type WebhookResponseKey struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// WebhookResponse is the JSON body returned by GET /webhook/{id} once a
// request has left PENDING.
type WebhookResponse struct {
	Key          WebhookResponseKey   `json:"key"`
	Count        int                  `json:"count"`
	RadiusMeters int                  `json:"radiusMeters"`
	Landmarks    []LandmarkProjection `json:"landmarks"`
}

// LandmarksResponseKey is the coordinate echoed back by GET /landmarks; unlike
// WebhookResponseKey it carries radiusMeters, and the response has no
// top-level count or radiusMeters field of its own.
type LandmarksResponseKey struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters int     `json:"radiusMeters"`
}

// LandmarksResponse is the JSON body returned by GET /landmarks.
type LandmarksResponse struct {
	Key       LandmarksResponseKey `json:"key"`
	Source    string               `json:"source"`
	Landmarks []LandmarkProjection `json:"landmarks"`
}
