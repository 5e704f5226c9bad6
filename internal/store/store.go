// Package store implements C3, the persistent store for RequestRecord and
// LandmarkRecord. It follows the teacher's internal/store/store.go shape
// (jmoiron/sqlx + lib/pq, hand-written migrations in RunMigrations,
// ON CONFLICT upserts) generalized to spec §4.3's soft-delete and
// partial-unique-index contract, plus the request_landmark join table that
// resolves the §9 landmark-reuse open question.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nitesh/landmarkd/internal/coordkey"
	"github.com/nitesh/landmarkd/pkg/models"
)

const maxErrorMessageLen = 1000

// uniqueViolation is Postgres's SQLSTATE for a unique-constraint violation,
// used to detect the losing side of a concurrent insert race (spec §4.5.1).
const uniqueViolation = "23505"

// Store is the C3 contract, mirroring spec §4.3.
type Store interface {
	FindLiveRequestByKey(ctx context.Context, k coordkey.CanonicalKey) (*models.RequestRecord, error)
	FindRequestByID(ctx context.Context, id uuid.UUID) (*models.RequestRecord, error)
	SaveRequest(ctx context.Context, r *models.RequestRecord) error
	SoftDeleteRequest(ctx context.Context, id uuid.UUID) error

	FindLandmarksByRequestID(ctx context.Context, requestID uuid.UUID) ([]models.LandmarkRecord, error)
	FindLiveLandmarkByOSM(ctx context.Context, osmType string, osmID int64) (*models.LandmarkRecord, error)
	SaveLandmark(ctx context.Context, l *models.LandmarkRecord) error
	SoftDeleteLandmark(ctx context.Context, id uuid.UUID) error
	LinkRequestLandmark(ctx context.Context, requestID, landmarkID uuid.UUID) error

	// FindStalePendingRequests lists live PENDING records whose updated_at is
	// older than the given cutoff, for the §9 PENDING-starvation sweeper.
	FindStalePendingRequests(ctx context.Context, updatedBefore time.Time) ([]models.RequestRecord, error)

	// WithTx runs fn inside one transaction, matching the single-transaction
	// boundary spec §4.3/§4.5.1/§4.6 requires for C5 and C6 operations.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, letting callers implement spec §4.5.1's "loser re-reads"
// fallback.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

// PgStore is the sqlx-backed Store implementation.
type PgStore struct {
	db execer
}

type execer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// NewPgStore wraps an open *sql.DB, in the teacher's NewPgStore style.
func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: sqlx.NewDb(db, "postgres")}
}

// RunMigrations creates the schema if absent, in the teacher's inline
// RunMigrations style (out of scope per spec §1 to design real migration
// tooling; this is the same "idempotent CREATE TABLE IF NOT EXISTS" the
// teacher ships).
func RunMigrations(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS request_record(
  id UUID PRIMARY KEY,
  key_lat NUMERIC(9,6) NOT NULL,
  key_lng NUMERIC(9,6) NOT NULL,
  radius_m INT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('PENDING','FOUND','EMPTY','ERROR')),
  error_message TEXT,
  requested_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  deleted_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS request_record_live_key
  ON request_record(key_lat, key_lng, radius_m) WHERE deleted_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_request_record_status ON request_record(status);

CREATE TABLE IF NOT EXISTS landmark_record(
  id UUID PRIMARY KEY,
  osm_type TEXT NOT NULL CHECK (osm_type IN ('way','relation','node')),
  osm_id BIGINT NOT NULL,
  name TEXT,
  lat NUMERIC(9,6) NOT NULL,
  lng NUMERIC(9,6) NOT NULL,
  tags JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  deleted_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS landmark_record_live_osm
  ON landmark_record(osm_type, osm_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS request_landmark(
  request_id UUID NOT NULL REFERENCES request_record(id),
  landmark_id UUID NOT NULL REFERENCES landmark_record(id),
  PRIMARY KEY (request_id, landmark_id)
);
`
	_, err := db.Exec(ddl)
	return err
}

func (p *PgStore) FindLiveRequestByKey(ctx context.Context, k coordkey.CanonicalKey) (*models.RequestRecord, error) {
	var r models.RequestRecord
	const q = `
SELECT id, key_lat, key_lng, radius_m, status, error_message, requested_at, updated_at, deleted_at
FROM request_record
WHERE key_lat = $1 AND key_lng = $2 AND radius_m = $3 AND deleted_at IS NULL
`
	err := p.db.GetContext(ctx, &r, q, k.KeyLat, k.KeyLng, k.RadiusMeters)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find live request by key: %w", err)
	}
	return &r, nil
}

func (p *PgStore) FindRequestByID(ctx context.Context, id uuid.UUID) (*models.RequestRecord, error) {
	var r models.RequestRecord
	const q = `
SELECT id, key_lat, key_lng, radius_m, status, error_message, requested_at, updated_at, deleted_at
FROM request_record
WHERE id = $1 AND deleted_at IS NULL
`
	err := p.db.GetContext(ctx, &r, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find request by id: %w", err)
	}
	return &r, nil
}

func (p *PgStore) SaveRequest(ctx context.Context, r *models.RequestRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.ErrorMessage != nil {
		truncated := truncateErrorMessage(*r.ErrorMessage)
		r.ErrorMessage = &truncated
	}

	const q = `
INSERT INTO request_record (id, key_lat, key_lng, radius_m, status, error_message, requested_at, updated_at, deleted_at)
VALUES (:id, :key_lat, :key_lng, :radius_m, :status, :error_message, :requested_at, :updated_at, :deleted_at)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  error_message = EXCLUDED.error_message,
  updated_at = EXCLUDED.updated_at,
  deleted_at = EXCLUDED.deleted_at
`
	stmt, err := prepareNamed(ctx, p.db, q)
	if err != nil {
		return fmt.Errorf("store: prepare save request: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, r); err != nil {
		return fmt.Errorf("store: save request: %w", err)
	}
	return nil
}

func (p *PgStore) SoftDeleteRequest(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE request_record SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	_, err := p.db.ExecContext(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: soft delete request: %w", err)
	}
	return nil
}

func (p *PgStore) FindLandmarksByRequestID(ctx context.Context, requestID uuid.UUID) ([]models.LandmarkRecord, error) {
	const q = `
SELECT l.id, l.osm_type, l.osm_id, l.name, l.lat, l.lng, l.tags, l.created_at, l.deleted_at
FROM landmark_record l
JOIN request_landmark rl ON rl.landmark_id = l.id
WHERE rl.request_id = $1 AND l.deleted_at IS NULL
`
	var rows []landmarkRow
	if err := p.db.SelectContext(ctx, &rows, q, requestID); err != nil {
		return nil, fmt.Errorf("store: find landmarks by request id: %w", err)
	}
	out := make([]models.LandmarkRecord, 0, len(rows))
	for _, row := range rows {
		lr, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("store: decode landmark tags: %w", err)
		}
		out = append(out, lr)
	}
	return out, nil
}

func (p *PgStore) FindLiveLandmarkByOSM(ctx context.Context, osmType string, osmID int64) (*models.LandmarkRecord, error) {
	const q = `
SELECT id, osm_type, osm_id, name, lat, lng, tags, created_at, deleted_at
FROM landmark_record
WHERE osm_type = $1 AND osm_id = $2 AND deleted_at IS NULL
`
	var row landmarkRow
	err := p.db.GetContext(ctx, &row, q, osmType, osmID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find live landmark by osm: %w", err)
	}
	lr, err := row.toModel()
	if err != nil {
		return nil, fmt.Errorf("store: decode landmark tags: %w", err)
	}
	return &lr, nil
}

func (p *PgStore) SaveLandmark(ctx context.Context, l *models.LandmarkRecord) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	tagsJSON, err := json.Marshal(l.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal landmark tags: %w", err)
	}

	const q = `
INSERT INTO landmark_record (id, osm_type, osm_id, name, lat, lng, tags, created_at, deleted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name,
  lat = EXCLUDED.lat,
  lng = EXCLUDED.lng,
  tags = EXCLUDED.tags,
  deleted_at = EXCLUDED.deleted_at
`
	_, err = p.db.ExecContext(ctx, q, l.ID, l.OSMType, l.OSMID, l.Name, l.Lat, l.Lng, string(tagsJSON), l.CreatedAt, l.DeletedAt)
	if err != nil {
		return fmt.Errorf("store: save landmark: %w", err)
	}
	return nil
}

func (p *PgStore) SoftDeleteLandmark(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE landmark_record SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	_, err := p.db.ExecContext(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: soft delete landmark: %w", err)
	}
	return nil
}

func (p *PgStore) FindStalePendingRequests(ctx context.Context, updatedBefore time.Time) ([]models.RequestRecord, error) {
	const q = `
SELECT id, key_lat, key_lng, radius_m, status, error_message, requested_at, updated_at, deleted_at
FROM request_record
WHERE status = 'PENDING' AND deleted_at IS NULL AND updated_at < $1
`
	var rows []models.RequestRecord
	if err := p.db.SelectContext(ctx, &rows, q, updatedBefore); err != nil {
		return nil, fmt.Errorf("store: find stale pending requests: %w", err)
	}
	return rows, nil
}

func (p *PgStore) LinkRequestLandmark(ctx context.Context, requestID, landmarkID uuid.UUID) error {
	const q = `
INSERT INTO request_landmark (request_id, landmark_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
	_, err := p.db.ExecContext(ctx, q, requestID, landmarkID)
	if err != nil {
		return fmt.Errorf("store: link request landmark: %w", err)
	}
	return nil
}

// WithTx is only meaningful on a *sql.DB-backed PgStore; a PgStore already
// wrapping a transaction (see txStore) runs fn directly against itself, so
// nested WithTx calls compose rather than nest transactions.
func (p *PgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	sqlxDB, ok := p.db.(*sqlx.DB)
	if !ok {
		return fn(p)
	}
	tx, err := sqlxDB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	txStore := &PgStore{db: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

func truncateErrorMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorMessageLen {
		return msg
	}
	return string(runes[:maxErrorMessageLen])
}

// landmarkRow mirrors landmark_record's columns with tags as a raw JSON
// column, since map[string]string doesn't implement sql.Scanner directly.
type landmarkRow struct {
	ID        uuid.UUID  `db:"id"`
	OSMType   string     `db:"osm_type"`
	OSMID     int64      `db:"osm_id"`
	Name      *string    `db:"name"`
	Lat       float64    `db:"lat"`
	Lng       float64    `db:"lng"`
	Tags      []byte     `db:"tags"`
	CreatedAt time.Time  `db:"created_at"`
	DeletedAt *time.Time `db:"deleted_at"`
}

func (row landmarkRow) toModel() (models.LandmarkRecord, error) {
	tags := map[string]string{}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return models.LandmarkRecord{}, err
		}
	}
	return models.LandmarkRecord{
		ID:        row.ID,
		OSMType:   row.OSMType,
		OSMID:     row.OSMID,
		Name:      row.Name,
		Lat:       row.Lat,
		Lng:       row.Lng,
		Tags:      tags,
		CreatedAt: row.CreatedAt,
		DeletedAt: row.DeletedAt,
	}, nil
}

// prepareNamed adapts sqlx's PrepareNamedContext across both *sqlx.DB and
// *sqlx.Tx, which satisfy different concrete types but the same method set.
func prepareNamed(ctx context.Context, db execer, query string) (*sqlx.NamedStmt, error) {
	switch v := db.(type) {
	case *sqlx.DB:
		return v.PrepareNamedContext(ctx, query)
	case *sqlx.Tx:
		return v.PrepareNamedContext(ctx, query)
	default:
		return nil, fmt.Errorf("store: unsupported execer %T", db)
	}
}
