package overpass

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nitesh/landmarkd/internal/apperr"
	"github.com/nitesh/landmarkd/internal/coordkey"
)

// flakyTransport fails its first N round trips with a net.OpError before
// delegating to a real transport, simulating a transient connection failure
// without relying on OS-level socket timing.
type flakyTransport struct {
	failures int32
	delegate http.RoundTripper
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if atomic.AddInt32(&t.failures, -1) >= 0 {
		return nil, &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	}
	return t.delegate.RoundTrip(req)
}

func TestFetchParsesWaysAndRelations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"elements": [
				{"type":"way","id":1,"center":{"lat":1.5,"lon":2.5},"tags":{"tourism":"attraction","name":"Old Bridge"}},
				{"type":"relation","id":2,"center":{"lat":1.6,"lon":2.6},"tags":{"tourism":"museum"}},
				{"type":"unsupported","id":3,"lat":9,"lon":9}
			]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 2, nil)
	key := coordkey.CanonicalKey{KeyLat: 1, KeyLng: 2, RadiusMeters: 500}
	landmarks, err := c.Fetch(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, landmarks, 2)
	assert.Equal(t, "way", landmarks[0].OSMType)
	assert.Equal(t, "Old Bridge", landmarks[0].Name)
	assert.Equal(t, "relation", landmarks[1].OSMType)
}

func TestFetchRetriesTransientTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elements":[]}`))
	}))
	defer srv.Close()

	transport := &flakyTransport{failures: 1, delegate: http.DefaultTransport}
	c := New(srv.URL, time.Second, 2, nil, WithHTTPClient(&http.Client{Transport: transport}))
	key := coordkey.CanonicalKey{KeyLat: 1, KeyLng: 2, RadiusMeters: 500}
	_, err := c.Fetch(context.Background(), key)
	require.NoError(t, err, "a single transient transport failure must be retried and eventually succeed")
}

func TestFetchDoesNotRetryHTTPStatusErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 3, nil)
	key := coordkey.CanonicalKey{KeyLat: 1, KeyLng: 2, RadiusMeters: 500}
	_, err := c.Fetch(context.Background(), key)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "HTTP status errors must not be retried")

	var extErr *apperr.ExternalError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, apperr.ExternalHTTPStatus, extErr.Kind)
}

func TestFetchSurfacesTimeoutAsExternalTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elements":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Millisecond, 0, nil)
	key := coordkey.CanonicalKey{KeyLat: 1, KeyLng: 2, RadiusMeters: 500}
	_, err := c.Fetch(context.Background(), key)
	require.Error(t, err)

	var extErr *apperr.ExternalError
	require.ErrorAs(t, err, &extErr)
	assert.Equal(t, apperr.ExternalTimeout, extErr.Kind)
}

func TestBuildQueryIncludesRadiusAndCoordinates(t *testing.T) {
	key := coordkey.CanonicalKey{KeyLat: 12.3456, KeyLng: -98.7654, RadiusMeters: 750}
	q := buildQuery(key)
	assert.Contains(t, q, "around:750,12.3456,-98.7654")
	assert.Contains(t, q, "[tourism]")
}
