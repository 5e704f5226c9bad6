// Package overpass implements C2, the adapter to the external geospatial
// query service. It is shaped after the teacher's internal/llm.Client (a
// timeout'd http.Client wrapping a single upstream endpoint with tolerant
// response parsing) and go-scraper's reviewnote scraper (bounded retry
// around an external content fetch), fetching tourism-attraction elements
// from an Overpass-API-compatible endpoint.
package overpass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/nitesh/landmarkd/internal/apperr"
	"github.com/nitesh/landmarkd/internal/coordkey"
)

// FetchedLandmark is one parsed element from the upstream response, ready to
// be persisted as a LandmarkRecord by the worker.
type FetchedLandmark struct {
	OSMType string
	OSMID   int64
	Name    string
	Lat     float64
	Lng     float64
	Tags    map[string]string
}

// Client fetches nearby tourism-attraction elements from an Overpass-API
// compatible endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	maxRetries int
	log        *logrus.Entry
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client. baseURL is the Overpass interpreter endpoint (e.g.
// "https://overpass-api.de/api/interpreter").
func New(baseURL string, timeout time.Duration, maxRetries int, log *logrus.Entry, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		timeout:    timeout,
		maxRetries: maxRetries,
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type overpassResponse struct {
	Elements []rawElement `json:"elements"`
}

type rawElement struct {
	Type   string            `json:"type"`
	ID     int64             `json:"id"`
	Lat    *float64          `json:"lat"`
	Lon    *float64          `json:"lon"`
	Center *rawCenter        `json:"center"`
	Tags   map[string]any    `json:"tags"`
}

type rawCenter struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Fetch queries the upstream service for tourism-attraction ways and
// relations within key.RadiusMeters of (key.KeyLat, key.KeyLng), per spec
// §4.2. It applies a hard per-request deadline and retries transient
// transport failures (never HTTP status errors) with a fixed 1s delay.
func (c *Client) Fetch(ctx context.Context, key coordkey.CanonicalKey) ([]FetchedLandmark, error) {
	query := buildQuery(key)

	op := func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		body, err := c.doRequest(reqCtx, query)
		if err != nil {
			if isTransientTransportError(reqCtx, err) {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		return body, nil
	}

	respBody, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.NewExternal(apperr.ExternalTimeout, err)
		}
		return nil, wrapTransportErr(err)
	}

	return parseResponse(respBody, c.log)
}

func (c *Client) doRequest(ctx context.Context, query string) ([]byte, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("overpass: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("overpass: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.NewExternal(apperr.ExternalHTTPStatus,
			fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

// buildQuery constructs an Overpass QL query for tourism-attraction ways and
// relations within the given radius, requesting center coordinates for ways
// and relations so a single point can always be extracted.
func buildQuery(key coordkey.CanonicalKey) string {
	around := fmt.Sprintf("around:%s,%s,%s",
		strconv.Itoa(key.RadiusMeters),
		strconv.FormatFloat(key.KeyLat, 'f', -1, 64),
		strconv.FormatFloat(key.KeyLng, 'f', -1, 64))
	return fmt.Sprintf(`[out:json];(way(%s)[tourism];relation(%s)[tourism];);out center;`, around, around)
}

// isTransientTransportError reports whether err is a connection-level
// failure worth retrying (connection refused, DNS, network reset) as opposed
// to an HTTP status error, which spec §4.2 says is never retried.
func isTransientTransportError(ctx context.Context, err error) bool {
	var extErr *apperr.ExternalError
	if errors.As(err, &extErr) {
		return false // HTTP status errors are never retried
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false // handled as a timeout, not a transport retry
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	return errors.As(err, &dnsErr) || errors.As(err, &opErr)
}

func wrapTransportErr(err error) error {
	var extErr *apperr.ExternalError
	if errors.As(err, &extErr) {
		return extErr
	}
	return apperr.NewExternal(apperr.ExternalTransport, err)
}

// parseResponse converts the upstream JSON body into FetchedLandmarks,
// dropping elements of unknown osmType with a warning rather than failing
// the whole fetch, per spec §4.2.
func parseResponse(body []byte, log *logrus.Entry) ([]FetchedLandmark, error) {
	var parsed overpassResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperr.NewExternal(apperr.ExternalBadResponse, fmt.Errorf("decode overpass response: %w", err))
	}

	out := make([]FetchedLandmark, 0, len(parsed.Elements))
	for _, el := range parsed.Elements {
		switch el.Type {
		case "way", "relation", "node":
		default:
			if log != nil {
				log.WithField("osmType", el.Type).Warn("overpass: dropping element of unknown type")
			}
			continue
		}

		lat, lng, ok := elementCoords(el)
		if !ok {
			if log != nil {
				log.WithField("osmId", el.ID).Warn("overpass: dropping element with no coordinates")
			}
			continue
		}

		tags := stringifyTags(el.Tags)
		fl := FetchedLandmark{
			OSMType: el.Type,
			OSMID:   el.ID,
			Lat:     lat,
			Lng:     lng,
			Tags:    tags,
		}
		if name, ok := tags["name"]; ok {
			fl.Name = name
		}
		out = append(out, fl)
	}
	return out, nil
}

func elementCoords(el rawElement) (lat, lng float64, ok bool) {
	if el.Center != nil {
		return el.Center.Lat, el.Center.Lon, true
	}
	if el.Lat != nil && el.Lon != nil {
		return *el.Lat, *el.Lon, true
	}
	return 0, 0, false
}

func stringifyTags(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprintf("%v", val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
