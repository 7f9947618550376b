package compete

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// transientError marks failures worth retrying (transport errors, 5xx, 429).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	_, ok := err.(*transientError)
	if ok {
		return true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return IsTransient(u.Unwrap())
	}
	return false
}

// HTTPSource fetches competitor bands from the backend rates API.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPSourceConfig configures the backend rates client.
type HTTPSourceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// RatePerSec caps outbound request rate; the upstream bans noisy tenants.
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// DefaultHTTPSourceConfig returns production-ready client settings.
func DefaultHTTPSourceConfig() HTTPSourceConfig {
	return HTTPSourceConfig{
		BaseURL:    "http://localhost:8090",
		Timeout:    5 * time.Second,
		RatePerSec: 20,
		Burst:      40,
	}
}

// NewHTTPSource creates a rate-limited backend rates client.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSec) * 2
	}
	return &HTTPSource{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

type bandPayload struct {
	P10    *float64 `json:"p10"`
	P50    *float64 `json:"p50"`
	P90    *float64 `json:"p90"`
	Count  int      `json:"count"`
	Source string   `json:"source"`
}

// FetchBand queries GET /v1/competitor-rates for one (property, date) pair.
// Transport failures, 5xx and 429 come back as transient errors; an empty
// payload or 404 maps to ErrNoData.
func (s *HTTPSource) FetchBand(ctx context.Context, propertyID string, date string) (Band, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Band{}, &transientError{err: err}
	}

	q := url.Values{}
	q.Set("property_id", propertyID)
	q.Set("date", date)
	u := s.baseURL + "/v1/competitor-rates?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Band{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "roamrate/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return Band{}, &transientError{err: fmt.Errorf("competitor rates fetch: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return Band{}, ErrNoData
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Band{}, &transientError{err: fmt.Errorf("competitor rates %d: %s", resp.StatusCode, body)}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Band{}, fmt.Errorf("competitor rates %d: %s", resp.StatusCode, body)
	}

	var payload bandPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Band{}, &transientError{err: fmt.Errorf("decode band: %w", err)}
	}
	if payload.P50 == nil {
		return Band{}, ErrNoData
	}

	band := Band{P50: *payload.P50, Count: payload.Count, Source: payload.Source}
	if band.Source == "" {
		band.Source = "backend"
	}
	if payload.P10 != nil {
		band.P10 = *payload.P10
	} else {
		band.P10 = band.P50
	}
	if payload.P90 != nil {
		band.P90 = *payload.P90
	} else {
		band.P90 = band.P50
	}
	if band.P10 > band.P50 || band.P50 > band.P90 || band.P50 <= 0 {
		return Band{}, fmt.Errorf("malformed band p10=%v p50=%v p90=%v", band.P10, band.P50, band.P90)
	}
	return band, nil
}
