package compete

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// Band is a competitor price band for one (property, stay date) pair.
// P10/P50/P90 are percentiles over the rates the upstream observed.
type Band struct {
	P10    float64 `json:"p10"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	Count  int     `json:"count"`
	Source string  `json:"source"`
}

// Key identifies one band lookup.
type Key struct {
	PropertyID string
	Date       string // YYYY-MM-DD
}

func (k Key) String() string {
	return k.PropertyID + ":" + k.Date
}

// Result is the outcome of a band lookup. Missing data is not an error:
// pricing proceeds without the competitive cap, and Degraded explains why.
type Result struct {
	Band     Band
	OK       bool
	Degraded string
}

// ErrNoData is returned by sources when the upstream has no rates for the
// requested pair. The gateway converts it into a missing Result.
var ErrNoData = fmt.Errorf("no competitor data")

// Source fetches competitor bands from an upstream.
type Source interface {
	FetchBand(ctx context.Context, propertyID string, date string) (Band, error)
}

// CoordsFunc resolves a property to coordinates for the mock source.
type CoordsFunc func(propertyID string) (lat, lon float64, ok bool)

// MockSource produces deterministic synthetic bands seeded from property
// coordinates, for offline runs and reproducible tests.
type MockSource struct {
	Coords CoordsFunc
}

// FetchBand synthesizes a band. The same (property, date) always yields the
// same band, and nearby coordinates yield similar medians.
func (m *MockSource) FetchBand(_ context.Context, propertyID string, date string) (Band, error) {
	var lat, lon float64
	if m.Coords != nil {
		if la, lo, ok := m.Coords(propertyID); ok {
			lat, lon = la, lo
		}
	}

	h := fnv.New64a()
	h.Write([]byte(propertyID))
	h.Write([]byte{'|'})
	h.Write([]byte(date))
	seed := h.Sum64()

	// Latitude drives the base level, the hash adds per-pair jitter.
	base := 90.0 + math.Abs(lat)*1.5 + math.Mod(math.Abs(lon), 10)
	jitter := float64(seed%4000)/100.0 - 20.0 // [-20, +20)
	p50 := base + jitter
	if p50 < 40 {
		p50 = 40
	}
	spreadLow := 0.70 + float64(seed%13)/100.0  // 0.70..0.82
	spreadHigh := 1.22 + float64(seed%17)/100.0 // 1.22..1.38

	return Band{
		P10:    round2(p50 * spreadLow),
		P50:    round2(p50),
		P90:    round2(p50 * spreadHigh),
		Count:  5 + int(seed%11),
		Source: "mock",
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// cachedBand is what the band cache stores alongside its write time, so the
// gateway can serve stale entries while revalidating.
type cachedBand struct {
	Band     Band      `json:"band"`
	StoredAt time.Time `json:"stored_at"`
}
