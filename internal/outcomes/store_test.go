package outcomes

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestAppendAndDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	final := 240.0
	o := Outcome{
		Timestamp:   ts("2025-07-20T14:00:00Z"),
		QuotedPrice: 240,
		Accepted:    true,
		FinalPrice:  &final,
	}

	res, err := s.Append(ctx, "P1", []Outcome{o})
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Stored: 1}, res)

	// Resubmitting the identical outcome stores nothing new.
	res, err = s.Append(ctx, "P1", []Outcome{o})
	require.NoError(t, err)
	assert.Equal(t, AppendResult{Duplicates: 1}, res)

	st, err := s.GetStats(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestDuplicateLatestWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := Outcome{Timestamp: ts("2025-07-20T14:00:00Z"), QuotedPrice: 200, Accepted: false}
	_, err := s.Append(ctx, "P1", []Outcome{o})
	require.NoError(t, err)

	o.Accepted = true
	_, err = s.Append(ctx, "P1", []Outcome{o})
	require.NoError(t, err)

	rows, err := s.Query(ctx, "P1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Accepted)
}

func TestAppendSkipsInvalidRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []Outcome{
		{Timestamp: ts("2025-07-20T14:00:00Z"), QuotedPrice: 150, Accepted: true},
		{Timestamp: ts("2025-07-21T14:00:00Z"), QuotedPrice: -5, Accepted: true},      // bad price
		{QuotedPrice: 120, Accepted: false},                                           // missing timestamp
		{PropertyID: "OTHER", Timestamp: ts("2025-07-22T14:00:00Z"), QuotedPrice: 90}, // wrong property
	}
	res, err := s.Append(ctx, "P1", batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
	assert.Equal(t, 3, res.Invalid)
}

func TestQueryRangeAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var batch []Outcome
	for d := 1; d <= 10; d++ {
		batch = append(batch, Outcome{
			Timestamp:   time.Date(2025, 7, d, 12, 0, 0, 0, time.UTC),
			QuotedPrice: float64(100 + d),
			Accepted:    d%2 == 0,
			Context:     map[string]float64{"lead_days": float64(d)},
		})
	}
	_, err := s.Append(ctx, "P1", batch)
	require.NoError(t, err)

	start := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 7, 7, 23, 0, 0, 0, time.UTC)
	rows, err := s.Query(ctx, "P1", &start, &end, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.True(t, rows[0].Timestamp.Before(rows[len(rows)-1].Timestamp))
	assert.Equal(t, 3.0, rows[0].Context["lead_days"])

	limited, err := s.Query(ctx, "P1", nil, nil, 4)
	require.NoError(t, err)
	assert.Len(t, limited, 4)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	s.now = func() time.Time { return time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	_, err := s.Append(ctx, "P1", []Outcome{
		{Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), QuotedPrice: 100, Accepted: true},
		{Timestamp: time.Date(2025, 7, 8, 0, 0, 0, 0, time.UTC), QuotedPrice: 200, Accepted: false},
	})
	require.NoError(t, err)

	st, err := s.GetStats(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.InDelta(t, 0.5, st.AcceptanceRate, 1e-9)
	assert.InDelta(t, 150.0, st.AvgQuoted, 1e-9)
	assert.Equal(t, 1, st.Last7Days)
	require.NotNil(t, st.FirstTimestamp)
	assert.Equal(t, time.June, st.FirstTimestamp.Month())
}

func TestExportWritesCSV(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "P1", []Outcome{
		{Timestamp: ts("2025-07-20T14:00:00Z"), QuotedPrice: 240, Accepted: true},
	})
	require.NoError(t, err)

	path, err := s.Export(ctx, "P1", nil, nil, t.TempDir())
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "quoted_price")
	assert.Contains(t, lines[1], "240")
}

func TestDeleteRetentionSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "P1", []Outcome{
		{Timestamp: ts("2025-01-01T00:00:00Z"), QuotedPrice: 100},
		{Timestamp: ts("2025-07-01T00:00:00Z"), QuotedPrice: 120},
	})
	require.NoError(t, err)

	cutoff := ts("2025-06-01T00:00:00Z")
	n, err := s.Delete(ctx, "P1", &cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.Query(ctx, "P1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 120.0, rows[0].QuotedPrice)
}

func TestProperties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, "P2", []Outcome{{Timestamp: ts("2025-07-01T00:00:00Z"), QuotedPrice: 1}})
	require.NoError(t, err)
	_, err = s.Append(ctx, "P1", []Outcome{{Timestamp: ts("2025-07-01T00:00:00Z"), QuotedPrice: 1}})
	require.NoError(t, err)

	props, err := s.Properties(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2"}, props)
}
