package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartstream/internal/domain"
)

func sampleSnapshot() domain.ChartSnapshot {
	return domain.ChartSnapshot{
		Region:     "US",
		RegionName: "United States",
		Tracks: []domain.TrackStat{
			{TrackID: "t1", Name: "Song A", Artist: "Artist A", Album: "Album A", Rank: 1, Popularity: 90, DurationMS: 200000},
			{TrackID: "t2", Name: "Song B", Artist: "Artist B", Album: "Album B", Rank: 2, Popularity: 80, DurationMS: 180000, Explicit: true},
		},
		FetchedAtUTC: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}
}

func TestBuildKeyAndHeaders(t *testing.T) {
	msg, err := Build(sampleSnapshot())
	require.NoError(t, err)

	assert.Equal(t, "US:2026-08-29T12:00:00Z", msg.Key)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, SchemaVersion, headers["schema-version"])
	assert.Equal(t, ProducerName, headers["source"])
	assert.Equal(t, "application/json", headers["content-type"])
}

func TestBuildPayloadShape(t *testing.T) {
	msg, err := Build(sampleSnapshot())
	require.NoError(t, err)

	var got struct {
		MessageID string               `json:"message_id"`
		Chart     domain.ChartSnapshot `json:"chart"`
		Producer  struct {
			Name          string `json:"name"`
			Version       string `json:"version"`
			SchemaVersion string `json:"schema_version"`
		} `json:"producer"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &got))

	assert.NotEmpty(t, got.MessageID)
	assert.Equal(t, domain.Region("US"), got.Chart.Region)
	assert.Len(t, got.Chart.Tracks, 2)
	assert.Equal(t, ProducerName, got.Producer.Name)
	assert.Equal(t, ProducerVersion, got.Producer.Version)
	assert.Equal(t, SchemaVersion, got.Producer.SchemaVersion)
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(sampleSnapshot())
	require.NoError(t, err)
	b, err := Build(sampleSnapshot())
	require.NoError(t, err)

	assert.Equal(t, a.Key, b.Key)
	assert.Equal(t, a.Value, b.Value, "identical snapshots yield byte-identical payloads")
}

func TestBuildNonUTCTimestampNormalized(t *testing.T) {
	loc := time.FixedZone("CET", 2*60*60)
	snap := sampleSnapshot()
	snap.FetchedAtUTC = time.Date(2026, 8, 29, 14, 0, 0, 0, loc)

	msg, err := Build(snap)
	require.NoError(t, err)
	assert.Equal(t, "US:2026-08-29T12:00:00Z", msg.Key)
}

func TestBuildRejectsInvalidSnapshots(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.ChartSnapshot)
	}{
		{"empty region", func(s *domain.ChartSnapshot) { s.Region = "" }},
		{"no tracks", func(s *domain.ChartSnapshot) { s.Tracks = nil }},
		{"zero timestamp", func(s *domain.ChartSnapshot) { s.FetchedAtUTC = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := sampleSnapshot()
			tc.mutate(&snap)
			_, err := Build(snap)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}
