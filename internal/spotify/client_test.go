package spotify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartstream/internal/domain"
)

type staticTokens struct {
	tok AccessToken
	err error
}

func (s staticTokens) Token(context.Context) (AccessToken, error) {
	return s.tok, s.err
}

func validTokens() staticTokens {
	return staticTokens{tok: AccessToken{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}}
}

const searchBody = `{"playlists":{"items":[{"id":"pl1"}]}}`

const tracksBody = `{"items":[
	{"track":{"id":"t1","name":"Song A","artists":[{"name":"Artist A"}],"album":{"name":"Album A"},"popularity":90,"duration_ms":200000,"explicit":false}},
	{"track":{"id":"t2","name":"Song B","artists":[{"name":"Artist B"}],"album":{"name":"Album B"},"popularity":80,"duration_ms":180000,"explicit":true}},
	{"track":null},
	{"track":{"id":"","name":"ghost"}}
]}`

func newAPIServer(t *testing.T, search, tracks http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search", search)
	mux.HandleFunc("/playlists/", tracks)
	srv := httptest.NewServer(mux)
	srv.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, tokens TokenSource, maxRetries int) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:      srv.URL,
		FetchLimit:   50,
		MaxRetries:   maxRetries,
		RetryBackoff: time.Millisecond,
	}, tokens, srv.Client())
	require.NoError(t, err)
	return c
}

func TestFetchRegionSuccess(t *testing.T) {
	srv := newAPIServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			assert.Equal(t, "GB", r.URL.Query().Get("market"))
			w.Write([]byte(searchBody))
		},
		func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.URL.Path, "pl1")
			w.Write([]byte(tracksBody))
		},
	)
	c := newTestClient(t, srv, validTokens(), 3)

	snap, err := c.FetchRegion(context.Background(), "GB")
	require.NoError(t, err)
	assert.Equal(t, domain.Region("GB"), snap.Region)
	assert.Equal(t, "United Kingdom", snap.RegionName)
	assert.False(t, snap.FetchedAtUTC.IsZero())

	// Null and id-less entries are dropped, ranks follow list order.
	require.Len(t, snap.Tracks, 2)
	assert.Equal(t, "t1", snap.Tracks[0].TrackID)
	assert.Equal(t, 1, snap.Tracks[0].Rank)
	assert.Equal(t, "Artist A", snap.Tracks[0].Artist)
	assert.Equal(t, "t2", snap.Tracks[1].TrackID)
	assert.Equal(t, 2, snap.Tracks[1].Rank)
	assert.True(t, snap.Tracks[1].Explicit)
}

func TestFetchRegionRateLimitedThenSuccess(t *testing.T) {
	var searchCalls atomic.Int32
	srv := newAPIServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			if searchCalls.Add(1) == 1 {
				w.Header().Set("Retry-After", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(searchBody))
		},
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(tracksBody)) },
	)
	c := newTestClient(t, srv, validTokens(), 3)

	snap, err := c.FetchRegion(context.Background(), "US")
	require.NoError(t, err)
	assert.Len(t, snap.Tracks, 2)
	assert.Equal(t, int32(2), searchCalls.Load())
}

func TestFetchRegionTransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := newAPIServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		},
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(tracksBody)) },
	)
	c := newTestClient(t, srv, validTokens(), 2)

	_, err := c.FetchRegion(context.Background(), "US")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchTransient, fe.Kind)
	assert.True(t, fe.Retryable())
	assert.Equal(t, int32(2), calls.Load(), "bounded attempt count")
}

func TestFetchRegionMalformedNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newAPIServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.Write([]byte(`{"playlists":`))
		},
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(tracksBody)) },
	)
	c := newTestClient(t, srv, validTokens(), 3)

	_, err := c.FetchRegion(context.Background(), "US")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchMalformed, fe.Kind)
	assert.False(t, fe.Retryable())
	assert.Equal(t, int32(1), calls.Load(), "malformed responses are reported immediately")
}

func TestFetchRegionAuthFailurePropagated(t *testing.T) {
	srv := newAPIServer(t,
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(searchBody)) },
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(tracksBody)) },
	)
	authErr := &AuthError{Reason: AuthReasonCredentials, Err: errors.New("invalid_client")}
	c := newTestClient(t, srv, staticTokens{err: authErr}, 3)

	_, err := c.FetchRegion(context.Background(), "US")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchAuth, fe.Kind)
	assert.ErrorIs(t, err, authErr)
}

func TestFetchRegionNoPlaylistYieldsEmptySnapshot(t *testing.T) {
	srv := newAPIServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"playlists":{"items":[]}}`))
		},
		func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(tracksBody)) },
	)
	c := newTestClient(t, srv, validTokens(), 3)

	snap, err := c.FetchRegion(context.Background(), "XX")
	require.NoError(t, err)
	assert.Empty(t, snap.Tracks)
	assert.Equal(t, "XX", snap.RegionName)
}

func TestRegionName(t *testing.T) {
	assert.Equal(t, "Sweden", RegionName("SE"))
	assert.Equal(t, "ZZ", RegionName("ZZ"))
}
