package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"chartstream/internal/domain"
)

type FetchKind int

const (
	FetchAuth FetchKind = iota
	FetchRateLimited
	FetchTransient
	FetchMalformed
)

func (k FetchKind) String() string {
	switch k {
	case FetchAuth:
		return "auth"
	case FetchRateLimited:
		return "rate_limited"
	case FetchTransient:
		return "transient"
	case FetchMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FetchError is a per-region fetch failure. A FetchError for one region
// never affects fetches for other regions.
type FetchError struct {
	Region domain.Region
	Kind   FetchKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Region, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the fetch may be re-attempted with backoff.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchRateLimited || e.Kind == FetchTransient
}

// regionNames maps the default region codes to display names carried in
// the snapshot. Unknown codes fall back to the code itself.
var regionNames = map[domain.Region]string{
	"US": "United States", "GB": "United Kingdom", "CA": "Canada",
	"AU": "Australia", "DE": "Germany", "FR": "France", "ES": "Spain",
	"IT": "Italy", "BR": "Brazil", "MX": "Mexico", "AR": "Argentina",
	"CO": "Colombia", "CL": "Chile", "PE": "Peru", "JP": "Japan",
	"KR": "South Korea", "IN": "India", "SE": "Sweden", "NO": "Norway",
}

// RegionName returns the display name for a region code.
func RegionName(region domain.Region) string {
	if name, ok := regionNames[region]; ok {
		return name
	}
	return string(region)
}

type ClientConfig struct {
	BaseURL      string
	FetchLimit   int
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *ClientConfig) withDefaults() {
	if c.FetchLimit <= 0 || c.FetchLimit > 50 {
		c.FetchLimit = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// Client fetches per-region chart snapshots. The upstream API has no
// direct top-tracks-by-country endpoint, so the top playlist matching
// the region is used as the chart source.
type Client struct {
	cfg    ClientConfig
	tokens TokenSource
	httpc  *http.Client
	now    func() time.Time
}

func NewClient(cfg ClientConfig, tokens TokenSource, httpc *http.Client) (*Client, error) {
	cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("spotify base url is required")
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, tokens: tokens, httpc: httpc, now: time.Now}, nil
}

// FetchRegion retrieves one region's chart. Rate-limit and transient
// upstream failures are retried with exponential backoff up to the
// configured attempt bound; auth and malformed responses are not.
func (c *Client) FetchRegion(ctx context.Context, region domain.Region) (domain.ChartSnapshot, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBackoff

	op := func() (domain.ChartSnapshot, error) {
		snap, err := c.fetchOnce(ctx, region)
		if err == nil {
			return snap, nil
		}
		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable() {
			return domain.ChartSnapshot{}, backoff.Permanent(err)
		}
		if fe.Kind == FetchRateLimited {
			if after := retryAfterDuration(fe); after > 0 {
				return domain.ChartSnapshot{}, errors.Join(err, &backoff.RetryAfterError{Duration: after})
			}
		}
		return domain.ChartSnapshot{}, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
	)
}

// rateLimitedError carries the upstream Retry-After hint.
type rateLimitedError struct {
	status     int
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("status %d (retry after %s)", e.status, e.retryAfter)
}

func retryAfterDuration(fe *FetchError) time.Duration {
	var rl *rateLimitedError
	if errors.As(fe.Err, &rl) {
		return rl.retryAfter
	}
	return 0
}

type searchResponse struct {
	Playlists struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	} `json:"playlists"`
}

type tracksResponse struct {
	Items []struct {
		Track *struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			Album struct {
				Name string `json:"name"`
			} `json:"album"`
			Popularity int  `json:"popularity"`
			DurationMS int  `json:"duration_ms"`
			Explicit   bool `json:"explicit"`
		} `json:"track"`
	} `json:"items"`
}

func (c *Client) fetchOnce(ctx context.Context, region domain.Region) (domain.ChartSnapshot, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return domain.ChartSnapshot{}, &FetchError{Region: region, Kind: FetchAuth, Err: err}
	}

	snap := domain.ChartSnapshot{
		Region:       region,
		RegionName:   RegionName(region),
		FetchedAtUTC: c.now().UTC(),
	}

	q := url.Values{
		"q":      {fmt.Sprintf("top %s hits", region)},
		"type":   {"playlist"},
		"market": {string(region)},
		"limit":  {"1"},
	}
	var search searchResponse
	if err := c.getJSON(ctx, region, tok, "/search?"+q.Encode(), &search); err != nil {
		return domain.ChartSnapshot{}, err
	}
	if len(search.Playlists.Items) == 0 || search.Playlists.Items[0].ID == "" {
		// No chart playlist for this market; an empty snapshot is a
		// valid fetch result and is rejected downstream by the builder.
		return snap, nil
	}

	tq := url.Values{
		"market": {string(region)},
		"limit":  {strconv.Itoa(c.cfg.FetchLimit)},
		"fields": {"items(track(id,name,artists,album,popularity,duration_ms,explicit))"},
	}
	var tracks tracksResponse
	path := fmt.Sprintf("/playlists/%s/tracks?%s", search.Playlists.Items[0].ID, tq.Encode())
	if err := c.getJSON(ctx, region, tok, path, &tracks); err != nil {
		return domain.ChartSnapshot{}, err
	}

	for _, item := range tracks.Items {
		t := item.Track
		if t == nil || t.ID == "" {
			continue
		}
		artist := "Unknown Artist"
		if len(t.Artists) > 0 && t.Artists[0].Name != "" {
			artist = t.Artists[0].Name
		}
		snap.Tracks = append(snap.Tracks, domain.TrackStat{
			TrackID:    t.ID,
			Name:       t.Name,
			Artist:     artist,
			Album:      t.Album.Name,
			Rank:       len(snap.Tracks) + 1,
			Popularity: t.Popularity,
			DurationMS: t.DurationMS,
			Explicit:   t.Explicit,
		})
	}
	return snap, nil
}

func (c *Client) getJSON(ctx context.Context, region domain.Region, tok AccessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return &FetchError{Region: region, Kind: FetchTransient, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &FetchError{Region: region, Kind: FetchTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return &FetchError{Region: region, Kind: FetchRateLimited, Err: &rateLimitedError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &FetchError{Region: region, Kind: FetchAuth, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return &FetchError{Region: region, Kind: FetchTransient, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return &FetchError{Region: region, Kind: FetchMalformed, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Region: region, Kind: FetchMalformed, Err: err}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
