// Package tmdb resolves a filename guess against The Movie Database
// (Stage B of the identity resolver).
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/clearmedia/clearmedia/internal/httpclient"
)

// DefaultBaseURL is the v3 REST API root.
const DefaultBaseURL = "https://api.themoviedb.org/3"

const (
	// DefaultSearchCacheSize bounds the (type, title, year) search LRU.
	DefaultSearchCacheSize = 128
	// DefaultDetailsCacheSize bounds the (type, id) details LRU.
	DefaultDetailsCacheSize = 256
)

// Match is a successful resolution: provider id, the media type that was
// queried, and the raw first search result for downstream planning.
type Match struct {
	TMDBID        int64
	MediaType     string
	ProcessedData json.RawMessage
}

// Config parameterizes a Client.
type Config struct {
	APIKey      string
	Language    string
	Concurrency int
	BaseURL     string
	HTTPClient  *http.Client
	Retry       httpclient.RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPClient == nil {
		// Metadata lookups are small GETs; cap them well under the shared
		// client's 30s so a slow provider cannot stall a worker for long.
		c.HTTPClient = httpclient.WithTimeout(15 * time.Second)
	}
	if c.Retry.Attempts == 0 {
		c.Retry = httpclient.DefaultRetryPolicy
	}
	if c.Concurrency < 1 {
		c.Concurrency = 10
	}
}

// Client talks to the provider under a process-wide concurrency cap. The
// semaphore, key, and language are swappable at runtime: a config reload
// replaces the semaphore with one of the new capacity while in-flight
// holders drain on the old one.
type Client struct {
	mu       sync.RWMutex
	apiKey   string
	language string
	sem      chan struct{}
	inflight atomic.Int64

	baseURL string
	http    *http.Client
	retry   httpclient.RetryPolicy

	searchCache  *lru.Cache[string, json.RawMessage]
	detailsCache *lru.Cache[string, json.RawMessage]
	log          zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	searchCache, _ := lru.New[string, json.RawMessage](DefaultSearchCacheSize)
	detailsCache, _ := lru.New[string, json.RawMessage](DefaultDetailsCacheSize)
	return &Client{
		apiKey:       cfg.APIKey,
		language:     cfg.Language,
		sem:          make(chan struct{}, cfg.Concurrency),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         cfg.HTTPClient,
		retry:        cfg.Retry,
		searchCache:  searchCache,
		detailsCache: detailsCache,
		log:          log.With().Str("component", "tmdb").Logger(),
	}
}

// Configure applies reloaded settings: credentials, language, and a fresh
// semaphore when the capacity changed.
func (c *Client) Configure(apiKey, language string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	c.mu.Lock()
	c.apiKey = apiKey
	c.language = language
	if cap(c.sem) != concurrency {
		c.sem = make(chan struct{}, concurrency)
	}
	c.mu.Unlock()
}

// acquire takes a semaphore slot, honoring ctx. The release func returns
// the slot to the same channel even if Configure swapped it meanwhile.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	c.mu.RLock()
	sem := c.sem
	c.mu.RUnlock()
	select {
	case sem <- struct{}{}:
		c.inflight.Add(1)
		return func() {
			c.inflight.Add(-1)
			<-sem
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports how many provider requests hold a semaphore slot.
func (c *Client) InFlight() int {
	return int(c.inflight.Load())
}

// Resolve runs the type-directed search: tv guesses query the tv endpoint,
// everything else the movie endpoint. The first result wins. A nil Match
// with nil error means the provider had nothing; the caller maps that onto
// NO_MATCH.
func (c *Client) Resolve(ctx context.Context, mediaType, title string, year *int) (*Match, error) {
	queried := mediaType
	if queried != "tv" {
		queried = "movie"
	}
	first, err := c.search(ctx, queried, title, year)
	if err != nil {
		return nil, err
	}
	if first == nil {
		c.log.Info().Str("type", queried).Str("title", title).Msg("no provider match")
		return nil, nil
	}

	var idHolder struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(first, &idHolder); err != nil || idHolder.ID == 0 {
		return nil, fmt.Errorf("provider result missing id: %s", string(first))
	}
	return &Match{TMDBID: idHolder.ID, MediaType: queried, ProcessedData: first}, nil
}

type searchResponse struct {
	Results []json.RawMessage `json:"results"`
}

// search queries /search/movie or /search/tv and returns the raw first
// result, nil when the result set is empty. Hits are cached.
func (c *Client) search(ctx context.Context, mediaType, title string, year *int) (json.RawMessage, error) {
	cacheKey := mediaType + "|" + strings.ToLower(title)
	if year != nil {
		cacheKey += "|" + strconv.Itoa(*year)
	}
	if raw, ok := c.searchCache.Get(cacheKey); ok {
		return raw, nil
	}

	c.mu.RLock()
	apiKey, language := c.apiKey, c.language
	c.mu.RUnlock()

	q := url.Values{}
	q.Set("api_key", apiKey)
	q.Set("query", title)
	if language != "" {
		q.Set("language", language)
	}
	if year != nil {
		if mediaType == "tv" {
			q.Set("first_air_date_year", strconv.Itoa(*year))
		} else {
			q.Set("year", strconv.Itoa(*year))
		}
	}

	var sr searchResponse
	if err := c.getJSON(ctx, "/search/"+mediaType, q, &sr); err != nil {
		return nil, err
	}
	if len(sr.Results) == 0 {
		return nil, nil
	}
	c.searchCache.Add(cacheKey, sr.Results[0])
	return sr.Results[0], nil
}

// Details fetches the full provider record for one id. Cached by (type, id).
func (c *Client) Details(ctx context.Context, mediaType string, id int64) (json.RawMessage, error) {
	if mediaType != "tv" {
		mediaType = "movie"
	}
	cacheKey := mediaType + "|" + strconv.FormatInt(id, 10)
	if raw, ok := c.detailsCache.Get(cacheKey); ok {
		return raw, nil
	}

	c.mu.RLock()
	apiKey, language := c.apiKey, c.language
	c.mu.RUnlock()

	q := url.Values{}
	q.Set("api_key", apiKey)
	if language != "" {
		q.Set("language", language)
	}

	var raw json.RawMessage
	if err := c.getJSON(ctx, fmt.Sprintf("/%s/%d", mediaType, id), q, &raw); err != nil {
		return nil, err
	}
	c.detailsCache.Add(cacheKey, raw)
	return raw, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpclient.DoWithRetry(ctx, c.http, req, c.retry)
	if err != nil {
		return fmt.Errorf("provider request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider request %s: HTTP %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode provider response %s: %w", path, err)
	}
	return nil
}
