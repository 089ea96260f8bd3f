// Package llm asks an OpenAI-compatible chat endpoint to read a media
// filename into a structured guess (Stage A of the identity resolver).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/clearmedia/clearmedia/internal/httpclient"
)

const systemPrompt = `You are a media filename analyst. Extract structured
information from a movie or TV episode filename. Remove resolution, codec,
release-group, and extension noise. Map SxxEyy markers or trailing isolated
episode numbers onto season/episode; when episodes are present but no season
marker is, assume season 1. Reply with a JSON object only, no commentary:
- title: the work's title (required)
- year: release year, if identifiable
- type: "movie" or "tv"
- season: season number (tv only)
- episode: episode number (tv only)

Example:
{
    "title": "Breaking Bad",
    "year": 2008,
    "type": "tv",
    "season": 1,
    "episode": 1
}`

// ErrEmptyFilename rejects blank input before any RPC is made.
var ErrEmptyFilename = errors.New("filename must not be empty")

// DefaultCacheSize bounds the filename-to-guess LRU.
const DefaultCacheSize = 128

// Config parameterizes a Client.
type Config struct {
	APIKey     string
	APIBase    string // e.g. https://api.openai.com/v1
	Model      string
	HTTPClient *http.Client
	Retry      httpclient.RetryPolicy
	CacheSize  int
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = httpclient.Default()
	}
	if c.Retry.Attempts == 0 {
		c.Retry = httpclient.DefaultRetryPolicy
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
}

// Client calls the chat completions endpoint. Credentials and model are
// swappable at runtime through Configure (config hot reload).
type Client struct {
	mu      sync.RWMutex
	apiKey  string
	apiBase string
	model   string

	http  *http.Client
	retry httpclient.RetryPolicy
	cache *lru.Cache[string, Guess]
	log   zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	cache, _ := lru.New[string, Guess](cfg.CacheSize)
	return &Client{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		http:    cfg.HTTPClient,
		retry:   cfg.Retry,
		cache:   cache,
		log:     log.With().Str("component", "llm").Logger(),
	}
}

// Configure swaps credentials, endpoint, and model after a config reload.
func (c *Client) Configure(apiKey, apiBase, model string) {
	c.mu.Lock()
	c.apiKey = apiKey
	c.apiBase = apiBase
	c.model = model
	c.mu.Unlock()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AnalyzeFilename asks the model to read one filename. Successful guesses
// are cached by exact filename; transport errors, timeouts, and rate limits
// retry with back-off, parse failures do not.
func (c *Client) AnalyzeFilename(ctx context.Context, filename string) (*Guess, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, ErrEmptyFilename
	}
	if g, ok := c.cache.Get(filename); ok {
		out := g
		return &out, nil
	}

	c.mu.RLock()
	apiKey, apiBase, model := c.apiKey, c.apiBase, c.model
	c.mu.RUnlock()

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Analyze this filename: " + filename},
		},
		Temperature: 0.1,
	}
	// response_format is an OpenAI extension; compatible gateways often
	// reject it, so send it only to the real endpoint.
	if u, err := url.Parse(apiBase); err == nil && u.Host == "api.openai.com" {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	endpoint := strings.TrimRight(apiBase, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := httpclient.DoWithRetry(ctx, c.http, req, c.retry)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm request: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrParse)
	}

	guess, err := parseGuess(cr.Choices[0].Message.Content)
	if err != nil {
		c.log.Error().Str("filename", filename).Err(err).Msg("llm response rejected")
		return nil, err
	}

	c.cache.Add(filename, *guess)
	c.log.Info().Str("filename", filename).Str("title", guess.Title).
		Str("type", guess.Type).Msg("filename analyzed")
	return guess, nil
}
