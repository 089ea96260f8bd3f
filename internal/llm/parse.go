package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Guess is the structured reading of a media filename. Pointer fields are
// optional: a nil Year means the model saw none.
type Guess struct {
	Title   string `json:"title"`
	Year    *int   `json:"year,omitempty"`
	Type    string `json:"type"`
	Season  *int   `json:"season,omitempty"`
	Episode *int   `json:"episode,omitempty"`
}

const (
	TypeMovie = "movie"
	TypeTV    = "tv"
)

// ErrParse covers empty responses and anything that fails to decode or
// validate after extraction. Parse failures are never retried.
var ErrParse = errors.New("llm response not parseable")

// Local models wrap their answer in chain-of-thought blocks.
var reasoningBlock = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)

// extractJSON pulls the JSON object out of a chatty model response: fenced
// code markers and reasoning-tag blocks are stripped, then everything
// between the first '{' and the last '}' is taken.
func extractJSON(content string) (string, error) {
	s := reasoningBlock.ReplaceAllString(content, "")
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrParse)
	}
	return s[start : end+1], nil
}

// parseGuess decodes and validates a model response. Title is required;
// type defaults to movie when absent or unrecognized; year survives only
// when it is a plausible four-digit release year.
func parseGuess(content string) (*Guess, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrParse)
	}
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var g Guess
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	g.Title = strings.TrimSpace(g.Title)
	if g.Title == "" {
		return nil, fmt.Errorf("%w: missing title", ErrParse)
	}
	if g.Type != TypeMovie && g.Type != TypeTV {
		g.Type = TypeMovie
	}
	if g.Year != nil && (*g.Year < 1900 || *g.Year > 2099) {
		g.Year = nil
	}
	return &g, nil
}
