// Package planner computes destination paths for resolved media. It is
// pure: no I/O, deterministic on its inputs.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/clearmedia/clearmedia/internal/llm"
)

const (
	moviesDir = "Movies"
	tvDir     = "TV Shows"
)

// ErrNoRecord means there is no provider record to plan from.
var ErrNoRecord = errors.New("no provider record")

// Input is everything the planner may consult.
type Input struct {
	ProcessedData json.RawMessage // raw provider search result
	Guess         *llm.Guess      // season/episode source, may be nil
	SourcePath    string          // original file, for its extension
	TargetRoot    string
}

// Plan returns the destination path under TargetRoot. A record carrying
// "name" is a TV show, anything else a movie, mirroring the provider's
// search result shapes.
func Plan(in Input) (string, error) {
	if len(in.ProcessedData) == 0 {
		return "", ErrNoRecord
	}
	var record map[string]any
	if err := json.Unmarshal(in.ProcessedData, &record); err != nil {
		return "", fmt.Errorf("decode provider record: %w", err)
	}

	ext := filepath.Ext(in.SourcePath)
	if _, isTV := record["name"]; isTV {
		return planShow(record, in.Guess, in.TargetRoot, ext), nil
	}
	return planMovie(record, in.TargetRoot, ext), nil
}

func planMovie(record map[string]any, targetRoot, ext string) string {
	title := stringField(record, "title")
	if title == "" {
		title = "Unknown"
	}
	clean := SanitizeTitle(title)
	year := yearOf(stringField(record, "release_date"))

	filename := clean + ext
	if year != "" {
		filename = fmt.Sprintf("%s (%s)%s", clean, year, ext)
	}
	return filepath.Join(targetRoot, moviesDir, filename)
}

func planShow(record map[string]any, guess *llm.Guess, targetRoot, ext string) string {
	clean := SanitizeTitle(stringField(record, "name"))
	year := yearOf(stringField(record, "first_air_date"))

	folder := clean
	if year != "" {
		folder = fmt.Sprintf("%s (%s)", clean, year)
	}

	season := 1
	var episode *int
	if guess != nil {
		if guess.Season != nil {
			season = *guess.Season
		}
		episode = guess.Episode
	}

	// Without an episode number the folder name doubles as the filename,
	// so sibling episodes of the same show never collide on one path.
	filename := folder + ext
	if episode != nil {
		filename = fmt.Sprintf("%s S%02dE%02d%s", clean, season, *episode, ext)
	}
	return filepath.Join(targetRoot, tvDir, folder, filename)
}

// SanitizeTitle keeps letters, digits, spaces, hyphens, and underscores,
// dropping everything else, then trims surrounding whitespace. Letters and
// digits are Unicode-aware so non-Latin titles survive.
func SanitizeTitle(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func stringField(record map[string]any, key string) string {
	if v, ok := record[key].(string); ok {
		return v
	}
	return ""
}

// yearOf extracts the leading YYYY from a provider date like 2008-01-20.
func yearOf(date string) string {
	if len(date) < 4 {
		return ""
	}
	return date[:4]
}
