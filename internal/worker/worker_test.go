package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearmedia/clearmedia/internal/config"
	"github.com/clearmedia/clearmedia/internal/linker"
	"github.com/clearmedia/clearmedia/internal/llm"
	"github.com/clearmedia/clearmedia/internal/metrics"
	"github.com/clearmedia/clearmedia/internal/status"
	"github.com/clearmedia/clearmedia/internal/store"
	"github.com/clearmedia/clearmedia/internal/tmdb"
)

type fakeAnalyzer struct {
	guess *llm.Guess
	err   error
}

func (f *fakeAnalyzer) AnalyzeFilename(ctx context.Context, filename string) (*llm.Guess, error) {
	return f.guess, f.err
}

type fakeResolver struct {
	match *tmdb.Match
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, mediaType, title string, year *int) (*tmdb.Match, error) {
	return f.match, f.err
}

type fixture struct {
	pool     *Pool
	store    *store.Store
	cfg      config.Settings
	analyzer *fakeAnalyzer
	resolver *fakeResolver
	inode    uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "worker.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	base := t.TempDir()
	cfg := config.Defaults()
	cfg.SourceDir = filepath.Join(base, "src")
	cfg.TargetDir = filepath.Join(base, "dst")
	require.NoError(t, os.MkdirAll(cfg.SourceDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.TargetDir, 0o755))

	f := &fixture{
		store:    st,
		cfg:      cfg,
		analyzer: &fakeAnalyzer{},
		resolver: &fakeResolver{},
	}
	f.pool = New(st, status.NewManager(st, zerolog.Nop()), f.analyzer, f.resolver,
		linker.Link, make(chan int64), func() config.Settings { return f.cfg },
		metrics.New(), zerolog.Nop())
	return f
}

// enqueue creates a real source file, inserts its row, and claims it so the
// row sits in QUEUED the way the producer leaves it.
func (f *fixture) enqueue(t *testing.T, name string) int64 {
	t.Helper()
	path := filepath.Join(f.cfg.SourceDir, name)
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))

	f.inode++
	mf := &store.MediaFile{
		Inode: f.inode, DeviceID: 1,
		OriginalFilepath: path, OriginalFilename: name, FileSize: 5,
	}
	require.NoError(t, f.store.Insert(context.Background(), mf))
	ids, err := f.store.ClaimPending(context.Background(), 100)
	require.NoError(t, err)
	require.Contains(t, ids, mf.ID)
	return mf.ID
}

func (f *fixture) get(t *testing.T, id int64) *store.MediaFile {
	t.Helper()
	mf, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return mf
}

func intp(n int) *int { return &n }

func TestProcessMovieEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "Inception", Year: intp(2010), Type: llm.TypeMovie}
	f.resolver.match = &tmdb.Match{
		TMDBID:        27205,
		MediaType:     "movie",
		ProcessedData: json.RawMessage(`{"id":27205,"title":"Inception","release_date":"2010-07-15"}`),
	}

	id := f.enqueue(t, "Inception.2010.1080p.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusCompleted, mf.Status)
	assert.Nil(t, mf.ErrorMessage)
	require.NotNil(t, mf.TMDBID)
	assert.Equal(t, int64(27205), *mf.TMDBID)
	assert.Equal(t, "movie", *mf.MediaType)

	want := filepath.Join(f.cfg.TargetDir, "Movies", "Inception (2010).mkv")
	require.NotNil(t, mf.NewFilepath)
	assert.Equal(t, want, *mf.NewFilepath)
	_, err := os.Stat(want)
	require.NoError(t, err, "hardlink missing")

	var guess llm.Guess
	require.NoError(t, json.Unmarshal(mf.LLMGuess, &guess))
	assert.Equal(t, "Inception", guess.Title)
}

func TestProcessEpisodeEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "Breaking Bad", Type: llm.TypeTV, Season: intp(1), Episode: intp(2)}
	f.resolver.match = &tmdb.Match{
		TMDBID:        1396,
		MediaType:     "tv",
		ProcessedData: json.RawMessage(`{"id":1396,"name":"Breaking Bad","first_air_date":"2008-01-20"}`),
	}

	id := f.enqueue(t, "Breaking.Bad.S01E02.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusCompleted, mf.Status)
	want := filepath.Join(f.cfg.TargetDir, "TV Shows", "Breaking Bad (2008)", "Breaking Bad S01E02.mkv")
	require.NotNil(t, mf.NewFilepath)
	assert.Equal(t, want, *mf.NewFilepath)
}

func TestProcessNoMatch(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "Totally Obscure", Type: llm.TypeMovie}
	f.resolver.match = nil

	id := f.enqueue(t, "obscure.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusNoMatch, mf.Status)
	require.NotNil(t, mf.ErrorMessage)
	assert.Equal(t, "No TMDB match found", *mf.ErrorMessage)
	// The guess is preserved for inspection even without a match.
	assert.NotEmpty(t, mf.LLMGuess)
	assert.Nil(t, mf.TMDBID)
}

func TestProcessAnalyzerFailure(t *testing.T) {
	f := newFixture(t)
	f.analyzer.err = errors.New("upstream exploded")

	id := f.enqueue(t, "broken.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusFailed, mf.Status)
	require.NotNil(t, mf.ErrorMessage)
	assert.Contains(t, *mf.ErrorMessage, "llm analysis failed")
}

func TestProcessResolverFailure(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "Inception", Type: llm.TypeMovie}
	f.resolver.err = errors.New("HTTP 500")

	id := f.enqueue(t, "movie.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusFailed, mf.Status)
	assert.Contains(t, *mf.ErrorMessage, "provider search failed")
}

func TestProcessConflict(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "Inception", Year: intp(2010), Type: llm.TypeMovie}
	f.resolver.match = &tmdb.Match{
		TMDBID:        27205,
		MediaType:     "movie",
		ProcessedData: json.RawMessage(`{"id":27205,"title":"Inception","release_date":"2010-07-15"}`),
	}

	// Occupy the destination before processing.
	dst := filepath.Join(f.cfg.TargetDir, "Movies", "Inception (2010).mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(t, os.WriteFile(dst, []byte("other copy"), 0o644))

	id := f.enqueue(t, "Inception.2010.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusConflict, mf.Status)
	require.NotNil(t, mf.ErrorMessage)
	assert.Contains(t, *mf.ErrorMessage, "destination already exists")
	// Identity fields survive so the operator can resolve by hand.
	require.NotNil(t, mf.TMDBID)
	assert.Equal(t, int64(27205), *mf.TMDBID)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "other copy", string(data), "conflict must not overwrite")
}

func TestProcessLinkFailure(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "Inception", Year: intp(2010), Type: llm.TypeMovie}
	f.resolver.match = &tmdb.Match{
		TMDBID:        27205,
		MediaType:     "movie",
		ProcessedData: json.RawMessage(`{"id":27205,"title":"Inception","release_date":"2010-07-15"}`),
	}
	f.pool.link = func(src, dst string) linker.Result { return linker.FailedCrossDevice }

	id := f.enqueue(t, "movie.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusFailed, mf.Status)
	assert.Contains(t, *mf.ErrorMessage, "hardlink failed")
}

func TestProcessLLMDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.EnableLLM = false
	f.analyzer.err = errors.New("must not be called")

	id := f.enqueue(t, "movie.mkv")
	f.pool.Process(context.Background(), id)

	// Without a guess there is nothing to resolve or link.
	mf := f.get(t, id)
	assert.Equal(t, store.StatusCompleted, mf.Status)
	assert.Nil(t, mf.NewFilepath)
	assert.Empty(t, mf.LLMGuess)
}

func TestProcessTMDBDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.EnableTMDB = false
	f.analyzer.guess = &llm.Guess{Title: "Inception", Type: llm.TypeMovie}
	f.resolver.err = errors.New("must not be called")

	id := f.enqueue(t, "movie.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusCompleted, mf.Status)
	assert.Nil(t, mf.TMDBID)
	assert.NotEmpty(t, mf.LLMGuess, "analysis is recorded even without resolution")
}

func TestProcessVanishedRow(t *testing.T) {
	f := newFixture(t)
	// No row with this id exists; Process must return without panicking.
	f.pool.Process(context.Background(), 999999)
}

func TestProcessPlanningFailure(t *testing.T) {
	f := newFixture(t)
	f.analyzer.guess = &llm.Guess{Title: "X", Type: llm.TypeMovie}
	f.resolver.match = &tmdb.Match{
		TMDBID:        1,
		MediaType:     "movie",
		ProcessedData: json.RawMessage(`not json`),
	}

	id := f.enqueue(t, "movie.mkv")
	f.pool.Process(context.Background(), id)

	mf := f.get(t, id)
	assert.Equal(t, store.StatusFailed, mf.Status)
	assert.Contains(t, *mf.ErrorMessage, "path planning failed")
}

func TestRunDrainsQueue(t *testing.T) {
	f := newFixture(t)
	f.cfg.WorkerCount = 3
	f.analyzer.guess = &llm.Guess{Title: "Inception", Year: intp(2010), Type: llm.TypeMovie}
	f.resolver.match = &tmdb.Match{
		TMDBID:        27205,
		MediaType:     "movie",
		ProcessedData: json.RawMessage(`{"id":27205,"title":"Inception","release_date":"2010-07-15"}`),
	}

	queue := make(chan int64, 8)
	f.pool.queue = queue

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, f.enqueue(t, fmt.Sprintf("copy-%d.mkv", i)))
	}
	for _, id := range ids {
		queue <- id
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	// First file wins the destination; the rest conflict on the same path.
	require.Eventually(t, func() bool {
		counts, err := f.store.CountByStatus(context.Background())
		if err != nil {
			return false
		}
		return counts[string(store.StatusCompleted)]+counts[string(store.StatusConflict)] == 5
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	counts, err := f.store.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[string(store.StatusCompleted)])
	assert.Equal(t, int64(4), counts[string(store.StatusConflict)])
}
