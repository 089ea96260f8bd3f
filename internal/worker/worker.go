// Package worker drains the work queue: each id runs the resolver stages,
// the path planner, and the linker, and lands in exactly one terminal
// status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clearmedia/clearmedia/internal/config"
	"github.com/clearmedia/clearmedia/internal/linker"
	"github.com/clearmedia/clearmedia/internal/llm"
	"github.com/clearmedia/clearmedia/internal/metrics"
	"github.com/clearmedia/clearmedia/internal/planner"
	"github.com/clearmedia/clearmedia/internal/status"
	"github.com/clearmedia/clearmedia/internal/store"
	"github.com/clearmedia/clearmedia/internal/tmdb"
)

// Analyzer is Stage A of the identity resolver.
type Analyzer interface {
	AnalyzeFilename(ctx context.Context, filename string) (*llm.Guess, error)
}

// Resolver is Stage B. A nil Match with nil error means no provider match.
type Resolver interface {
	Resolve(ctx context.Context, mediaType, title string, year *int) (*tmdb.Match, error)
}

// LinkFunc materializes one hardlink.
type LinkFunc func(src, dst string) linker.Result

// Pool is a fixed set of workers sharing the queue. The pool size is read
// once at Run; other settings are consulted per file.
type Pool struct {
	store    *store.Store
	status   *status.Manager
	analyzer Analyzer
	resolver Resolver
	link     LinkFunc
	queue    <-chan int64
	cfg      func() config.Settings
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func New(st *store.Store, sm *status.Manager, analyzer Analyzer, resolver Resolver,
	link LinkFunc, queue <-chan int64, cfg func() config.Settings,
	m *metrics.Metrics, log zerolog.Logger) *Pool {
	return &Pool{
		store:    st,
		status:   sm,
		analyzer: analyzer,
		resolver: resolver,
		link:     link,
		queue:    queue,
		cfg:      cfg,
		metrics:  m,
		log:      log.With().Str("component", "worker").Logger(),
	}
}

// Run starts WORKER_COUNT workers and blocks until the context is
// cancelled and all of them returned.
func (p *Pool) Run(ctx context.Context) error {
	count := p.cfg().WorkerCount
	p.log.Info().Int("workers", count).Msg("worker pool started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		idx := i
		g.Go(func() error {
			return p.loop(ctx, idx)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, idx int) error {
	log := p.log.With().Int("worker", idx).Logger()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopped")
			return ctx.Err()
		case id := <-p.queue:
			p.Process(ctx, id)
		}
	}
}

// Process runs the pipeline for one claimed id. Every path out of here
// leaves the row in a terminal status, except when the row vanished or the
// context was cancelled mid-flight (recovery handles the latter).
func (p *Pool) Process(ctx context.Context, id int64) {
	log := p.log.With().Int64("id", id).Logger()
	cfg := p.cfg()

	if err := p.status.SetProcessing(ctx, id); err != nil {
		log.Error().Err(err).Msg("cannot mark processing")
		return
	}

	mf, err := p.store.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("cannot load row")
		}
		return
	}

	var fields status.Fields

	// Stage A: filename analysis.
	var guess *llm.Guess
	if cfg.EnableLLM {
		guess, err = p.analyzer.AnalyzeFilename(ctx, mf.OriginalFilename)
		if err != nil {
			p.fail(ctx, id, fmt.Sprintf("llm analysis failed: %v", err), fields)
			return
		}
		if raw, merr := json.Marshal(guess); merr == nil {
			fields.LLMGuess = raw
		}
		log.Debug().Str("title", guess.Title).Str("type", guess.Type).Msg("filename analyzed")
	}

	// Stage B: provider match.
	var match *tmdb.Match
	if cfg.EnableTMDB && guess != nil {
		match, err = p.resolver.Resolve(ctx, guess.Type, guess.Title, guess.Year)
		if err != nil {
			p.fail(ctx, id, fmt.Sprintf("provider search failed: %v", err), fields)
			return
		}
		if match == nil {
			if err := p.status.SetNoMatch(ctx, id, "No TMDB match found", fields); err != nil {
				log.Error().Err(err).Msg("cannot mark no-match")
				return
			}
			p.metrics.FilesProcessed.WithLabelValues(string(store.StatusNoMatch)).Inc()
			log.Info().Msg("no provider match")
			return
		}
	}

	// No provider record (stage disabled): record what we learned and stop.
	if match == nil {
		if err := p.status.SetCompleted(ctx, id, fields); err != nil {
			log.Error().Err(err).Msg("cannot mark completed")
			return
		}
		p.metrics.FilesProcessed.WithLabelValues(string(store.StatusCompleted)).Inc()
		log.Info().Msg("completed without provider match")
		return
	}

	mt := match.MediaType
	fields.TMDBID = &match.TMDBID
	fields.MediaType = &mt
	fields.ProcessedData = match.ProcessedData

	dst, err := planner.Plan(planner.Input{
		ProcessedData: match.ProcessedData,
		Guess:         guess,
		SourcePath:    mf.OriginalFilepath,
		TargetRoot:    cfg.TargetDir,
	})
	if err != nil {
		p.fail(ctx, id, fmt.Sprintf("path planning failed: %v", err), fields)
		return
	}

	switch result := p.link(mf.OriginalFilepath, dst); result {
	case linker.Success:
		fields.NewFilepath = &dst
		if err := p.status.SetCompleted(ctx, id, fields); err != nil {
			log.Error().Err(err).Msg("cannot mark completed")
			return
		}
		p.metrics.FilesProcessed.WithLabelValues(string(store.StatusCompleted)).Inc()
		log.Info().Str("new_filepath", dst).Msg("completed")
	case linker.FailedConflict:
		msg := "destination already exists: " + dst
		if err := p.status.SetConflict(ctx, id, msg, fields); err != nil {
			log.Error().Err(err).Msg("cannot mark conflict")
			return
		}
		p.metrics.FilesProcessed.WithLabelValues(string(store.StatusConflict)).Inc()
		log.Warn().Str("new_filepath", dst).Msg("destination conflict")
	default:
		p.fail(ctx, id, fmt.Sprintf("hardlink failed: %s", result), fields)
	}
}

func (p *Pool) fail(ctx context.Context, id int64, msg string, fields status.Fields) {
	if err := p.status.SetFailed(ctx, id, msg, fields); err != nil {
		p.log.Error().Int64("id", id).Err(err).Msg("cannot mark failed")
		return
	}
	p.metrics.FilesProcessed.WithLabelValues(string(store.StatusFailed)).Inc()
	p.log.Warn().Int64("id", id).Str("error", msg).Msg("processing failed")
}
