// Command clearmedia watches a source directory for video files, resolves
// their identity through an LLM filename pass and a TMDB lookup, and
// materializes hardlinks into a tidy Movies / TV Shows tree. State lives in
// sqlite; an HTTP API exposes queries, retries, and dynamic configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clearmedia/clearmedia/internal/api"
	"github.com/clearmedia/clearmedia/internal/config"
	"github.com/clearmedia/clearmedia/internal/linker"
	"github.com/clearmedia/clearmedia/internal/llm"
	"github.com/clearmedia/clearmedia/internal/logging"
	"github.com/clearmedia/clearmedia/internal/metrics"
	"github.com/clearmedia/clearmedia/internal/producer"
	"github.com/clearmedia/clearmedia/internal/scanner"
	"github.com/clearmedia/clearmedia/internal/status"
	"github.com/clearmedia/clearmedia/internal/store"
	"github.com/clearmedia/clearmedia/internal/tmdb"
	"github.com/clearmedia/clearmedia/internal/worker"
)

func main() {
	envFile := flag.String("env", ".env", "dotfile with KEY=VALUE configuration")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintln(os.Stderr, "clearmedia:", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap config without the DB layer: DATABASE_URL decides where the
	// DB lives, so the store cannot exist yet.
	log := logging.New("INFO")
	cfgMgr := config.NewManager(envFile, nil, nil, log)
	if err := cfgMgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	boot := cfgMgr.Current()

	log = logging.New(boot.LogLevel)
	cfgMgr = config.NewManager(envFile, nil, nil, log)
	if err := cfgMgr.Load(ctx); err != nil {
		return err
	}

	st, err := store.Open(boot.DatabasePath(), log)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	// Full load with the DB layer attached, then drop stored config items
	// that fell out of the schema.
	cfgMgr.SetDB(st)
	if err := cfgMgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if n, err := st.DeleteConfigExcept(ctx, config.KnownKeys()); err != nil {
		log.Warn().Err(err).Msg("config cleanup failed")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("dropped stale config items")
	}
	cfg := cfgMgr.Current()

	// Crash recovery: the in-memory queue did not survive the last run, so
	// every QUEUED or PROCESSING row is an orphan.
	if n, err := st.ResetStale(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	} else if n > 0 {
		log.Info().Int64("reset", n).Msg("recovered orphaned rows")
	}

	m := metrics.New()
	statusMgr := status.NewManager(st, log)
	cfgSvc := config.NewService(cfgMgr, st, log)

	llmClient := llm.New(llm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		APIBase: cfg.OpenAIAPIBase,
		Model:   cfg.OpenAIModel,
	}, log)
	tmdbClient := tmdb.New(tmdb.Config{
		APIKey:      cfg.TMDBAPIKey,
		Language:    cfg.TMDBLanguage,
		Concurrency: cfg.TMDBConcurrency,
	}, log)

	// Config hot reload swaps provider credentials and the semaphore.
	cfgMgr.OnReload(func(s config.Settings) {
		llmClient.Configure(s.OpenAIAPIKey, s.OpenAIAPIBase, s.OpenAIModel)
		tmdbClient.Configure(s.TMDBAPIKey, s.TMDBLanguage, s.TMDBConcurrency)
	})

	queue := make(chan int64, cfg.ProducerBatchSize*2)
	m.RegisterQueueDepth(func() int { return len(queue) })
	m.RegisterProviderInFlight(tmdbClient.InFlight)

	scan := scanner.New(st, cfgMgr.Current, m, log)
	prod := producer.New(st, queue, cfgMgr.Current, m, log)
	pool := worker.New(st, statusMgr, llmClient, tmdbClient, linker.Link,
		queue, cfgMgr.Current, m, log)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, statusMgr, cfgMgr, cfgSvc, m, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scan.Run(ctx) })
	g.Go(func() error { return prod.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("source", cfg.SourceDir).Str("target", cfg.TargetDir).Msg("clearmedia running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("clearmedia stopped")
	return nil
}
