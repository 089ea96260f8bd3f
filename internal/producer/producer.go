// Package producer periodically claims PENDING rows and feeds the work
// queue. It is the only path from the database into the queue: retried rows
// re-enter here, and a crash can never double-dispatch a claim.
package producer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearmedia/clearmedia/internal/config"
	"github.com/clearmedia/clearmedia/internal/metrics"
	"github.com/clearmedia/clearmedia/internal/store"
)

type Producer struct {
	store   *store.Store
	queue   chan<- int64
	cfg     func() config.Settings
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(st *store.Store, queue chan<- int64, cfg func() config.Settings, m *metrics.Metrics, log zerolog.Logger) *Producer {
	return &Producer{
		store:   st,
		queue:   queue,
		cfg:     cfg,
		metrics: m,
		log:     log.With().Str("component", "producer").Logger(),
	}
}

// Run ticks until the context is cancelled. An errored tick doubles the
// sleep before the next one.
func (p *Producer) Run(ctx context.Context) error {
	cfg := p.cfg()
	p.log.Info().Int("batch_size", cfg.ProducerBatchSize).
		Int("interval_seconds", cfg.ProducerIntervalSeconds).Msg("producer started")

	for {
		cfg = p.cfg()
		n, err := p.Tick(ctx, cfg.ProducerBatchSize)
		if n > 0 {
			p.log.Info().Int("claimed", n).Msg("dispatched batch")
		}

		interval := time.Duration(cfg.ProducerIntervalSeconds) * time.Second
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info().Msg("producer stopped")
				return ctx.Err()
			}
			p.log.Error().Err(err).Msg("producer tick failed")
			interval *= 2
		}

		select {
		case <-ctx.Done():
			p.log.Info().Msg("producer stopped")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Tick claims up to batchSize rows and enqueues their ids. The bounded
// queue applies back-pressure: a full queue blocks here, not in the claim
// transaction.
func (p *Producer) Tick(ctx context.Context, batchSize int) (int, error) {
	ids, err := p.store.ClaimPending(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		select {
		case p.queue <- id:
			p.metrics.FilesClaimed.Inc()
		case <-ctx.Done():
			// Claimed but undelivered rows stay QUEUED and are reset to
			// PENDING by crash recovery on the next start.
			return i, ctx.Err()
		}
	}
	return len(ids), nil
}
