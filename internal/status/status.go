// Package status is the single write path for MediaFile state transitions.
// Every component that wants to move a row through the lifecycle goes
// through Manager; nothing else touches the status column.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clearmedia/clearmedia/internal/store"
)

// allowed is the legal edge set of the state machine. The Producer's claim
// (PENDING to QUEUED) and crash recovery bypass this package by design; both
// are batch primitives owned by the store.
var allowed = map[store.Status][]store.Status{
	store.StatusQueued:     {store.StatusProcessing},
	store.StatusProcessing: {store.StatusCompleted, store.StatusFailed, store.StatusConflict, store.StatusNoMatch},
	store.StatusFailed:     {store.StatusPending},
	store.StatusConflict:   {store.StatusPending},
	store.StatusNoMatch:    {store.StatusPending},
}

// ErrIllegalTransition means the requested edge is not part of the machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// Fields carries resolver output persisted together with a transition.
// Nil members are left untouched.
type Fields struct {
	LLMGuess      json.RawMessage
	TMDBID        *int64
	MediaType     *string
	ProcessedData json.RawMessage
	NewFilepath   *string
}

// Manager owns status writes.
type Manager struct {
	store *store.Store
	log   zerolog.Logger
}

func NewManager(st *store.Store, log zerolog.Logger) *Manager {
	return &Manager{
		store: st,
		log:   log.With().Str("component", "status").Logger(),
	}
}

// update performs one legality-checked transition. A missing row is logged
// and swallowed: the file may have been deleted through the API while a
// worker still held its id.
func (m *Manager) update(ctx context.Context, id int64, next store.Status, u store.Update) error {
	mf, err := m.store.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Warn().Int64("id", id).Str("to", string(next)).Msg("status update for missing row")
		return nil
	}
	if err != nil {
		return err
	}

	legal := false
	for _, s := range allowed[mf.Status] {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		m.log.Error().Int64("id", id).
			Str("from", string(mf.Status)).Str("to", string(next)).
			Msg("refusing illegal status transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, mf.Status, next)
	}

	u.Status = &next
	if err := m.store.UpdateMediaFile(ctx, id, u); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.log.Warn().Int64("id", id).Msg("row vanished during status update")
			return nil
		}
		return err
	}
	m.log.Debug().Int64("id", id).
		Str("from", string(mf.Status)).Str("to", string(next)).
		Msg("status updated")
	return nil
}

// SetProcessing marks a claimed row as owned by a worker. The previous
// error message is cleared so a retried file starts clean.
func (m *Manager) SetProcessing(ctx context.Context, id int64) error {
	return m.update(ctx, id, store.StatusProcessing, store.Update{ClearError: true})
}

// SetCompleted records success and clears any stale error message.
func (m *Manager) SetCompleted(ctx context.Context, id int64, f Fields) error {
	return m.update(ctx, id, store.StatusCompleted, store.Update{
		ClearError:    true,
		LLMGuess:      f.LLMGuess,
		TMDBID:        f.TMDBID,
		MediaType:     f.MediaType,
		ProcessedData: f.ProcessedData,
		NewFilepath:   f.NewFilepath,
	})
}

// SetFailed records a failure, keeping whatever partial results exist.
func (m *Manager) SetFailed(ctx context.Context, id int64, msg string, f Fields) error {
	return m.update(ctx, id, store.StatusFailed, store.Update{
		ErrorMessage:  &msg,
		LLMGuess:      f.LLMGuess,
		TMDBID:        f.TMDBID,
		MediaType:     f.MediaType,
		ProcessedData: f.ProcessedData,
	})
}

// SetNoMatch records that the metadata provider found nothing.
func (m *Manager) SetNoMatch(ctx context.Context, id int64, msg string, f Fields) error {
	return m.update(ctx, id, store.StatusNoMatch, store.Update{
		ErrorMessage: &msg,
		LLMGuess:     f.LLMGuess,
	})
}

// SetConflict records that the planned destination already exists. Resolved
// identity fields are persisted so the operator can judge the collision.
func (m *Manager) SetConflict(ctx context.Context, id int64, msg string, f Fields) error {
	return m.update(ctx, id, store.StatusConflict, store.Update{
		ErrorMessage:  &msg,
		LLMGuess:      f.LLMGuess,
		TMDBID:        f.TMDBID,
		MediaType:     f.MediaType,
		ProcessedData: f.ProcessedData,
	})
}

// ResetForRetry flips a terminal failure back to PENDING and bumps
// retry_count. It never enqueues; the Producer re-claims on its next tick.
func (m *Manager) ResetForRetry(ctx context.Context, id int64) error {
	return m.update(ctx, id, store.StatusPending, store.Update{
		IncrementRetry: true,
	})
}
