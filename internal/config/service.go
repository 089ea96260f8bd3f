package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// Item is a ConfigItem row to persist: JSON-encoded value plus description.
type Item struct {
	Value       string
	Description string
}

// Store is the persistence surface the config service needs.
type Store interface {
	DBValues
	UpsertConfigItems(ctx context.Context, items map[string]Item) error
}

// Service is the single write path for dynamic configuration. Writes
// partition into accepted and rejected by the blacklist; the accepted subset
// is validated against the full schema before anything is persisted, and a
// successful persist forces a reload.
type Service struct {
	mgr   *Manager
	store Store
	log   zerolog.Logger
}

func NewService(mgr *Manager, store Store, log zerolog.Logger) *Service {
	return &Service{
		mgr:   mgr,
		store: store,
		log:   log.With().Str("component", "config_service").Logger(),
	}
}

// Update applies a config write. The returned slices list the keys that were
// persisted and the keys refused by the blacklist. A non-nil error means
// validation or persistence failed and nothing was written.
func (s *Service) Update(ctx context.Context, updates map[string]json.RawMessage) (updated, rejected []string, err error) {
	updated = []string{}
	rejected = []string{}

	accepted := make(map[string]json.RawMessage)
	for key, raw := range updates {
		if IsBlacklisted(key) {
			rejected = append(rejected, key)
			continue
		}
		accepted[key] = raw
	}
	sort.Strings(rejected)
	if len(accepted) == 0 {
		return updated, rejected, nil
	}

	// Vet the merged candidate before touching the DB. Unknown keys and
	// type or range violations surface here and abort the whole write.
	extra := make(map[string]string, len(accepted))
	for key, raw := range accepted {
		v, derr := decodeJSONValue(string(raw))
		if derr != nil {
			return nil, nil, fmt.Errorf("config item %s: %w", key, derr)
		}
		extra[key] = v
	}
	if _, err := s.mgr.Materialize(ctx, extra); err != nil {
		return nil, nil, err
	}

	items := make(map[string]Item, len(accepted))
	for key, raw := range accepted {
		items[key] = Item{
			Value:       string(raw),
			Description: "dynamic config item: " + key,
		}
	}
	if err := s.store.UpsertConfigItems(ctx, items); err != nil {
		return nil, nil, fmt.Errorf("persist config items: %w", err)
	}

	for key := range accepted {
		updated = append(updated, key)
	}
	sort.Strings(updated)

	if err := s.mgr.Load(ctx); err != nil {
		// Validated above; a failure here means the world changed under us.
		s.log.Error().Err(err).Msg("reload after config write failed")
	}
	s.log.Info().Strs("updated", updated).Strs("rejected", rejected).Msg("configuration updated")
	return updated, rejected, nil
}
