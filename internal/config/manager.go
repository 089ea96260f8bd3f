package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// DBValues is the DB-stored configuration layer, key to raw JSON value.
// Implemented by the state store's ConfigItem table.
type DBValues interface {
	AllConfig(ctx context.Context) (map[string]string, error)
}

// Manager materializes Settings from the layered sources and hands out the
// current snapshot. Reload re-reads every layer, validates, swaps the
// snapshot, and fires the registered hooks.
type Manager struct {
	dotfile   string
	db        DBValues
	overrides map[string]string

	mu    sync.RWMutex
	cur   Settings
	hooks []func(Settings)
	log   zerolog.Logger
}

// NewManager wires the layers. db may be nil until the store is opened (the
// bootstrap load needs DATABASE_URL before any DB exists); overrides are
// init-time values that outrank everything.
func NewManager(dotfile string, db DBValues, overrides map[string]string, log zerolog.Logger) *Manager {
	return &Manager{
		dotfile:   dotfile,
		db:        db,
		overrides: overrides,
		log:       log.With().Str("component", "config").Logger(),
	}
}

// SetDB attaches the DB layer after the store is opened.
func (m *Manager) SetDB(db DBValues) {
	m.mu.Lock()
	m.db = db
	m.mu.Unlock()
}

// Current returns the last materialized snapshot.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// OnReload registers a hook run after every successful Load. Hooks run on a
// separate goroutine so a config write handler never re-enters the resources
// the hook replaces.
func (m *Manager) OnReload(fn func(Settings)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Load materializes Settings from all layers. On validation failure the
// previous snapshot stays in place and the error is returned.
func (m *Manager) Load(ctx context.Context) error {
	s, err := m.materialize(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cur = s
	hooks := make([]func(Settings), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	if len(hooks) > 0 {
		go func() {
			for _, fn := range hooks {
				fn(s)
			}
		}()
	}
	m.log.Debug().Msg("configuration reloaded")
	return nil
}

// Materialize builds and validates a Settings candidate without swapping the
// snapshot. extra is applied on top of the DB layer; the config service uses
// it to vet a pending write before persisting.
func (m *Manager) Materialize(ctx context.Context, extra map[string]string) (Settings, error) {
	s, err := m.materialize(ctx)
	if err != nil {
		return Settings{}, err
	}
	for k, v := range extra {
		if err := s.Set(k, v); err != nil {
			return Settings{}, err
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (m *Manager) materialize(ctx context.Context) (Settings, error) {
	s := Defaults()

	// Layer 2: dotfile. Unknown keys in the file belong to other tools.
	if m.dotfile != "" {
		fileVals, err := ParseEnvFile(m.dotfile)
		if err != nil {
			return Settings{}, fmt.Errorf("dotfile %s: %w", m.dotfile, err)
		}
		for key, v := range fileVals {
			if !IsKnownKey(key) {
				continue
			}
			if err := s.Set(key, v); err != nil {
				return Settings{}, err
			}
		}
	}

	// Layer 3: process environment.
	for _, key := range KnownKeys() {
		if v, ok := os.LookupEnv(key); ok {
			if err := s.Set(key, v); err != nil {
				return Settings{}, err
			}
		}
	}

	// Layer 4: DB-stored values (JSON encoded).
	m.mu.RLock()
	db := m.db
	m.mu.RUnlock()
	if db != nil {
		stored, err := db.AllConfig(ctx)
		if err != nil {
			return Settings{}, fmt.Errorf("load config items: %w", err)
		}
		for key, raw := range stored {
			if !IsKnownKey(key) {
				m.log.Warn().Str("key", key).Msg("ignoring stored config item outside schema")
				continue
			}
			v, err := decodeJSONValue(raw)
			if err != nil {
				return Settings{}, fmt.Errorf("config item %s: %w", key, err)
			}
			if err := s.Set(key, v); err != nil {
				return Settings{}, err
			}
		}
	}

	// Layer 5: init-time overrides.
	for key, v := range m.overrides {
		if err := s.Set(key, v); err != nil {
			return Settings{}, err
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// decodeJSONValue turns a JSON-encoded ConfigItem value into the string
// form Set understands. Plain strings that never were JSON pass through.
func decodeJSONValue(raw string) (string, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
