package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/clearmedia/clearmedia/internal/config"
)

// AllConfig returns every ConfigItem row, key to raw JSON value.
// Implements the config manager's DB layer.
func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM configitem`)
	if err != nil {
		return nil, fmt.Errorf("load config items: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// UpsertConfigItems writes the given items in one transaction, so a partial
// config update never becomes visible.
func (s *Store) UpsertConfigItems(ctx context.Context, items map[string]config.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("config upsert: begin: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	for key, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO configitem (key, value, description, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value,
				description = excluded.description, updated_at = excluded.updated_at`,
			key, item.Value, item.Description, now)
		if err != nil {
			return fmt.Errorf("config upsert %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// DeleteConfigExcept removes ConfigItem rows whose key is not in keep and
// returns how many were deleted. Startup runs this to drop items that fell
// out of the schema.
func (s *Store) DeleteConfigExcept(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM configitem`)
		if err != nil {
			return 0, fmt.Errorf("config cleanup: %w", err)
		}
		return res.RowsAffected()
	}
	ph := make([]string, len(keep))
	args := make([]any, len(keep))
	for i, k := range keep {
		ph[i] = "?"
		args[i] = k
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM configitem WHERE key NOT IN (`+strings.Join(ph, ", ")+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("config cleanup: %w", err)
	}
	return res.RowsAffected()
}
