package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/HerbHall/switchyard/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.StateStore = (*Store)(nil)

func stateMigrations(d dialect) []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create plugin_state table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(fmt.Sprintf(`
					CREATE TABLE plugin_state (
						namespace  VARCHAR(128) NOT NULL,
						state_key  VARCHAR(255) NOT NULL,
						value      %s         NOT NULL,
						updated_at DATETIME     NOT NULL DEFAULT CURRENT_TIMESTAMP,
						PRIMARY KEY (namespace, state_key)
					)`, d.blob))
				return err
			},
		},
	}
}

// Get returns the value stored under namespace/key.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM plugin_state WHERE namespace = ? AND state_key = ?",
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get state %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Set stores value under namespace/key, replacing any previous value.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, namespace, key, value); err != nil {
		return fmt.Errorf("set state %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM plugin_state WHERE namespace = ? AND state_key = ?",
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete state %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the keys stored in a namespace, sorted.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT state_key FROM plugin_state WHERE namespace = ? ORDER BY state_key",
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list state %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan state key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
