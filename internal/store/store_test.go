package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deliveryMigrations mirrors how a plugin owns its schema: an endpoints
// table, then a deliveries table with a foreign key onto it.
func deliveryMigrations(calls *int) []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create webhook endpoints",
			Up: func(tx *sql.Tx) error {
				*calls++
				_, err := tx.Exec(`CREATE TABLE webhook_endpoints (
					id  INTEGER PRIMARY KEY,
					url TEXT NOT NULL
				)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "create webhook deliveries",
			Up: func(tx *sql.Tx) error {
				*calls++
				_, err := tx.Exec(`CREATE TABLE webhook_deliveries (
					id          INTEGER PRIMARY KEY,
					endpoint_id INTEGER NOT NULL REFERENCES webhook_endpoints(id),
					event_type  TEXT    NOT NULL
				)`)
				return err
			},
		},
	}
}

func appliedVersions(t *testing.T, s *Store, owner string) []int {
	t.Helper()
	rows, err := s.DB().QueryContext(context.Background(),
		"SELECT version FROM _migrations WHERE plugin_name = ? ORDER BY version", owner)
	require.NoError(t, err)
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	return versions
}

func TestOpen_Errors(t *testing.T) {
	notADir := filepath.Join(t.TempDir(), "switchyard.yaml")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0o600))

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown driver", cfg: Config{Driver: "postgres"}},
		{name: "mysql without dsn", cfg: Config{Driver: DriverMySQL}},
		{name: "mysql malformed dsn", cfg: Config{Driver: DriverMySQL, DSN: "not a dsn"}},
		{name: "sqlite parent is a file", cfg: Config{Path: filepath.Join(notADir, "data", "switchyard.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(context.Background(), tt.cfg)
			if err == nil {
				s.Close()
			}
			assert.Error(t, err)
		})
	}
}

func TestOpen_CreatesDatabaseDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "switchyard.db")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, DriverSQLite, s.Driver())
	assert.Equal(t, []int{1}, appliedVersions(t, s, "state"))
}

func TestOpen_SQLitePragmas(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	var mode string
	require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var calls int
	require.NoError(t, s.Migrate(ctx, "webhook", deliveryMigrations(&calls)))
	_, err := s.DB().ExecContext(ctx,
		"INSERT INTO webhook_deliveries (endpoint_id, event_type) VALUES (42, 'plugin.started')")
	assert.Error(t, err, "foreign keys must be enforced")
}

func TestMigrate_PluginOwnedSchema(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	var calls int
	require.NoError(t, s.Migrate(ctx, "webhook", deliveryMigrations(&calls)))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1, 2}, appliedVersions(t, s, "webhook"))

	_, err := s.DB().ExecContext(ctx, "INSERT INTO webhook_endpoints (id, url) VALUES (1, 'http://hooks.local/in')")
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		"INSERT INTO webhook_deliveries (endpoint_id, event_type) VALUES (1, 'plugin.started')")
	require.NoError(t, err)

	require.NoError(t, s.Migrate(ctx, "webhook", deliveryMigrations(&calls)))
	assert.Equal(t, 2, calls, "applied migrations must not run again")

	// Version numbers are scoped by owner: the state store's version 1 does
	// not shadow this plugin's.
	assert.Equal(t, []int{1}, appliedVersions(t, s, "state"))
}

func TestMigrate_Failure(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	migrations := []Migration{
		{Version: 1, Description: "create schedule table", Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE remote_schedule (command TEXT NOT NULL)")
			return err
		}},
		{Version: 2, Description: "add interval column", Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("ALTER TABLE remote_schedule ADD COLUMN interval_s INTEGER"); err != nil {
				return err
			}
			_, err := tx.Exec("ALTER TABLE remote_schedule ADD COLUMN")
			return err
		}},
	}

	err := s.Migrate(ctx, "remote", migrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote/2 (add interval column)")

	assert.Equal(t, []int{1}, appliedVersions(t, s, "remote"), "earlier migrations stay committed")
	_, err = s.DB().ExecContext(ctx, "INSERT INTO remote_schedule (command, interval_s) VALUES ('uptime', 60)")
	assert.Error(t, err, "the failed migration's column must be rolled back")
}

func TestTx(t *testing.T) {
	errAbort := errors.New("abort")
	tests := []struct {
		name    string
		fnErr   error
		wantRow bool
	}{
		{name: "commit", wantRow: true},
		{name: "rollback", fnErr: errAbort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTemp(t)
			ctx := context.Background()

			err := s.Tx(ctx, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					"INSERT INTO plugin_state (namespace, state_key, value) VALUES ('system', 'boot_count', ?)",
					[]byte("1"))
				if err != nil {
					return err
				}
				return tt.fnErr
			})
			assert.ErrorIs(t, err, tt.fnErr)

			_, ok, err := s.Get(ctx, "system", "boot_count")
			require.NoError(t, err)
			assert.Equal(t, tt.wantRow, ok)
		})
	}
}

func TestClose(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "close.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "system", "boot_count")
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name       string
		sequence   []string
		wantErr    error
		wantStored string
	}{
		{name: "first run records version", sequence: []string{"0.2.0"}, wantStored: "0.2.0"},
		{name: "same version", sequence: []string{"0.2.0", "0.2.0"}, wantStored: "0.2.0"},
		{name: "patch upgrade", sequence: []string{"0.2.0", "0.2.1"}, wantStored: "0.2.1"},
		{name: "minor upgrade with v prefix", sequence: []string{"0.2.0", "v0.3.0"}, wantStored: "v0.3.0"},
		{name: "downgrade rejected", sequence: []string{"0.3.0", "0.2.9"}, wantErr: ErrNewerSchema, wantStored: "0.3.0"},
		{name: "dev binary over release", sequence: []string{"0.3.0", "dev"}, wantStored: "dev"},
		{name: "release over dev", sequence: []string{"dev", "0.1.0"}, wantStored: "0.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTemp(t)
			ctx := context.Background()

			var err error
			for _, v := range tt.sequence {
				if err = s.CheckVersion(ctx, v); err != nil {
					break
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			var stored string
			require.NoError(t, s.DB().QueryRowContext(ctx,
				"SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&stored))
			assert.Equal(t, tt.wantStored, stored)
		})
	}
}
