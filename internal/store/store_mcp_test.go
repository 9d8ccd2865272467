package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/HerbHall/switchyard/internal/mcp"
	"github.com/HerbHall/switchyard/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The state store and the MCP audit log share one database and one
// _migrations table; reopening must not rerun either owner's schema.
func TestOpen_SharedWithAuditLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "switchyard.db")

	s, err := store.Open(ctx, store.Config{Path: path})
	require.NoError(t, err)
	audit, err := mcp.NewAuditStore(ctx, s)
	require.NoError(t, err)
	require.NoError(t, audit.Insert(ctx, mcp.AuditEntry{
		Timestamp: time.Now().UTC(),
		ToolName:  "list_plugins",
		Caller:    mcp.CallerHTTP,
		Success:   true,
	}))
	require.NoError(t, s.Set(ctx, "mcp", "last_tool", []byte("list_plugins")))
	require.NoError(t, s.Close())

	s, err = store.Open(ctx, store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	audit, err = mcp.NewAuditStore(ctx, s)
	require.NoError(t, err)

	entries, total, err := audit.List(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "list_plugins", entries[0].ToolName)

	got, ok, err := s.Get(ctx, "mcp", "last_tool")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "list_plugins", string(got))

	var owners int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT plugin_name) FROM _migrations WHERE plugin_name IN ('state', 'mcp')").Scan(&owners))
	assert.Equal(t, 2, owners)
}
