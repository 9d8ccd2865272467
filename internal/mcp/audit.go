package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/switchyard/internal/store"
)

// AuditEntry represents a single MCP tool invocation record.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ToolName     string    `json:"tool_name"`
	PluginID     string    `json:"plugin_id"`
	InputJSON    string    `json:"input_json"`
	Caller       string    `json:"caller"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// AuditStore handles persistence for MCP tool call audit records.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore runs the audit migrations on s and returns a store backed
// by its database.
func NewAuditStore(ctx context.Context, s *store.Store) (*AuditStore, error) {
	if err := s.Migrate(ctx, "mcp", auditMigrations(s.Driver())); err != nil {
		return nil, fmt.Errorf("mcp migrations: %w", err)
	}
	return &AuditStore{db: s.DB()}, nil
}

func auditMigrations(driver string) []store.Migration {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == store.DriverMySQL {
		idColumn = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	return []store.Migration{
		{
			Version:     1,
			Description: "create mcp audit log table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE mcp_audit_log (
						` + idColumn + `,
						timestamp     VARCHAR(40)  NOT NULL,
						tool_name     VARCHAR(255) NOT NULL,
						plugin_id     VARCHAR(128) NOT NULL,
						input_json    TEXT         NOT NULL,
						caller        VARCHAR(32)  NOT NULL,
						duration_ms   BIGINT       NOT NULL DEFAULT 0,
						success       INTEGER      NOT NULL DEFAULT 1,
						error_message TEXT         NOT NULL
					)`,
					`CREATE INDEX idx_mcp_audit_timestamp ON mcp_audit_log(timestamp)`,
					`CREATE INDEX idx_mcp_audit_tool ON mcp_audit_log(tool_name)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Insert records an audit entry.
func (s *AuditStore) Insert(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcp_audit_log (timestamp, tool_name, plugin_id, input_json, caller, duration_ms, success, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.ToolName,
		entry.PluginID,
		entry.InputJSON,
		entry.Caller,
		entry.DurationMs,
		boolToInt(entry.Success),
		entry.ErrorMessage,
	)
	return err
}

// List returns audit entries with optional filtering by tool name.
// Returns entries ordered by timestamp descending, total row count, and any error.
func (s *AuditStore) List(ctx context.Context, toolName string, limit, offset int) ([]AuditEntry, int, error) {
	countQuery := "SELECT COUNT(*) FROM mcp_audit_log"
	var filterArgs []any
	if toolName != "" {
		countQuery += " WHERE tool_name = ?"
		filterArgs = append(filterArgs, toolName)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, filterArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, timestamp, tool_name, plugin_id, input_json, caller, duration_ms, success, error_message FROM mcp_audit_log"
	if toolName != "" {
		query += " WHERE tool_name = ?"
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	dataArgs := make([]any, 0, len(filterArgs)+2)
	dataArgs = append(dataArgs, filterArgs...)
	dataArgs = append(dataArgs, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var e AuditEntry
		var ts string
		var success int
		if err := rows.Scan(&e.ID, &ts, &e.ToolName, &e.PluginID, &e.InputJSON, &e.Caller, &e.DurationMs, &success, &e.ErrorMessage); err != nil {
			return nil, 0, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Success = success != 0
		entries = append(entries, e)
	}

	return entries, total, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
