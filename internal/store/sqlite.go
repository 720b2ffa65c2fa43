// ABOUTME: SQLite implementation of HistoryStore using modernc.org/sqlite.
// ABOUTME: Auto-creates the schema; WAL mode for concurrent chat loops.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements HistoryStore on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created as needed; pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite history store initialized", "path", path)
	return s, nil
}

// createSchema creates the chat turn table if it does not exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_turns (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_turns_chat_id
			ON chat_turns(chat_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append implements HistoryStore.
func (s *SQLiteStore) Append(ctx context.Context, chatID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_turns (id, chat_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), chatID, role, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending chat turn: %w", err)
	}
	return nil
}

// Recent implements HistoryStore. Returns the last limit turns in
// chronological order.
func (s *SQLiteStore) Recent(ctx context.Context, chatID string, limit int) ([]ChatTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, created_at FROM (
			SELECT id, chat_id, role, content, created_at
			FROM chat_turns
			WHERE chat_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chat turns: %w", err)
	}
	defer rows.Close()

	var turns []ChatTurn
	for rows.Next() {
		var turn ChatTurn
		if err := rows.Scan(&turn.ID, &turn.ChatID, &turn.Role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
