// ABOUTME: HistoryStore interface and data types for chat persistence.
// ABOUTME: The hub core only needs append and ordered recent reads per chat.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ChatTurn is one persisted exchange in a chat's history.
type ChatTurn struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// HistoryStore persists chat turns. Retention is the store's own policy;
// the hub never prunes history itself.
type HistoryStore interface {
	// Append records one turn at the end of the chat's history.
	Append(ctx context.Context, chatID, role, content string) error

	// Recent returns up to limit of the chat's most recent turns in
	// chronological order. An unknown chat yields an empty slice.
	Recent(ctx context.Context, chatID string, limit int) ([]ChatTurn, error)

	Close() error
}
