// Package store persists conversation history in SQLite.
package store
