// Package store persists conversation records behind a pluggable Backend.
//
// Invariants:
// - Save is a full, idempotent, atomic overwrite of one record.
// - Get of an absent id returns a ConversationNotFound error.
// - A single writer per conversation is assumed; backends serialise writes per id.
//
// Usage:
//
//	backend, _ := store.NewFileBackend(filepath.Join(home, ".parley", "conversations"))
//	s := store.New(backend)
//	conv, _ := s.Create(ctx, "Trip planning")
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRecordNotFound is returned by a Backend when no record exists for an id.
var ErrRecordNotFound = errors.New("record not found")

// Backend stores opaque conversation records keyed by id.
type Backend interface {
	// Name identifies the backend in metrics and logs.
	Name() string
	Load(ctx context.Context, id string) ([]byte, error)
	Store(ctx context.Context, id string, record []byte) error
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
	Close() error
}

// validateID rejects ids that are unsafe as file names or keys.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("conversation id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("conversation id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("conversation id cannot contain null bytes")
	}
	return nil
}
