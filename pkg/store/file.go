package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const recordExt = ".json"

// FileBackend keeps one JSON file per conversation in a directory.
type FileBackend struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewFileBackend creates the directory if needed. An empty dir defaults to
// ~/.parley/conversations.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".parley", "conversations")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}
	// MkdirAll leaves the mode of an existing directory alone.
	if err := os.Chmod(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to restrict conversations directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("File conversation backend initialized")
	return &FileBackend{dir: dir, writeLocks: make(map[string]*sync.Mutex)}, nil
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+recordExt)
}

func (b *FileBackend) writeLock(id string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()

	if lock, ok := b.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	b.writeLocks[id] = lock
	return lock
}

func (b *FileBackend) Load(_ context.Context, id string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}
	return data, nil
}

// Store writes to a temp file, syncs it and renames it over the record.
func (b *FileBackend) Store(_ context.Context, id string, record []byte) error {
	if err := validateID(id); err != nil {
		return err
	}

	lock := b.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	target := b.path(id)
	tempPath := target + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(record); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace conversation file: %w", err)
	}
	return nil
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	lock := b.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(b.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("failed to delete conversation file: %w", err)
	}

	b.locksMu.Lock()
	delete(b.writeLocks, id)
	b.locksMu.Unlock()
	return nil
}

func (b *FileBackend) IDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, recordExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *FileBackend) Close() error { return nil }
