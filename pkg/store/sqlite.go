package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteBackend keeps records in a single conversations table.
type SQLiteBackend struct {
	db *sql.DB
}

// recordHeader is the subset of a record mirrored into indexed columns.
type recordHeader struct {
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSQLiteBackend opens (or creates) the database at dsn. ":memory:" gives an
// ephemeral database bound to a single connection.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("SQLite conversation backend initialized")
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			record BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`
	_, err := b.db.Exec(schema)
	return err
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Load(ctx context.Context, id string) ([]byte, error) {
	var record []byte
	err := b.db.QueryRowContext(ctx, "SELECT record FROM conversations WHERE id = ?", id).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return record, nil
}

func (b *SQLiteBackend) Store(ctx context.Context, id string, record []byte) error {
	if err := validateID(id); err != nil {
		return err
	}

	var header recordHeader
	if err := json.Unmarshal(record, &header); err != nil {
		return fmt.Errorf("failed to read record header: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			record = excluded.record
	`, id, header.Title, header.CreatedAt.UnixNano(), header.UpdatedAt.UnixNano(), record)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	return tx.Commit()
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (b *SQLiteBackend) IDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT id FROM conversations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
