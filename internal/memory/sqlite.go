package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers "sqlite"

	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and if needed creates) the memory database at path.
// An empty path uses an in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// modernc's driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'core',
			created_at DATETIME NOT NULL,
			metadata TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUserMemories(ctx context.Context, userID string) ([]models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, type, created_at, metadata
		FROM memories WHERE user_id = ? ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var entries []models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) AddMemory(ctx context.Context, entry *models.MemoryEntry) error {
	fillDefaults(entry)
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, content, type, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, entry.Content, string(entry.Type), entry.CreatedAt, string(metadata))
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceAll(ctx context.Context, userID, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			_ = rbErr
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM memories WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	if content != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (id, user_id, content, type, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), userID, content, string(models.MemoryCore), time.Now().UTC(), "{}")
		if err != nil {
			return fmt.Errorf("failed to insert replacement memory: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete memories: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMemoryByID(ctx context.Context, id string) (*models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, content, type, created_at, metadata
		FROM memories WHERE id = ?
	`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

func (s *SQLiteStore) UpdateMemoryByID(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE memories SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) DeleteMemoryByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func fillDefaults(entry *models.MemoryEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Type == "" {
		entry.Type = models.MemoryCore
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.MemoryEntry, error) {
	var entry models.MemoryEntry
	var typ, metadata string
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.Content, &typ, &entry.CreatedAt, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan memory row: %w", err)
	}
	entry.Type = models.MemoryType(typ)
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &entry, nil
}
