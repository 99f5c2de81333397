package chunks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a chunk id does not exist.
var ErrNotFound = errors.New("chunk not found")

// SQLiteStore is a SQLite-backed chunk store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the chunk database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		summary TEXT,
		project_id TEXT,
		tags TEXT,
		status TEXT NOT NULL DEFAULT 'inbox',
		source TEXT,
		token_count INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create appends a new chunk in inbox status and returns it.
func (s *SQLiteStore) Create(ctx context.Context, req CreateRequest) (*Chunk, error) {
	if req.Content == "" {
		return nil, errors.New("chunk content must not be empty")
	}

	now := time.Now().UTC()
	chunk := &Chunk{
		ID:         uuid.New(),
		Content:    req.Content,
		ProjectID:  req.ProjectID,
		Tags:       req.Tags,
		Status:     StatusInbox,
		Source:     req.Source,
		TokenCount: estimateTokens(req.Content),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tags, err := json.Marshal(chunk.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	var projectID any
	if chunk.ProjectID != nil {
		projectID = chunk.ProjectID.String()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, content, summary, project_id, tags, status, source, token_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID.String(), chunk.Content, chunk.Summary, projectID, string(tags),
		string(chunk.Status), chunk.Source, chunk.TokenCount, chunk.CreatedAt, chunk.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chunk: %w", err)
	}

	return chunk, nil
}

// Get retrieves a chunk by id. Returns ErrNotFound if it does not exist.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, summary, project_id, tags, status, source, token_count, created_at, updated_at
		FROM chunks WHERE id = ?`, id.String())
	return scanChunk(row)
}

// ListRecent returns up to limit chunks ordered newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, summary, project_id, tags, status, source, token_count, created_at, updated_at
		FROM chunks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *chunk)
	}
	return out, rows.Err()
}

// CountByStatus returns chunk counts grouped by pipeline status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM chunks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		chunk     Chunk
		id        string
		summary   sql.NullString
		projectID sql.NullString
		tags      sql.NullString
		source    sql.NullString
	)

	err := row.Scan(&id, &chunk.Content, &summary, &projectID, &tags,
		&chunk.Status, &source, &chunk.TokenCount, &chunk.CreatedAt, &chunk.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	chunk.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse chunk id %q: %w", id, err)
	}
	chunk.Summary = summary.String
	chunk.Source = source.String

	if projectID.Valid {
		pid, err := uuid.Parse(projectID.String)
		if err != nil {
			return nil, fmt.Errorf("parse project id %q: %w", projectID.String, err)
		}
		chunk.ProjectID = &pid
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &chunk.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}

	return &chunk, nil
}
