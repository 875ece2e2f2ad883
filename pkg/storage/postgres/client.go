// Package postgres provides the PostgreSQL implementation of the backing
// store.
//
// Vectors are stored as JSONB arrays; candidate rows are filtered by user,
// kind, tag, and expiry in SQL and ranked in process, so no vector extension
// is required. Expired rows are filtered on every read; physical removal is
// left to the database's own maintenance.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// Client implements storage.Store using PostgreSQL as the backend.
type Client struct {
	db *sql.DB

	dimensions int
}

// Config contains configuration for creating a PostgreSQL backing store.
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	DBName             string
	SSLMode            string
	EmbeddingDimension int
}

// NewClient creates a new PostgreSQL backing-store client and initializes
// the turn, key/value, and vector tables.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{
		db:         db,
		dimensions: cfg.EmbeddingDimension,
	}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database table structure.
func (c *Client) initTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS kv_entries (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			tag TEXT,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_user_kind ON vectors(user_id, kind, tag)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}
	return nil
}

// AppendTurn appends a turn to its session's log.
func (c *Client) AppendTurn(ctx context.Context, turn *storage.TurnRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, role, content, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, turn.SessionID, turn.Role, turn.Content, turn.CreatedAt, turn.ExpiresAt)
	if err != nil {
		return fmt.Errorf("AppendTurn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit most recent live turns in chronological
// order.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*storage.TurnRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at, expires_at
		FROM turns
		WHERE session_id = $1 AND expires_at > $2
		ORDER BY id DESC
		LIMIT $3
	`, sessionID, time.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("RecentTurns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*storage.TurnRecord
	for rows.Next() {
		var t storage.TurnRecord
		if err := rows.Scan(&t.SessionID, &t.Role, &t.Content, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, fmt.Errorf("RecentTurns: %w", err)
		}
		turns = append(turns, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ClearTurns removes all turns for a session.
func (c *Client) ClearTurns(ctx context.Context, sessionID string) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("ClearTurns: %w", err)
	}
	return result.RowsAffected()
}

// PutKV stores a value under key, replacing any existing entry.
func (c *Client) PutKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, key, value, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("PutKV: %w", err)
	}
	return nil
}

// GetKV retrieves a live value by key.
func (c *Client) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries WHERE key = $1 AND expires_at > $2
	`, key, time.Now()).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetKV: %w", err)
	}
	return value, nil
}

// DeleteKV removes a key.
func (c *Client) DeleteKV(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("DeleteKV: %w", err)
	}
	return nil
}

// InsertVector inserts a vector record.
func (c *Client) InsertVector(ctx context.Context, rec *storage.VectorRecord) error {
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("InsertVector: %w", err)
	}
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("InsertVector: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO vectors (id, user_id, kind, tag, content, metadata, embedding, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.UserID, rec.Kind, rec.Tag, rec.Content,
		string(metadataJSON), string(embeddingJSON), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("InsertVector: %w", err)
	}
	return nil
}

// GetVector retrieves a live vector record by ID, restricted to the user.
func (c *Client) GetVector(ctx context.Context, id int64, userID string) (*storage.VectorRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, user_id, kind, tag, content, metadata, embedding, created_at, expires_at
		FROM vectors
		WHERE id = $1 AND user_id = $2 AND expires_at > $3
	`, id, userID, time.Now())

	rec, err := scanVector(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetVector: %w", err)
	}
	return rec, nil
}

// UpdateVector replaces content, metadata, and embedding of an existing
// record owned by the user.
func (c *Client) UpdateVector(ctx context.Context, id int64, userID, content string, metadata map[string]string, embedding []float64) error {
	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("UpdateVector: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("UpdateVector: %w", err)
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE vectors SET content = $1, metadata = $2, embedding = $3
		WHERE id = $4 AND user_id = $5
	`, content, string(metadataJSON), string(embeddingJSON), id, userID)
	if err != nil {
		return fmt.Errorf("UpdateVector: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateVector: %w", err)
	}
	if affected == 0 {
		return storage.ErrRecordNotFound
	}
	return nil
}

// SearchVectors performs cosine-similarity search over live records.
func (c *Client) SearchVectors(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.VectorRecord, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("SearchVectors: user scope is required")
	}

	query := `
		SELECT id, user_id, kind, tag, content, metadata, embedding, created_at, expires_at
		FROM vectors
		WHERE user_id = $1 AND kind = $2 AND expires_at > $3
	`
	args := []interface{}{opts.UserID, opts.Kind, time.Now()}
	if opts.Tag != "" {
		query += " AND tag = $4"
		args = append(args, opts.Tag)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("SearchVectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*storage.VectorRecord
	for rows.Next() {
		rec, err := scanVector(rows)
		if err != nil {
			return nil, fmt.Errorf("SearchVectors: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return storage.Rank(records, embedding, opts), nil
}

// DeleteVectors removes all records of one kind for one user.
func (c *Client) DeleteVectors(ctx context.Context, userID, kind string) (int64, error) {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM vectors WHERE user_id = $1 AND kind = $2
	`, userID, kind)
	if err != nil {
		return 0, fmt.Errorf("DeleteVectors: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanVector scans a vector record from a database row or rows.
func scanVector(scanner rowScanner) (*storage.VectorRecord, error) {
	var rec storage.VectorRecord
	var tag sql.NullString
	var metadataStr sql.NullString
	var embeddingStr string

	err := scanner.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Kind,
		&tag,
		&rec.Content,
		&metadataStr,
		&embeddingStr,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Tag = tag.String
	if err := json.Unmarshal([]byte(embeddingStr), &rec.Embedding); err != nil {
		return nil, fmt.Errorf("parse embedding: %w", err)
	}
	if metadataStr.Valid && metadataStr.String != "" {
		if err := json.Unmarshal([]byte(metadataStr.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	return &rec, nil
}
