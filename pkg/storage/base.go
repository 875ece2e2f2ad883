// Package storage provides interfaces and types for the backing
// key/value + vector store.
//
// It defines the Store interface that all backends must satisfy. The backing
// store holds three namespaces: conversation turns (per-session ordered log),
// a key/value namespace (embedding cache), and a vector namespace (episodic
// and procedural records). Every row carries an expiry instant; backends
// filter expired rows on read and never run their own sweep goroutine —
// physical removal is left to the database's own expiry or external vacuum.
package storage

import (
	"context"
	"errors"
	"time"
)

// Predefined errors for storage operations.
var (
	// ErrKeyNotFound indicates that a key/value lookup found no live entry.
	ErrKeyNotFound = errors.New("key not found")

	// ErrRecordNotFound indicates that a vector record lookup found no live
	// record, or that access control excluded it.
	ErrRecordNotFound = errors.New("record not found")
)

// Vector record kinds. Each kind is an isolated namespace within the vector
// store; searches never cross kinds.
const (
	// KindEpisodic marks durable user events (goals, preferences, notes).
	KindEpisodic = "episodic"

	// KindProcedural marks learned query-to-tool-sequence patterns.
	KindProcedural = "procedural"
)

// TurnRecord is a single conversation turn in the per-session log.
//
// Turns are append-only: created on every chat exchange, never mutated, and
// destroyed only by expiry or an explicit session clear.
type TurnRecord struct {
	// SessionID scopes the turn to one conversation session.
	SessionID string

	// Role is the speaker ("user" or "assistant").
	Role string

	// Content is the turn text.
	Content string

	// CreatedAt is when the turn was appended.
	CreatedAt time.Time

	// ExpiresAt is when the turn stops being retrievable.
	ExpiresAt time.Time
}

// VectorRecord is an immutable vector-indexed record, partitioned by user.
//
// Episodic events and procedural patterns both map onto this shape; the Kind
// field separates their namespaces and Tag carries the exact-match filter
// value (the event type for episodic records).
type VectorRecord struct {
	// ID is the unique identifier of the record.
	ID int64

	// UserID identifies the user who owns this record. Always set; every
	// search is restricted to one user.
	UserID string

	// Kind is the record namespace (KindEpisodic or KindProcedural).
	Kind string

	// Tag is an exact-match filter value. For episodic records this is the
	// event type; procedural records leave it empty.
	Tag string

	// Content is the indexed text (event description or query description).
	Content string

	// Metadata contains additional structured string attributes.
	Metadata map[string]string

	// Embedding is the vector embedding for similarity search.
	Embedding []float64

	// CreatedAt is when the record was written.
	CreatedAt time.Time

	// ExpiresAt is when the record stops being retrievable.
	ExpiresAt time.Time

	// Score is the similarity score from search operations.
	Score float64
}

// SearchOptions contains options for vector search operations.
type SearchOptions struct {
	// UserID restricts results to a single user. Required; backends reject
	// unscoped searches to guarantee cross-tenant isolation.
	UserID string

	// Kind restricts results to one record namespace.
	Kind string

	// Tag, when non-empty, restricts results to records with this exact tag.
	Tag string

	// Limit sets the maximum number of results (top-k).
	Limit int

	// MinScore excludes results scoring below this similarity. Zero means
	// no floor is enforced.
	MinScore float64
}

// Store defines the interface for backing-store backends.
//
// All backends (SQLite, PostgreSQL, MySQL, in-memory) must implement this
// interface. Methods must honor ctx cancellation and filter expired rows.
type Store interface {
	// AppendTurn appends a turn to its session's log.
	AppendTurn(ctx context.Context, turn *TurnRecord) error

	// RecentTurns returns up to limit most recent live turns for a session
	// in chronological order (oldest first, newest last).
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]*TurnRecord, error)

	// ClearTurns removes all turns for a session. Returns the number of
	// turns removed.
	ClearTurns(ctx context.Context, sessionID string) (int64, error)

	// PutKV stores a value under key with the given TTL, replacing any
	// existing entry.
	PutKV(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetKV retrieves a live value by key. Returns ErrKeyNotFound when the
	// key is absent or expired.
	GetKV(ctx context.Context, key string) ([]byte, error)

	// DeleteKV removes a key. Deleting an absent key is not an error.
	DeleteKV(ctx context.Context, key string) error

	// InsertVector inserts a vector record.
	InsertVector(ctx context.Context, rec *VectorRecord) error

	// GetVector retrieves a live vector record by ID, restricted to the
	// given user. Returns ErrRecordNotFound otherwise.
	GetVector(ctx context.Context, id int64, userID string) (*VectorRecord, error)

	// UpdateVector replaces the content, metadata, and embedding of an
	// existing record owned by the given user.
	UpdateVector(ctx context.Context, id int64, userID, content string, metadata map[string]string, embedding []float64) error

	// SearchVectors performs cosine-similarity search over live records
	// matching opts, returning up to opts.Limit results ordered by score
	// descending. Records with equal scores (within floating-point
	// tolerance) are ordered by CreatedAt descending.
	SearchVectors(ctx context.Context, embedding []float64, opts *SearchOptions) ([]*VectorRecord, error)

	// DeleteVectors removes all records of one kind for one user and
	// returns the number removed.
	DeleteVectors(ctx context.Context, userID, kind string) (int64, error)

	// Close closes the backend and releases resources.
	Close() error
}
