// Package inmemory provides an in-process implementation of the backing
// store for tests and local development.
//
// All data lives in process memory behind a single mutex. TTL semantics
// match the database backends: expired entries are invisible to reads but
// are not proactively removed.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// Client implements storage.Store entirely in process memory.
type Client struct {
	mu sync.Mutex

	turns   map[string][]*storage.TurnRecord
	kv      map[string]kvEntry
	vectors map[int64]*storage.VectorRecord

	// now is injectable for expiry tests.
	now func() time.Time
}

type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewClient creates an empty in-memory backing store.
func NewClient() *Client {
	return &Client{
		turns:   make(map[string][]*storage.TurnRecord),
		kv:      make(map[string]kvEntry),
		vectors: make(map[int64]*storage.VectorRecord),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Intended for expiry tests.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// AppendTurn appends a turn to its session's log.
func (c *Client) AppendTurn(ctx context.Context, turn *storage.TurnRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := *turn
	c.turns[turn.SessionID] = append(c.turns[turn.SessionID], &copied)
	return nil
}

// RecentTurns returns up to limit most recent live turns in chronological
// order.
func (c *Client) RecentTurns(ctx context.Context, sessionID string, limit int) ([]*storage.TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var live []*storage.TurnRecord
	for _, t := range c.turns[sessionID] {
		if t.ExpiresAt.After(now) {
			live = append(live, t)
		}
	}
	if limit > 0 && len(live) > limit {
		live = live[len(live)-limit:]
	}

	out := make([]*storage.TurnRecord, len(live))
	for i, t := range live {
		copied := *t
		out[i] = &copied
	}
	return out, nil
}

// ClearTurns removes all turns for a session.
func (c *Client) ClearTurns(ctx context.Context, sessionID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := int64(len(c.turns[sessionID]))
	delete(c.turns, sessionID)
	return n, nil
}

// PutKV stores a value under key, replacing any existing entry.
func (c *Client) PutKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := make([]byte, len(value))
	copy(copied, value)
	c.kv[key] = kvEntry{value: copied, expiresAt: c.now().Add(ttl)}
	return nil
}

// GetKV retrieves a live value by key.
func (c *Client) GetKV(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.kv[key]
	if !ok || !entry.expiresAt.After(c.now()) {
		return nil, storage.ErrKeyNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// DeleteKV removes a key.
func (c *Client) DeleteKV(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.kv, key)
	return nil
}

// InsertVector inserts a vector record.
func (c *Client) InsertVector(ctx context.Context, rec *storage.VectorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := copyRecord(rec)
	c.vectors[rec.ID] = copied
	return nil
}

// GetVector retrieves a live vector record by ID, restricted to the user.
func (c *Client) GetVector(ctx context.Context, id int64, userID string) (*storage.VectorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.vectors[id]
	if !ok || rec.UserID != userID || !rec.ExpiresAt.After(c.now()) {
		return nil, storage.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

// UpdateVector replaces content, metadata, and embedding of an existing
// record owned by the user.
func (c *Client) UpdateVector(ctx context.Context, id int64, userID, content string, metadata map[string]string, embedding []float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.vectors[id]
	if !ok || rec.UserID != userID {
		return storage.ErrRecordNotFound
	}
	rec.Content = content
	rec.Metadata = copyMetadata(metadata)
	rec.Embedding = append([]float64(nil), embedding...)
	return nil
}

// SearchVectors performs cosine-similarity search over live records.
func (c *Client) SearchVectors(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.VectorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var candidates []*storage.VectorRecord
	for _, rec := range c.vectors {
		if rec.UserID != opts.UserID || rec.Kind != opts.Kind {
			continue
		}
		if opts.Tag != "" && rec.Tag != opts.Tag {
			continue
		}
		if !rec.ExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, copyRecord(rec))
	}

	return storage.Rank(candidates, embedding, opts), nil
}

// DeleteVectors removes all records of one kind for one user.
func (c *Client) DeleteVectors(ctx context.Context, userID, kind string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	for id, rec := range c.vectors {
		if rec.UserID == userID && rec.Kind == kind {
			delete(c.vectors, id)
			n++
		}
	}
	return n, nil
}

// Close releases nothing; the store is garbage-collected.
func (c *Client) Close() error {
	return nil
}

func copyRecord(rec *storage.VectorRecord) *storage.VectorRecord {
	copied := *rec
	copied.Embedding = append([]float64(nil), rec.Embedding...)
	copied.Metadata = copyMetadata(rec.Metadata)
	return &copied
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
