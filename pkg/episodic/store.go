// Package episodic provides the per-user durable event store.
//
// Episodic events are discrete facts worth remembering across sessions:
// goals, preferences, notable observations. Events are vector-indexed for
// semantic search, partitioned by user, immutable once written, and
// destroyed only by TTL expiry or an explicit per-user purge.
package episodic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"

	"github.com/vitalchat/healthmem-go/pkg/connection"
	"github.com/vitalchat/healthmem-go/pkg/embedder"
	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// ErrValidation indicates a caller bug: an event that violates the store's
// boundary invariants. Validation errors are never retried.
var ErrValidation = errors.New("invalid episodic event")

// EventType classifies an episodic event.
//
// The set is closed and validated at the store boundary; free-form type
// strings are rejected.
type EventType string

const (
	// TypeGoal marks a user goal ("run a half marathon in May").
	TypeGoal EventType = "goal"

	// TypePreference marks a stable preference ("prefers metric units").
	TypePreference EventType = "preference"

	// TypeNote marks a freestanding durable fact.
	TypeNote EventType = "note"

	// TypeObservation marks a fact derived from the user's health data.
	TypeObservation EventType = "observation"
)

// Valid reports whether t is a member of the closed event-type set.
func (t EventType) Valid() bool {
	switch t {
	case TypeGoal, TypePreference, TypeNote, TypeObservation:
		return true
	}
	return false
}

// ParseEventType converts a string into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Event is a durable user event.
type Event struct {
	// ID is the unique identifier, assigned by the store.
	ID int64 `json:"id"`

	// UserID identifies the user who owns this event.
	UserID string `json:"user_id"`

	// Type classifies the event.
	Type EventType `json:"event_type"`

	// Description is the event text. Never empty for a stored event.
	Description string `json:"description"`

	// Metadata contains additional structured attributes.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is when the event was stored.
	CreatedAt time.Time `json:"created_at"`

	// Score is the similarity score from search operations.
	Score float64 `json:"score,omitempty"`
}

// Config contains episodic store configuration.
type Config struct {
	// TTL is how long events stay retrievable. Defaults to 7 months.
	TTL time.Duration

	// DedupThreshold is the similarity at or above which a new event is
	// merged into an existing one instead of inserted. Defaults to 0.95;
	// negative disables deduplication.
	DedupThreshold float64

	// DefaultTopK is the search depth when the caller passes topK <= 0.
	// Defaults to 5.
	DefaultTopK int

	// EmbedTimeout bounds each embedding computation. Defaults to 5s.
	EmbedTimeout time.Duration

	// SearchTimeout bounds each vector search. Defaults to 1s.
	SearchTimeout time.Duration
}

// DefaultTTL is the default episodic retention period (~7 months).
const DefaultTTL = 210 * 24 * time.Hour

// Store is the per-user episodic event store.
type Store struct {
	store    storage.Store
	conn     *connection.Manager
	embedder embedder.Provider
	node     *snowflake.Node
	cfg      Config
	logger   *log.Logger
}

// New creates an episodic store.
//
// The embedder is expected to be the caching provider so that repeated
// queries do not recompute embeddings.
func New(store storage.Store, conn *connection.Manager, provider embedder.Provider, node *snowflake.Node, cfg Config, logger *log.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DedupThreshold == 0 {
		cfg.DedupThreshold = 0.95
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 5 * time.Second
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		store:    store,
		conn:     conn,
		embedder: provider,
		node:     node,
		cfg:      cfg,
		logger:   logger.With("component", "episodic"),
	}
}

// Store persists an event and returns its ID.
//
// The event must carry a user ID, a valid type, and a non-empty description;
// violations fail with a validation error before any I/O. When an existing
// same-user event is similar enough (dedup threshold), the new description
// is merged into it instead of creating a near-duplicate, and the existing
// ID is returned.
func (s *Store) Store(ctx context.Context, event *Event) (int64, error) {
	if err := validateEvent(event); err != nil {
		return 0, err
	}

	embedding, err := s.embed(ctx, event.Description)
	if err != nil {
		return 0, fmt.Errorf("episodic store: %w", err)
	}

	if s.cfg.DedupThreshold > 0 {
		if id, merged := s.tryMerge(ctx, event, embedding); merged {
			return id, nil
		}
	}

	now := time.Now()
	rec := &storage.VectorRecord{
		ID:        s.node.Generate().Int64(),
		UserID:    event.UserID,
		Kind:      storage.KindEpisodic,
		Tag:       string(event.Type),
		Content:   event.Description,
		Metadata:  event.Metadata,
		Embedding: embedding,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	err = s.conn.Execute(ctx, func(ctx context.Context) error {
		return s.store.InsertVector(ctx, rec)
	})
	if err != nil {
		return 0, err
	}

	event.ID = rec.ID
	event.CreatedAt = rec.CreatedAt
	return rec.ID, nil
}

// Search returns the top-k events most similar to the query text for one
// user, optionally restricted to a single event type.
//
// Results are ordered by similarity descending; equal scores (within
// floating-point tolerance) break toward the most recent event. An empty
// result is valid, not an error. No minimum-similarity floor is enforced;
// relevance filtering is the caller's concern.
func (s *Store) Search(ctx context.Context, userID, queryText string, typeFilter *EventType, topK int) ([]Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("episodic search: user id is required")
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	embedding, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("episodic search: %w", err)
	}

	opts := &storage.SearchOptions{
		UserID: userID,
		Kind:   storage.KindEpisodic,
		Limit:  topK,
	}
	if typeFilter != nil {
		if !typeFilter.Valid() {
			return nil, fmt.Errorf("episodic search: unknown event type %q", *typeFilter)
		}
		opts.Tag = string(*typeFilter)
	}

	records, err := s.search(ctx, embedding, opts)
	if err != nil {
		return nil, err
	}

	events := make([]Event, len(records))
	for i, rec := range records {
		events[i] = Event{
			ID:          rec.ID,
			UserID:      rec.UserID,
			Type:        EventType(rec.Tag),
			Description: rec.Content,
			Metadata:    rec.Metadata,
			CreatedAt:   rec.CreatedAt,
			Score:       rec.Score,
		}
	}
	return events, nil
}

// Purge removes all episodic events for one user and returns the count.
func (s *Store) Purge(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("episodic purge: user id is required")
	}
	var n int64
	err := s.conn.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.DeleteVectors(ctx, userID, storage.KindEpisodic)
		return err
	})
	return n, err
}

// tryMerge looks for an existing near-duplicate event and merges the new
// description into it. Merge failures are logged and fall back to a plain
// insert; deduplication is an optimization, never a correctness gate.
func (s *Store) tryMerge(ctx context.Context, event *Event, embedding []float64) (int64, bool) {
	opts := &storage.SearchOptions{
		UserID:   event.UserID,
		Kind:     storage.KindEpisodic,
		Tag:      string(event.Type),
		Limit:    1,
		MinScore: s.cfg.DedupThreshold,
	}

	matches, err := s.search(ctx, embedding, opts)
	if err != nil || len(matches) == 0 {
		return 0, false
	}

	existing := matches[0]
	mergedContent := existing.Content
	if event.Description != existing.Content {
		mergedContent = existing.Content + " " + event.Description
	}
	merged := averageEmbeddings(existing.Embedding, embedding)

	err = s.conn.Execute(ctx, func(ctx context.Context) error {
		return s.store.UpdateVector(ctx, existing.ID, existing.UserID, mergedContent, existing.Metadata, merged)
	})
	if err != nil {
		s.logger.Warn("duplicate merge failed, inserting new event", "err", err)
		return 0, false
	}

	s.logger.Debug("merged near-duplicate event",
		"existing_id", existing.ID, "score", matches[0].Score)
	return existing.ID, true
}

// embed computes an embedding under the embed timeout, so a hung provider
// cannot stall a store or search call indefinitely.
func (s *Store) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	return s.embedder.Embed(ctx, text)
}

// search runs one vector search through the connection manager with the
// search timeout as the per-operation deadline.
func (s *Store) search(ctx context.Context, embedding []float64, opts *storage.SearchOptions) ([]*storage.VectorRecord, error) {
	var records []*storage.VectorRecord
	err := s.conn.ExecuteTimeout(ctx, s.cfg.SearchTimeout, func(ctx context.Context) error {
		var err error
		records, err = s.store.SearchVectors(ctx, embedding, opts)
		return err
	})
	return records, err
}

// validateEvent enforces the store-boundary invariants.
func validateEvent(event *Event) error {
	if event == nil {
		return fmt.Errorf("%w: event is required", ErrValidation)
	}
	if event.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(event.Description) == "" {
		return fmt.Errorf("%w: description must not be empty", ErrValidation)
	}
	if !event.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, event.Type)
	}
	return nil
}

// averageEmbeddings averages two vectors and renormalizes to unit length.
func averageEmbeddings(a, b []float64) []float64 {
	if len(a) != len(b) {
		return a
	}
	out := make([]float64, len(a))
	var norm float64
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
		norm += out[i] * out[i]
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}
