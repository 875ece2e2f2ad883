// Package shortterm provides the per-session conversation buffer.
//
// Turns are appended in arrival order and retrieved newest-last for direct
// use as LLM context. Trimming to the token budget happens at read time; the
// underlying store may retain more history than any single retrieval
// returns, bounded only by TTL.
package shortterm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vitalchat/healthmem-go/pkg/connection"
	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	// RoleUser marks a turn authored by the end user.
	RoleUser Role = "user"

	// RoleAssistant marks a turn authored by the assistant.
	RoleAssistant Role = "assistant"
)

// Turn is a single conversation exchange half.
//
// Turns are append-only: created on every chat exchange, never mutated, and
// destroyed by TTL expiry or an explicit session clear.
type Turn struct {
	// Role is the speaker.
	Role Role `json:"role"`

	// Content is the turn text.
	Content string `json:"content"`

	// Timestamp is when the turn occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Config contains short-term store configuration.
type Config struct {
	// MaxTurns is the default retrieval depth. Defaults to 10.
	MaxTurns int

	// ContextWindowTokens is the model's context window size used for
	// budget math. Defaults to 8192.
	ContextWindowTokens int

	// TokenBudgetFraction is the fraction of the context window retrieval
	// may fill. Defaults to 0.8.
	TokenBudgetFraction float64

	// MinRetainedTurns is the floor below which trimming never drops.
	// Defaults to 2.
	MinRetainedTurns int

	// TTL is how long turns stay retrievable. Defaults to 7 months.
	TTL time.Duration
}

// DefaultTTL is the default conversation retention period (~7 months).
const DefaultTTL = 210 * 24 * time.Hour

// Store is the session-scoped recency buffer.
//
// All backing-store traffic goes through the connection manager. Appends to
// the same session are serialized by a per-session mutex so that submission
// order is preserved even if the caller issues concurrent appends.
type Store struct {
	store storage.Store
	conn  *connection.Manager
	cfg   Config

	// sessionLocks serializes appends per session.
	sessionLocks sync.Map // session id -> *sync.Mutex

	logger *log.Logger
}

// New creates a short-term store.
func New(store storage.Store, conn *connection.Manager, cfg Config, logger *log.Logger) *Store {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 10
	}
	if cfg.ContextWindowTokens <= 0 {
		cfg.ContextWindowTokens = 8192
	}
	if cfg.TokenBudgetFraction <= 0 || cfg.TokenBudgetFraction > 1 {
		cfg.TokenBudgetFraction = 0.8
	}
	if cfg.MinRetainedTurns <= 0 {
		cfg.MinRetainedTurns = 2
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		store:  store,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("component", "shortterm"),
	}
}

// Append appends a turn to the session's log.
//
// Appends to the same session are serialized to preserve caller-submission
// order; appends to different sessions proceed concurrently.
func (s *Store) Append(ctx context.Context, sessionID string, turn Turn) error {
	if sessionID == "" {
		return errors.New("shortterm: session id is required")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	rec := &storage.TurnRecord{
		SessionID: sessionID,
		Role:      string(turn.Role),
		Content:   turn.Content,
		CreatedAt: turn.Timestamp,
		ExpiresAt: time.Now().Add(s.cfg.TTL),
	}
	return s.conn.Execute(ctx, func(ctx context.Context) error {
		return s.store.AppendTurn(ctx, rec)
	})
}

// GetRecent returns up to maxTurns most recent turns in chronological order
// (newest last), trimmed to the token budget.
//
// If maxTurns <= 0, the configured default retrieval depth is used. The
// returned slice never exceeds the token budget and never holds fewer than
// min(MinRetainedTurns, available) turns.
func (s *Store) GetRecent(ctx context.Context, sessionID string, maxTurns int) ([]Turn, error) {
	if maxTurns <= 0 {
		maxTurns = s.cfg.MaxTurns
	}

	var records []*storage.TurnRecord
	err := s.conn.Execute(ctx, func(ctx context.Context) error {
		var err error
		records, err = s.store.RecentTurns(ctx, sessionID, maxTurns)
		return err
	})
	if err != nil {
		return nil, err
	}

	turns := make([]Turn, len(records))
	for i, rec := range records {
		turns[i] = Turn{
			Role:      Role(rec.Role),
			Content:   rec.Content,
			Timestamp: rec.CreatedAt,
		}
	}

	return s.trimToBudget(turns), nil
}

// Clear removes all turns for a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.conn.Execute(ctx, func(ctx context.Context) error {
		_, err := s.store.ClearTurns(ctx, sessionID)
		return err
	})
}

// trimToBudget drops oldest turns until the approximate token count fits
// within the configured fraction of the context window, never dropping below
// the retained-turn floor.
func (s *Store) trimToBudget(turns []Turn) []Turn {
	budget := int(float64(s.cfg.ContextWindowTokens) * s.cfg.TokenBudgetFraction)

	total := 0
	for _, t := range turns {
		total += approxTokens(t)
	}

	dropped := 0
	for total > budget && len(turns) > s.cfg.MinRetainedTurns {
		total -= approxTokens(turns[0])
		turns = turns[1:]
		dropped++
	}
	if dropped > 0 {
		s.logger.Debug("trimmed turns to token budget",
			"dropped", dropped, "kept", len(turns), "approx_tokens", total)
	}
	return turns
}

// approxTokens estimates the token count of a turn. The ~4 characters per
// token heuristic plus a small per-turn overhead is deliberately rough;
// trimming only needs to be conservative, not exact.
func approxTokens(t Turn) int {
	return len(t.Content)/4 + 4
}

// lockFor returns the mutex serializing appends for a session.
func (s *Store) lockFor(sessionID string) *sync.Mutex {
	if mu, ok := s.sessionLocks.Load(sessionID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
