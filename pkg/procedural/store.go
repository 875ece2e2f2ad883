// Package procedural provides the per-user tool-pattern store.
//
// Procedural memory records which tool sequence answered a past query well,
// so a similar future query can reuse the proven plan. Patterns are
// vector-indexed by their query description, partitioned by user, immutable,
// and destroyed only by TTL expiry.
package procedural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/charmbracelet/log"

	"github.com/vitalchat/healthmem-go/pkg/connection"
	"github.com/vitalchat/healthmem-go/pkg/embedder"
	"github.com/vitalchat/healthmem-go/pkg/storage"
)

// ErrValidation indicates a caller bug: a pattern that violates the store's
// boundary invariants. Validation errors are never retried.
var ErrValidation = errors.New("invalid procedural pattern")

// DefaultStoreThreshold is the minimum success score a pattern needs to be
// worth remembering. Recording a weaker pattern is a visible no-op.
const DefaultStoreThreshold = 0.7

// defaultConfidence is the confidence of the fallback plan returned when no
// prior patterns exist.
const defaultConfidence = 0.3

// Metadata keys under which pattern attributes are stored.
const (
	metaTools         = "tools_used"
	metaSuccessScore  = "success_score"
	metaExecutionTime = "execution_time_ms"
)

// Pattern is a learned (query, tool sequence, outcome) record.
type Pattern struct {
	// ID is the unique identifier, assigned by the store.
	ID int64 `json:"id"`

	// UserID identifies the user who owns this pattern.
	UserID string `json:"user_id"`

	// QueryDescription is the query shape this pattern answered.
	QueryDescription string `json:"query_description"`

	// ToolsUsed is the ordered tool sequence that was executed.
	ToolsUsed []string `json:"tools_used"`

	// SuccessScore is the outcome quality in [0, 1].
	SuccessScore float64 `json:"success_score"`

	// ExecutionTimeMS is how long the tool sequence took.
	ExecutionTimeMS uint32 `json:"execution_time_ms"`

	// CreatedAt is when the pattern was recorded.
	CreatedAt time.Time `json:"created_at"`

	// Score is the similarity score from search operations.
	Score float64 `json:"score,omitempty"`
}

// Plan is a tool-sequence suggestion for a new query.
type Plan struct {
	// SuggestedTools is the ordered tool sequence to try.
	SuggestedTools []string `json:"suggested_tools"`

	// Confidence is how strongly the suggestion is backed by past
	// outcomes, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Reasoning is a short human-readable justification.
	Reasoning string `json:"reasoning"`
}

// Config contains procedural store configuration.
type Config struct {
	// StoreThreshold is the minimum success score for recording.
	// Defaults to 0.7.
	StoreThreshold float64

	// TTL is how long patterns stay retrievable. Defaults to 7 months.
	TTL time.Duration

	// DefaultTopK is the search depth when the caller passes topK <= 0.
	// Defaults to 3.
	DefaultTopK int

	// EmbedTimeout bounds each embedding computation. Defaults to 5s.
	EmbedTimeout time.Duration

	// SearchTimeout bounds each vector search. Defaults to 1s.
	SearchTimeout time.Duration
}

// DefaultTTL is the default procedural retention period (~7 months).
const DefaultTTL = 210 * 24 * time.Hour

// Store is the per-user procedural pattern store.
type Store struct {
	store    storage.Store
	conn     *connection.Manager
	embedder embedder.Provider
	node     *snowflake.Node
	cfg      Config
	logger   *log.Logger
}

// New creates a procedural store.
func New(store storage.Store, conn *connection.Manager, provider embedder.Provider, node *snowflake.Node, cfg Config, logger *log.Logger) *Store {
	if cfg.StoreThreshold <= 0 {
		cfg.StoreThreshold = DefaultStoreThreshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 3
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
		logger:   logger.With("component", "procedural"),
	}
}

// Record persists a pattern when its success score meets the storage
// threshold.
//
// Returns (false, nil) — a no-op, not an error — when the score falls below
// the threshold: unproven workflows are not worth remembering. Returns true
// when the pattern was stored.
func (s *Store) Record(ctx context.Context, userID string, pattern *Pattern) (bool, error) {
	if err := validatePattern(userID, pattern); err != nil {
		return false, err
	}
	if pattern.SuccessScore < s.cfg.StoreThreshold {
		s.logger.Debug("pattern below storage threshold, skipping",
			"score", pattern.SuccessScore, "threshold", s.cfg.StoreThreshold)
		return false, nil
	}

	embedding, err := s.embed(ctx, pattern.QueryDescription)
	if err != nil {
		return false, fmt.Errorf("procedural record: %w", err)
	}

	toolsJSON, err := json.Marshal(pattern.ToolsUsed)
	if err != nil {
		return false, fmt.Errorf("procedural record: %w", err)
	}

	now := time.Now()
	rec := &storage.VectorRecord{
		ID:      s.node.Generate().Int64(),
		UserID:  userID,
		Kind:    storage.KindProcedural,
		Content: pattern.QueryDescription,
		Metadata: map[string]string{
			metaTools:         string(toolsJSON),
			metaSuccessScore:  strconv.FormatFloat(pattern.SuccessScore, 'f', -1, 64),
			metaExecutionTime: strconv.FormatUint(uint64(pattern.ExecutionTimeMS), 10),
		},
		Embedding: embedding,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	err = s.conn.Execute(ctx, func(ctx context.Context) error {
		return s.store.InsertVector(ctx, rec)
	})
	if err != nil {
		return false, err
	}

	pattern.ID = rec.ID
	pattern.UserID = userID
	pattern.CreatedAt = rec.CreatedAt
	return true, nil
}

// Suggest proposes a tool plan for a new query based on similar past
// patterns.
//
// Among the top-k most similar patterns, the one with the highest success
// score is selected — a proven workflow is preferred over the nearest
// semantic match. When no patterns exist, a low-confidence default plan is
// returned rather than an error: procedural suggestion is advisory, never
// blocking.
func (s *Store) Suggest(ctx context.Context, userID, queryText string, topK int) (*Plan, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	embedding, err := s.embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("procedural suggest: %w", err)
	}

	var records []*storage.VectorRecord
	err = s.conn.ExecuteTimeout(ctx, s.cfg.SearchTimeout, func(ctx context.Context) error {
		var err error
		records, err = s.store.SearchVectors(ctx, embedding, &storage.SearchOptions{
			UserID: userID,
			Kind:   storage.KindProcedural,
			Limit:  topK,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return &Plan{
			SuggestedTools: nil,
			Confidence:     defaultConfidence,
			Reasoning:      "no similar past workflows; proceed with standard tool selection",
		}, nil
	}

	best := patternFromRecord(records[0])
	for _, rec := range records[1:] {
		candidate := patternFromRecord(rec)
		if candidate.SuccessScore > best.SuccessScore {
			best = candidate
		}
	}

	return &Plan{
		SuggestedTools: best.ToolsUsed,
		Confidence:     best.SuccessScore,
		Reasoning: fmt.Sprintf(
			"a similar query (%.0f%% match) previously succeeded with this tool sequence",
			best.Score*100),
	}, nil
}

// Purge removes all procedural patterns for one user and returns the count.
func (s *Store) Purge(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	var n int64
	err := s.conn.Execute(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.DeleteVectors(ctx, userID, storage.KindProcedural)
		return err
	})
	return n, err
}

// embed computes an embedding under the embed timeout, so a hung provider
// cannot stall recording or suggestion indefinitely.
func (s *Store) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()
	return s.embedder.Embed(ctx, text)
}

// patternFromRecord decodes a stored pattern. Corrupt metadata degrades to
// zero values rather than failing the suggestion.
func patternFromRecord(rec *storage.VectorRecord) *Pattern {
	p := &Pattern{
		ID:               rec.ID,
		UserID:           rec.UserID,
		QueryDescription: rec.Content,
		CreatedAt:        rec.CreatedAt,
		Score:            rec.Score,
	}
	if raw, ok := rec.Metadata[metaTools]; ok {
		_ = json.Unmarshal([]byte(raw), &p.ToolsUsed)
	}
	if raw, ok := rec.Metadata[metaSuccessScore]; ok {
		p.SuccessScore, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := rec.Metadata[metaExecutionTime]; ok {
		ms, _ := strconv.ParseUint(raw, 10, 32)
		p.ExecutionTimeMS = uint32(ms)
	}
	return p
}

// validatePattern enforces the store-boundary invariants.
func validatePattern(userID string, pattern *Pattern) error {
	if pattern == nil {
		return fmt.Errorf("%w: pattern is required", ErrValidation)
	}
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(pattern.QueryDescription) == "" {
		return fmt.Errorf("%w: query description must not be empty", ErrValidation)
	}
	if len(pattern.ToolsUsed) == 0 {
		return fmt.Errorf("%w: tool sequence must not be empty", ErrValidation)
	}
	if pattern.SuccessScore < 0 || pattern.SuccessScore > 1 {
		return fmt.Errorf("%w: success score %v outside [0, 1]", ErrValidation, pattern.SuccessScore)
	}
	return nil
}
