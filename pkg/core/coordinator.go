package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vitalchat/healthmem-go/pkg/shortterm"
)

// Retrieve assembles memory context for an incoming query.
//
// The three tiers are queried concurrently. A tier failure never fails the
// retrieval: the failed tier is left empty, recorded in the result's
// Warnings, and logged with the retrieval's trace ID. The only errors
// Retrieve itself returns are input validation failures.
//
// Parameters:
//   - userID: Owner of the episodic and procedural memories
//   - sessionID: Conversation whose recent turns to include
//   - queryText: The incoming user query, used for semantic search
//   - opts: Optional per-call overrides (see RetrieveOption)
//
// Returns the combined MemoryContext. Check Degraded() to detect partial
// results.
func (c *Client) Retrieve(ctx context.Context, userID, sessionID, queryText string, opts ...RetrieveOption) (*MemoryContext, error) {
	if userID == "" {
		return nil, NewMemoryError("Retrieve", fmt.Errorf("%w: user id is required", ErrInvalidInput))
	}
	if sessionID == "" {
		return nil, NewMemoryError("Retrieve", fmt.Errorf("%w: session id is required", ErrInvalidInput))
	}

	var options retrieveOptions
	for _, opt := range opts {
		opt(&options)
	}

	mc := &MemoryContext{TraceID: uuid.NewString()}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	degrade := func(tier string, err error) {
		c.logger.Warn("memory tier degraded during retrieval",
			"tier", tier, "trace_id", mc.TraceID, "err", err)
		mu.Lock()
		mc.Warnings = append(mc.Warnings, TierWarning{Tier: tier, Reason: err.Error()})
		mu.Unlock()
	}

	// Each tier runs under its own deadline so one stuck tier degrades
	// instead of stalling the whole retrieval.
	if !options.skipShortTerm {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tierCtx, cancel := context.WithTimeout(ctx, c.tierTimeout)
			defer cancel()
			turns, err := c.shortTerm.GetRecent(tierCtx, sessionID, options.maxTurns)
			if err != nil {
				degrade(TierShortTerm, err)
				return
			}
			mc.ShortTerm = turns
		}()
	}

	if !options.skipEpisodic {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tierCtx, cancel := context.WithTimeout(ctx, c.tierTimeout)
			defer cancel()
			events, err := c.episodic.Search(tierCtx, userID, queryText, options.eventTypeFilter, options.topK)
			if err != nil {
				degrade(TierEpisodic, err)
				return
			}
			mc.Episodic = events
		}()
	}

	if !options.skipProcedural {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tierCtx, cancel := context.WithTimeout(ctx, c.tierTimeout)
			defer cancel()
			plan, err := c.procedural.Suggest(tierCtx, userID, queryText, options.topK)
			if err != nil {
				degrade(TierProcedural, err)
				return
			}
			mc.Procedural = plan
		}()
	}

	wg.Wait()
	return mc, nil
}

// StoreTurn records the outcome of one conversation exchange.
//
// The turn always goes to the short-term buffer. Options attach additional
// writes: a durable episodic event, a procedural tool-usage pattern. Tier
// writes are independent; one tier failing does not stop or roll back the
// others. The returned report names each tier's outcome, and the returned
// error mirrors the report: nil when everything landed, a PartialWriteError
// for mixed outcomes, a plain error when every tier failed.
//
// Example:
//
//	report, err := client.StoreTurn(ctx, userID, sessionID,
//	    shortterm.Turn{Role: shortterm.RoleUser, Content: "I want to run a 10k"},
//	    core.WithDurableEvent(&episodic.Event{
//	        Type:        episodic.TypeGoal,
//	        Description: "wants to run a 10k",
//	    }))
func (c *Client) StoreTurn(ctx context.Context, userID, sessionID string, turn shortterm.Turn, opts ...StoreOption) (*StoreReport, error) {
	if userID == "" {
		return nil, NewMemoryError("StoreTurn", fmt.Errorf("%w: user id is required", ErrInvalidInput))
	}
	if sessionID == "" {
		return nil, NewMemoryError("StoreTurn", fmt.Errorf("%w: session id is required", ErrInvalidInput))
	}

	var options storeOptions
	for _, opt := range opts {
		opt(&options)
	}

	report := &StoreReport{}

	if err := c.shortTerm.Append(ctx, sessionID, turn); err != nil {
		report.recordFailure(TierShortTerm, err)
	} else {
		report.recordSuccess(TierShortTerm)
	}

	if options.event != nil {
		event := options.event
		if event.UserID == "" {
			event.UserID = userID
		}
		if _, err := c.episodic.Store(ctx, event); err != nil {
			report.recordFailure(TierEpisodic, err)
		} else {
			report.recordSuccess(TierEpisodic)
		}
	}

	if options.pattern != nil {
		if _, err := c.procedural.Record(ctx, userID, options.pattern); err != nil {
			report.recordFailure(TierProcedural, err)
		} else {
			report.recordSuccess(TierProcedural)
		}
	}

	if err := report.Err(); err != nil {
		c.logger.Warn("turn stored with failures",
			"written", report.Written, "failed", report.FailedTiers, "err", err)
		return report, err
	}
	return report, nil
}
