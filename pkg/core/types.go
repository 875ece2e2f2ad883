package core

import (
	"github.com/vitalchat/healthmem-go/pkg/episodic"
	"github.com/vitalchat/healthmem-go/pkg/procedural"
	"github.com/vitalchat/healthmem-go/pkg/shortterm"
)

// MemoryContext is the combined retrieval result across all memory tiers.
//
// A tier that failed or was excluded from the retrieval is simply empty; the
// Warnings field records which tiers degraded so callers can distinguish "no
// memories" from "tier unavailable".
//
// Example:
//
//	mc, _ := client.Retrieve(ctx, "user-1", "session-1", "how did I sleep?")
//	for _, turn := range mc.ShortTerm {
//	    fmt.Println(turn.Role, turn.Content)
//	}
type MemoryContext struct {
	// ShortTerm holds the recent conversation turns, oldest first.
	ShortTerm []shortterm.Turn `json:"short_term,omitempty"`

	// Episodic holds the durable events most relevant to the query,
	// most similar first.
	Episodic []episodic.Event `json:"episodic,omitempty"`

	// Procedural is the tool-plan suggestion for the query, nil when
	// procedural retrieval was excluded or degraded.
	Procedural *procedural.Plan `json:"procedural,omitempty"`

	// Warnings names the tiers that failed during retrieval, with the
	// reason. Empty on a fully healthy retrieval.
	Warnings []TierWarning `json:"warnings,omitempty"`

	// TraceID correlates this retrieval's log lines.
	TraceID string `json:"trace_id,omitempty"`
}

// TierWarning records a degraded tier in a retrieval result.
type TierWarning struct {
	// Tier is the degraded tier name ("short_term", "episodic", "procedural").
	Tier string `json:"tier"`

	// Reason is the human-readable failure description.
	Reason string `json:"reason"`
}

// Degraded reports whether any tier failed during the retrieval.
func (mc *MemoryContext) Degraded() bool {
	return len(mc.Warnings) > 0
}

// Tier names used in reports, warnings, and logs.
const (
	TierShortTerm  = "short_term"
	TierEpisodic   = "episodic"
	TierProcedural = "procedural"
)

// StoreReport is the outcome of a StoreTurn call across the tiers it wrote.
//
// Each tier outcome is recorded independently; a failure in one tier never
// rolls back another. Use Partial to detect mixed outcomes and Err to convert
// the report into an error value.
type StoreReport struct {
	// Written lists the tiers that accepted the write.
	Written []string `json:"written,omitempty"`

	// FailedTiers lists the tiers that rejected the write.
	FailedTiers []string `json:"failed,omitempty"`

	// errs holds the per-tier failures, index-aligned with FailedTiers.
	errs []error
}

// recordSuccess marks a tier as written.
func (r *StoreReport) recordSuccess(tier string) {
	r.Written = append(r.Written, tier)
}

// recordFailure marks a tier as failed.
func (r *StoreReport) recordFailure(tier string, err error) {
	r.FailedTiers = append(r.FailedTiers, tier)
	r.errs = append(r.errs, err)
}

// Partial reports whether some tiers succeeded while others failed.
func (r *StoreReport) Partial() bool {
	return len(r.Written) > 0 && len(r.FailedTiers) > 0
}

// Failed reports whether every attempted tier failed.
func (r *StoreReport) Failed() bool {
	return len(r.Written) == 0 && len(r.FailedTiers) > 0
}

// Err converts the report into an error value.
//
// Returns nil when every tier succeeded, a PartialWriteError when the
// outcome was mixed, and the first tier error when everything failed.
func (r *StoreReport) Err() error {
	switch {
	case len(r.FailedTiers) == 0:
		return nil
	case len(r.Written) == 0:
		return NewMemoryError("StoreTurn", r.errs[0])
	default:
		return &PartialWriteError{Failed: r.FailedTiers, Errs: r.errs}
	}
}
