package core

import (
	"github.com/vitalchat/healthmem-go/pkg/episodic"
	"github.com/vitalchat/healthmem-go/pkg/procedural"
)

// RetrieveOption configures a Retrieve call.
type RetrieveOption func(*retrieveOptions)

// retrieveOptions holds the resolved options for one retrieval.
type retrieveOptions struct {
	skipShortTerm  bool
	skipEpisodic   bool
	skipProcedural bool

	maxTurns        int
	topK            int
	eventTypeFilter *episodic.EventType
}

// WithoutShortTerm excludes the conversation buffer from the retrieval.
func WithoutShortTerm() RetrieveOption {
	return func(o *retrieveOptions) {
		o.skipShortTerm = true
	}
}

// WithoutEpisodic excludes durable events from the retrieval.
func WithoutEpisodic() RetrieveOption {
	return func(o *retrieveOptions) {
		o.skipEpisodic = true
	}
}

// WithoutProcedural excludes the tool-plan suggestion from the retrieval.
func WithoutProcedural() RetrieveOption {
	return func(o *retrieveOptions) {
		o.skipProcedural = true
	}
}

// WithMaxTurns overrides the short-term retrieval depth for this call.
func WithMaxTurns(n int) RetrieveOption {
	return func(o *retrieveOptions) {
		o.maxTurns = n
	}
}

// WithTopK overrides the episodic and procedural search depth for this call.
func WithTopK(k int) RetrieveOption {
	return func(o *retrieveOptions) {
		o.topK = k
	}
}

// WithEventTypeFilter restricts episodic retrieval to a single event type.
//
// Example:
//
//	mc, err := client.Retrieve(ctx, userID, sessionID, query,
//	    core.WithEventTypeFilter(episodic.TypeGoal))
func WithEventTypeFilter(t episodic.EventType) RetrieveOption {
	return func(o *retrieveOptions) {
		o.eventTypeFilter = &t
	}
}

// StoreOption configures a StoreTurn call.
type StoreOption func(*storeOptions)

// storeOptions holds the resolved options for one store call.
type storeOptions struct {
	event   *episodic.Event
	pattern *procedural.Pattern
}

// WithDurableEvent additionally records a durable episodic event alongside
// the conversation turn. The event's UserID is filled from the call if empty.
func WithDurableEvent(event *episodic.Event) StoreOption {
	return func(o *storeOptions) {
		o.event = event
	}
}

// WithToolOutcome additionally records a tool-usage pattern alongside the
// conversation turn. Patterns below the success threshold are silently
// skipped by the procedural store.
func WithToolOutcome(pattern *procedural.Pattern) StoreOption {
	return func(o *storeOptions) {
		o.pattern = pattern
	}
}
