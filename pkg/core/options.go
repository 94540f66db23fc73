package core

import "github.com/TheSethRose/tristore/pkg/vectorindex"

// ingestOptions collects per-call Ingest settings.
type ingestOptions struct {
	userID               string
	conversationMetadata map[string]interface{}
}

// IngestOption customizes a single Ingest call.
type IngestOption func(*ingestOptions)

// WithUserID attributes the ingested turn to a user; the identifier is
// stored on the cached session and stamped into fact tags.
func WithUserID(userID string) IngestOption {
	return func(o *ingestOptions) {
		o.userID = userID
	}
}

// WithConversationMetadata merges metadata into the durable conversation
// record when the session's conversation is first created or touched.
func WithConversationMetadata(metadata map[string]interface{}) IngestOption {
	return func(o *ingestOptions) {
		o.conversationMetadata = metadata
	}
}

// recallOptions collects per-call Recall settings.
type recallOptions struct {
	filter      *vectorindex.Filter
	slack       float64
	mergeRecent bool
	recentHead  int
}

// RecallOption customizes a single Recall call.
type RecallOption func(*recallOptions)

// WithFilter narrows retrieval to vector entries matching the filter
// before ranking.
func WithFilter(filter *vectorindex.Filter) RecallOption {
	return func(o *recallOptions) {
		o.filter = filter
	}
}

// WithSlack overrides the configured over-fetch factor for this call.
func WithSlack(slack float64) RecallOption {
	return func(o *recallOptions) {
		if slack > 0 {
			o.slack = slack
		}
	}
}

// WithRecentMessages merges up to n entries from the session's
// recent-message ring ahead of the ranked results, deduplicated against
// them by durable message identity.
func WithRecentMessages(n int) RecallOption {
	return func(o *recallOptions) {
		o.mergeRecent = true
		o.recentHead = n
	}
}
