// Package policy provides the pluggable fact-worthiness decision hook.
//
// During ingestion the coordinator asks a Policy whether a message
// contains anything worth remembering long-term. The heuristic itself is
// deliberately external to the engine: implementations range from the
// keyword matcher in the keyword subpackage to the LLM-backed extractor
// in the openai subpackage. Whether a newer fact of the same kind should
// displace an older one's index entry is likewise a policy-layer choice;
// the coordinator never does it on its own.
package policy

import (
	"context"

	"github.com/TheSethRose/tristore/pkg/recordstore"
)

// KindUserFact is the conventional kind tag for facts about the user.
const KindUserFact = "user_fact"

// Candidate is one extracted fact candidate.
type Candidate struct {
	// Kind is the fact kind tag, e.g. "user_fact".
	Kind string

	// Content is the self-contained fact text.
	Content string

	// Confidence is the extraction confidence within [0, 1].
	Confidence float64
}

// Policy decides which message content becomes long-term facts.
//
// Extract returns zero or more candidates; returning an empty slice (or
// nil) means nothing in the message is worth remembering, which is not an
// error. Implementations must be safe for concurrent use.
type Policy interface {
	Extract(ctx context.Context, role recordstore.Role, content string) ([]Candidate, error)
}

// None is a Policy that never extracts anything. It is the explicit way
// to run the engine as a pure conversation log.
type None struct{}

// Extract always returns no candidates.
func (None) Extract(context.Context, recordstore.Role, string) ([]Candidate, error) {
	return nil, nil
}
