// Package keyword provides a heuristic fact-worthiness policy.
//
// It looks for first-person statements of identity, occupation, location
// and preference in user messages. It needs no model and no network,
// which makes it the default policy: the engine works out of the box and
// deployments swap in the LLM-backed extractor when they want recall
// quality over predictability.
package keyword

import (
	"context"
	"strings"

	"github.com/TheSethRose/tristore/pkg/policy"
	"github.com/TheSethRose/tristore/pkg/recordstore"
)

// pattern pairs a first-person lead-in with the confidence assigned to
// sentences that start with it.
type pattern struct {
	prefix     string
	confidence float64
}

// patterns are checked in order; the first match wins for a sentence.
// Identity statements score highest, soft preferences lowest.
var patterns = []pattern{
	{"my name is ", 1.0},
	{"i am called ", 1.0},
	{"i work as ", 1.0},
	{"i work at ", 0.9},
	{"i live in ", 0.9},
	{"i am a ", 0.8},
	{"i am an ", 0.8},
	{"i'm a ", 0.8},
	{"i'm an ", 0.8},
	{"i prefer ", 0.7},
	{"i like ", 0.6},
	{"i love ", 0.6},
	{"i hate ", 0.6},
	{"i dislike ", 0.6},
}

// Policy is the keyword-based fact extractor.
type Policy struct{}

// New creates a keyword policy.
func New() *Policy {
	return &Policy{}
}

// Extract scans user messages sentence by sentence for first-person
// statements. Agent and system messages never produce facts.
func (p *Policy) Extract(_ context.Context, role recordstore.Role, content string) ([]policy.Candidate, error) {
	if role != recordstore.RoleUser {
		return nil, nil
	}

	var candidates []policy.Candidate
	for _, sentence := range splitSentences(content) {
		lower := strings.ToLower(sentence)
		for _, pat := range patterns {
			if strings.HasPrefix(lower, pat.prefix) {
				candidates = append(candidates, policy.Candidate{
					Kind:       policy.KindUserFact,
					Content:    sentence,
					Confidence: pat.confidence,
				})
				break
			}
		}
	}
	return candidates, nil
}

// splitSentences splits on sentence punctuation and trims whitespace.
func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
