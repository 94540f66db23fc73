// Package openai provides an LLM-backed fact-worthiness policy using the
// OpenAI chat completions API.
//
// The model is prompted to return a JSON facts array; responses that are
// not parseable yield no candidates rather than an error surfaced as
// unusable, because the coordinator treats extraction as best-effort.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/TheSethRose/tristore/pkg/policy"
	"github.com/TheSethRose/tristore/pkg/recordstore"
)

const systemPrompt = `You extract long-term facts about the user from a single conversational message.

Rules:
- Only extract factual information: preferences, personal details, decisions, goals, plans.
- Each fact must be self-contained (who/what/when/where).
- Extract distinct facts separately.
- If there is nothing worth remembering, return an empty list.

Respond with JSON only, in this shape:
{"facts": [{"content": "...", "confidence": 0.9}]}

Confidence is your certainty in [0,1] that the fact is stated, not inferred.`

// Policy is the LLM-backed fact extractor.
type Policy struct {
	client *openai.Client
	model  string
	kind   string
}

// Config is the configuration for the LLM policy.
type Config struct {
	// APIKey is the API key.
	APIKey string

	// Model is the chat model name (default gpt-4o-mini).
	Model string

	// BaseURL overrides the API base URL for compatible endpoints.
	BaseURL string

	// Kind is the kind tag assigned to extracted facts (default
	// policy.KindUserFact).
	Kind string
}

// New creates an LLM-backed policy.
func New(cfg *Config) *Policy {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	kind := cfg.Kind
	if kind == "" {
		kind = policy.KindUserFact
	}

	return &Policy{
		client: openai.NewClientWithConfig(config),
		model:  model,
		kind:   kind,
	}
}

// Extract asks the model for fact candidates in the user's message.
// Agent and system messages never produce facts.
func (p *Policy) Extract(ctx context.Context, role recordstore.Role, content string) ([]policy.Candidate, error) {
	if role != recordstore.RoleUser {
		return nil, nil
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Input:\n%s", content)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("policy: extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	return p.parseResponse(resp.Choices[0].Message.Content), nil
}

// factsResponse is the expected JSON shape of the model reply.
type factsResponse struct {
	Facts []struct {
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
	} `json:"facts"`
}

// parseResponse parses the model reply into candidates. Unparseable
// replies yield no candidates.
func (p *Policy) parseResponse(raw string) []policy.Candidate {
	raw = stripCodeFence(raw)

	var parsed factsResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}

	candidates := make([]policy.Candidate, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		confidence := f.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		candidates = append(candidates, policy.Candidate{
			Kind:       p.kind,
			Content:    content,
			Confidence: confidence,
		})
	}
	return candidates
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
