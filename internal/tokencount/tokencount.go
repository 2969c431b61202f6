// Package tokencount provides token estimation for usage accounting when a
// provider omits usage. Uses a character-based heuristic (~4 chars per token
// for English); sufficient for bookkeeping, replaceable with a real tokenizer
// if exact counts become necessary.
package tokencount

import (
	plexus "github.com/plexus-gw/plexus/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the input token count for a unified request.
// Accounts for per-message overhead (role, formatting) per the OpenAI
// tokenization spec.
func (c *Counter) EstimateRequest(req *plexus.UnifiedRequest) int {
	const overhead = 4
	total := 0
	if req.System != "" {
		total += overhead + estimateTokens(req.System)
	}
	for _, m := range req.Messages {
		total += overhead
		total += estimateTokens(m.Role)
		for _, p := range m.Parts {
			switch p.Type {
			case plexus.PartText, plexus.PartReasoning:
				total += estimateTokens(p.Text)
			case plexus.PartToolCall:
				total += estimateTokens(p.ToolName) + estimateTokens(string(p.ToolInput))
			case plexus.PartToolResult:
				total += estimateTokens(string(p.ToolResult))
			}
		}
	}
	for _, tl := range req.Tools {
		total += estimateTokens(tl.Name) + estimateTokens(tl.Description) + estimateTokens(string(tl.Parameters))
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// estimateTokens uses the ~4 characters per token heuristic.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
