package pipeline

import (
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/tokencount"
	"github.com/plexus-gw/plexus/internal/transform"
	"github.com/plexus-gw/plexus/internal/transform/sseutil"
)

// maxObservedText caps the text kept for token estimation.
const maxObservedText = 1 << 20

// inspector reads usage out of the client-bound SSE byte stream without
// modifying it. chat/gemini/responses report cumulative totals (keep max);
// messages reports split deltas (sum).
type inspector struct {
	tr         transform.Transformer
	cumulative bool

	usage       plexus.Usage
	sawUsage    bool
	sawThinking bool
	toolCalls   int
	text        strings.Builder
}

func newInspector(tr transform.Transformer) *inspector {
	return &inspector{
		tr:         tr,
		cumulative: tr.Name() != "messages",
	}
}

// observe parses one complete SSE frame for side-effect reads.
func (i *inspector) observe(frame []byte) {
	event, data := sseutil.EventData(frame)
	if data == "" || data == "[DONE]" {
		return
	}
	if u, ok := i.tr.ExtractUsage(data); ok {
		i.sawUsage = true
		if i.cumulative {
			i.usage.InputTokens = max(i.usage.InputTokens, u.InputTokens)
			i.usage.OutputTokens = max(i.usage.OutputTokens, u.OutputTokens)
			i.usage.ReasoningTokens = max(i.usage.ReasoningTokens, u.ReasoningTokens)
			i.usage.CachedTokens = max(i.usage.CachedTokens, u.CachedTokens)
			i.usage.CacheCreationTokens = max(i.usage.CacheCreationTokens, u.CacheCreationTokens)
		} else {
			i.usage.InputTokens += u.InputTokens
			i.usage.OutputTokens += u.OutputTokens
			i.usage.ReasoningTokens += u.ReasoningTokens
			i.usage.CachedTokens += u.CachedTokens
			i.usage.CacheCreationTokens += u.CacheCreationTokens
		}
	}
	i.observeContent(event, data)
}

// observeContent accumulates visible text and thinking signals per dialect.
func (i *inspector) observeContent(event, data string) {
	r := gjson.Parse(data)
	switch i.tr.Name() {
	case "chat":
		delta := r.Get("choices.0.delta")
		i.addText(delta.Get("content").String())
		if delta.Get("reasoning_content").Exists() {
			i.sawThinking = true
		}
		for _, tc := range delta.Get("tool_calls").Array() {
			if tc.Get("function.name").String() != "" {
				i.toolCalls++
			}
		}

	case "messages":
		switch r.Get("delta.type").String() {
		case "text_delta":
			i.addText(r.Get("delta.text").String())
		case "thinking_delta":
			i.sawThinking = true
		}
		if r.Get("type").String() == "content_block_start" &&
			r.Get("content_block.type").String() == "tool_use" {
			i.toolCalls++
		}

	case "gemini":
		for _, p := range r.Get("candidates.0.content.parts").Array() {
			switch {
			case p.Get("functionCall").Exists():
				i.toolCalls++
			case p.Get("thought").Bool():
				i.sawThinking = true
			case p.Get("text").Exists():
				i.addText(p.Get("text").String())
			}
		}

	case "responses":
		typ := r.Get("type").String()
		if typ == "" {
			typ = event
		}
		switch typ {
		case "response.output_text.delta":
			i.addText(r.Get("delta").String())
		case "response.reasoning_summary_text.delta":
			i.sawThinking = true
		case "response.output_item.added":
			if r.Get("item.type").String() == "function_call" {
				i.toolCalls++
			}
		}
	}
}

func (i *inspector) addText(s string) {
	if i.text.Len() < maxObservedText {
		i.text.WriteString(s)
	}
}

// finalize applies imputation and estimation and returns the usage to record.
// estimated reports whether any field was derived rather than provider-reported.
func (i *inspector) finalize(counter *tokencount.Counter, req *plexus.UnifiedRequest) (usage plexus.Usage, estimated bool) {
	usage = i.usage

	// Providers that stream thinking without a reasoning breakdown fold it
	// into output_tokens; attribute the excess over observed text back to
	// reasoning.
	if i.sawThinking && usage.ReasoningTokens == 0 && i.text.Len() > 0 {
		textTokens := counter.CountText(i.text.String())
		if usage.OutputTokens > textTokens {
			usage.ReasoningTokens = usage.OutputTokens - textTokens
			usage.OutputTokens = textTokens
			estimated = true
		}
	}

	if !i.sawUsage {
		usage.InputTokens = counter.EstimateRequest(req)
		if i.text.Len() > 0 {
			usage.OutputTokens = counter.CountText(i.text.String())
		}
		estimated = true
	}
	return usage, estimated
}
