package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/transform/sseutil"
)

// TransformStream reads chat completions SSE bytes and emits unified chunks.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser, ch chan<- plexus.StreamChunk) {
	defer close(ch)
	defer body.Close()

	send := func(c plexus.StreamChunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			ch <- plexus.StreamChunk{Type: plexus.ChunkFinish, Err: ctx.Err()}
			return false
		}
	}

	started := false
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseLine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			send(plexus.StreamChunk{Type: plexus.ChunkDone})
			return
		}

		r := gjson.Parse(data)
		id := r.Get("id").String()
		model := r.Get("model").String()

		if !started {
			started = true
			if !send(plexus.StreamChunk{Type: plexus.ChunkStart, ID: id, Model: model}) {
				return
			}
		}

		delta := r.Get("choices.0.delta")
		if text := delta.Get("content"); text.Type == gjson.String && text.String() != "" {
			if !send(plexus.StreamChunk{Type: plexus.ChunkText, ID: id, Model: model, Text: text.String()}) {
				return
			}
		}
		if reasoning := delta.Get("reasoning_content"); reasoning.String() != "" {
			if !send(plexus.StreamChunk{Type: plexus.ChunkReasoning, ID: id, Model: model, Text: reasoning.String()}) {
				return
			}
		}
		for _, tc := range delta.Get("tool_calls").Array() {
			idx := int(tc.Get("index").Int())
			if name := tc.Get("function.name").String(); name != "" {
				if !send(plexus.StreamChunk{
					Type:       plexus.ChunkToolCallStart,
					ID:         id,
					Model:      model,
					Index:      idx,
					ToolCallID: tc.Get("id").String(),
					ToolName:   name,
				}) {
					return
				}
			}
			if args := tc.Get("function.arguments").String(); args != "" {
				if !send(plexus.StreamChunk{
					Type:      plexus.ChunkToolCallDelta,
					ID:        id,
					Model:     model,
					Index:     idx,
					ArgsDelta: args,
				}) {
					return
				}
			}
		}
		if finish := r.Get("choices.0.finish_reason"); finish.Type == gjson.String && finish.String() != "" {
			if !send(plexus.StreamChunk{Type: plexus.ChunkFinish, ID: id, Model: model, FinishReason: finish.String()}) {
				return
			}
		}
		if usage, ok := t.ExtractUsage(data); ok {
			if !send(plexus.StreamChunk{Type: plexus.ChunkUsage, ID: id, Model: model, Usage: usage}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- plexus.StreamChunk{Type: plexus.ChunkFinish, Err: fmt.Errorf("chat: read stream: %w", err)}
	}
}

// FormatStream turns unified chunks into chat completions SSE frames.
func (t *Transformer) FormatStream(ctx context.Context, chunks <-chan plexus.StreamChunk, frames chan<- []byte) {
	defer close(frames)

	send := func(frame []byte) bool {
		select {
		case frames <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for c := range chunks {
		if c.Err != nil {
			return
		}
		switch c.Type {
		case plexus.ChunkStart:
			if !send(sseutil.DataFrame(buildDeltaChunk(c.ID, c.Model, map[string]any{"role": "assistant"}, ""))) {
				return
			}
		case plexus.ChunkText:
			if !send(sseutil.DataFrame(buildDeltaChunk(c.ID, c.Model, map[string]any{"content": c.Text}, ""))) {
				return
			}
		case plexus.ChunkReasoning:
			if !send(sseutil.DataFrame(buildDeltaChunk(c.ID, c.Model, map[string]any{"reasoning_content": c.Text}, ""))) {
				return
			}
		case plexus.ChunkToolCallStart:
			delta := map[string]any{
				"tool_calls": []map[string]any{{
					"index": c.Index,
					"id":    c.ToolCallID,
					"type":  "function",
					"function": map[string]any{
						"name":      c.ToolName,
						"arguments": "",
					},
				}},
			}
			if !send(sseutil.DataFrame(buildDeltaChunk(c.ID, c.Model, delta, ""))) {
				return
			}
		case plexus.ChunkToolCallDelta:
			if !send(sseutil.DataFrame(buildToolCallDeltaChunk(c.ID, c.Model, c.Index, c.ArgsDelta))) {
				return
			}
		case plexus.ChunkFinish:
			if !send(sseutil.DataFrame(buildFinishChunk(c.ID, c.Model, c.FinishReason))) {
				return
			}
		case plexus.ChunkUsage:
			if c.Usage != nil {
				if !send(sseutil.DataFrame(buildUsageChunk(c.ID, c.Model, c.Usage))) {
					return
				}
			}
		case plexus.ChunkDone:
			send(sseutil.DoneFrame())
			return
		}
	}
}

// buildDeltaChunk builds a chat streaming chunk with a delta payload.
func buildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": nilOrString(finishReason),
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildToolCallDeltaChunk builds a tool call arguments delta chunk.
func buildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	return buildDeltaChunk(id, model, map[string]any{
		"tool_calls": []map[string]any{{
			"index":    index,
			"function": map[string]any{"arguments": argumentsDelta},
		}},
	}, "")
}

// buildFinishChunk builds a chunk carrying only the finish reason.
func buildFinishChunk(id, model, finishReason string) []byte {
	if finishReason == "" {
		finishReason = "stop"
	}
	chunk := map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{},
			"finish_reason": finishReason,
		}},
	}
	b, _ := json.Marshal(chunk)
	return b
}

// buildUsageChunk builds the trailing usage chunk.
func buildUsageChunk(id, model string, usage *plexus.Usage) []byte {
	chunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"model":   model,
		"choices": []map[string]any{},
		"usage":   usageToJSON(*usage),
	}
	b, _ := json.Marshal(chunk)
	return b
}

func nilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
