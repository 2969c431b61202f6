package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/transform/sseutil"
)

// TransformStream reads streamGenerateContent SSE bytes and emits unified
// chunks. This wire sends data-only frames; each payload is a full
// GenerateContentResponse with incremental candidate parts and cumulative
// usageMetadata.
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

	var (
		started  bool
		model    string
		toolIdx  int
		finished bool
	)
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		_, data, ok := sseutil.ParseLine(scanner.Text())
		if !ok || data == "" {
			continue
		}
		r := gjson.Parse(data)

		if !started {
			started = true
			model = r.Get("modelVersion").String()
			if !send(plexus.StreamChunk{Type: plexus.ChunkStart, Model: model}) {
				return
			}
		}

		candidate := r.Get("candidates.0")
		for _, p := range candidate.Get("content.parts").Array() {
			var c plexus.StreamChunk
			switch {
			case p.Get("functionCall").Exists():
				name := p.Get("functionCall.name").String()
				if !send(plexus.StreamChunk{
					Type:       plexus.ChunkToolCallStart,
					Model:      model,
					Index:      toolIdx,
					ToolCallID: name,
					ToolName:   name,
				}) {
					return
				}
				c = plexus.StreamChunk{
					Type:      plexus.ChunkToolCallDelta,
					Model:     model,
					Index:     toolIdx,
					ArgsDelta: p.Get("functionCall.args").Raw,
				}
				toolIdx++
			case p.Get("thought").Bool():
				c = plexus.StreamChunk{Type: plexus.ChunkReasoning, Model: model, Text: p.Get("text").String()}
			case p.Get("text").Exists():
				c = plexus.StreamChunk{Type: plexus.ChunkText, Model: model, Text: p.Get("text").String()}
			default:
				continue
			}
			if !send(c) {
				return
			}
		}

		if reason := candidate.Get("finishReason").String(); reason != "" && !finished {
			finished = true
			fin := mapFinishReason(reason, nil)
			if toolIdx > 0 {
				fin = "tool_calls"
			}
			if !send(plexus.StreamChunk{Type: plexus.ChunkFinish, Model: model, FinishReason: fin}) {
				return
			}
		}

		if u, ok := t.ExtractUsage(data); ok {
			if !send(plexus.StreamChunk{Type: plexus.ChunkUsage, Model: model, Usage: u}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- plexus.StreamChunk{Type: plexus.ChunkFinish, Err: fmt.Errorf("gemini: read stream: %w", err)}
		return
	}
	// The stream just ends after the final payload; synthesize the terminator.
	send(plexus.StreamChunk{Type: plexus.ChunkDone, Model: model})
}

// FormatStream turns unified chunks into streamGenerateContent SSE frames.
// Frames are batched per chunk; usage rides on the final frame.
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

	var (
		model  string
		usage  plexus.Usage
		finish string
		args   map[string]string // tool call id -> accumulated args
		names  map[string]string
		order  []string
	)

	emit := func(parts []map[string]any, final bool) bool {
		body := map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": parts},
				"index":   0,
			}},
		}
		if final {
			body["candidates"].([]map[string]any)[0]["finishReason"] = unmapFinishReason(finish)
			body["usageMetadata"] = usageToJSON(usage)
		}
		if model != "" {
			body["modelVersion"] = model
		}
		payload, _ := json.Marshal(body)
		return send(sseutil.DataFrame(payload))
	}

	for c := range chunks {
		if c.Err != nil {
			payload, _ := json.Marshal(map[string]any{
				"error": map[string]any{"code": 500, "message": c.Err.Error(), "status": "INTERNAL"},
			})
			send(sseutil.DataFrame(payload))
			return
		}
		switch c.Type {
		case plexus.ChunkStart:
			model = c.Model

		case plexus.ChunkText:
			if !emit([]map[string]any{{"text": c.Text}}, false) {
				return
			}
		case plexus.ChunkReasoning:
			if !emit([]map[string]any{{"text": c.Text, "thought": true}}, false) {
				return
			}

		case plexus.ChunkToolCallStart:
			if args == nil {
				args = map[string]string{}
				names = map[string]string{}
			}
			args[c.ToolCallID] = ""
			names[c.ToolCallID] = c.ToolName
			order = append(order, c.ToolCallID)

		case plexus.ChunkToolCallDelta:
			// Function calls arrive whole on this wire; buffer deltas and
			// flush once the stream finishes.
			if len(order) > 0 {
				id := order[len(order)-1]
				args[id] += c.ArgsDelta
			}

		case plexus.ChunkUsage:
			if c.Usage != nil {
				usage = *c.Usage
			}

		case plexus.ChunkFinish:
			finish = c.FinishReason

		case plexus.ChunkDone:
			var parts []map[string]any
			for _, id := range order {
				raw := args[id]
				if raw == "" {
					raw = "{}"
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": names[id],
						"args": json.RawMessage(raw),
					},
				})
			}
			if parts == nil {
				parts = []map[string]any{}
			}
			emit(parts, true)
			return
		}
	}
}
