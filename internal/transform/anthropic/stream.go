package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/transform/sseutil"
)

// streamState tracks the inbound messages SSE state machine.
type streamState struct {
	id    string
	model string
	// blockKind maps content block index to its type so deltas can be routed.
	blockKind map[int]string
}

// TransformStream reads messages SSE bytes and emits unified chunks.
func (t *Transformer) TransformStream(ctx context.Context, body io.ReadCloser, ch chan<- plexus.StreamChunk) {
	defer close(ch)
	defer body.Close()

	state := &streamState{blockKind: map[int]string{}}
	scanner := sseutil.NewScanner(body)

	var currentEvent string
	for scanner.Scan() {
		event, data, ok := sseutil.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}
		// Servers may omit the event: line; the payload carries its own type.
		ev := currentEvent
		if ev == "" {
			ev = gjson.Get(data, "type").String()
		}
		currentEvent = ""

		for _, c := range state.handleEvent(ev, data) {
			select {
			case ch <- c:
			case <-ctx.Done():
				ch <- plexus.StreamChunk{Type: plexus.ChunkFinish, Err: ctx.Err()}
				return
			}
		}
		if ev == "message_stop" {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- plexus.StreamChunk{Type: plexus.ChunkFinish, Err: fmt.Errorf("messages: read stream: %w", err)}
	}
}

// handleEvent processes a single messages SSE event into unified chunks.
func (s *streamState) handleEvent(event, data string) []plexus.StreamChunk {
	r := gjson.Parse(data)
	switch event {
	case "message_start":
		s.id = r.Get("message.id").String()
		s.model = r.Get("message.model").String()
		chunks := []plexus.StreamChunk{{Type: plexus.ChunkStart, ID: s.id, Model: s.model}}
		if u := r.Get("message.usage"); u.Exists() {
			usage := usageFromJSON(u)
			chunks = append(chunks, plexus.StreamChunk{Type: plexus.ChunkUsage, ID: s.id, Model: s.model, Usage: &usage})
		}
		return chunks

	case "content_block_start":
		idx := int(r.Get("index").Int())
		kind := r.Get("content_block.type").String()
		s.blockKind[idx] = kind
		if kind == "tool_use" {
			return []plexus.StreamChunk{{
				Type:       plexus.ChunkToolCallStart,
				ID:         s.id,
				Model:      s.model,
				Index:      idx,
				ToolCallID: r.Get("content_block.id").String(),
				ToolName:   r.Get("content_block.name").String(),
			}}
		}
		return nil

	case "content_block_delta":
		idx := int(r.Get("index").Int())
		switch r.Get("delta.type").String() {
		case "text_delta":
			return []plexus.StreamChunk{{
				Type: plexus.ChunkText, ID: s.id, Model: s.model, Index: idx,
				Text: r.Get("delta.text").String(),
			}}
		case "thinking_delta":
			return []plexus.StreamChunk{{
				Type: plexus.ChunkReasoning, ID: s.id, Model: s.model, Index: idx,
				Text: r.Get("delta.thinking").String(),
			}}
		case "input_json_delta":
			return []plexus.StreamChunk{{
				Type: plexus.ChunkToolCallDelta, ID: s.id, Model: s.model, Index: idx,
				ArgsDelta: r.Get("delta.partial_json").String(),
			}}
		}
		return nil

	case "message_delta":
		var chunks []plexus.StreamChunk
		if stop := r.Get("delta.stop_reason").String(); stop != "" {
			chunks = append(chunks, plexus.StreamChunk{
				Type: plexus.ChunkFinish, ID: s.id, Model: s.model,
				FinishReason: mapStopReason(stop),
			})
		}
		if u := r.Get("usage"); u.Exists() {
			usage := usageFromJSON(u)
			chunks = append(chunks, plexus.StreamChunk{Type: plexus.ChunkUsage, ID: s.id, Model: s.model, Usage: &usage})
		}
		return chunks

	case "message_stop":
		return []plexus.StreamChunk{{Type: plexus.ChunkDone, ID: s.id, Model: s.model}}

	case "error":
		return []plexus.StreamChunk{{
			Type: plexus.ChunkFinish,
			Err:  fmt.Errorf("messages: stream error: %s", r.Get("error.message").String()),
		}}
	}
	return nil
}

// formatState tracks the outbound messages SSE state machine: which content
// block is open and what usage to report at message_delta time.
type formatState struct {
	id         string
	model      string
	blockIndex int
	blockOpen  bool
	blockKind  plexus.ChunkType
	usage      plexus.Usage
	finish     string
}

// FormatStream turns unified chunks into messages SSE frames.
func (t *Transformer) FormatStream(ctx context.Context, chunks <-chan plexus.StreamChunk, frames chan<- []byte) {
	defer close(frames)

	st := &formatState{blockIndex: -1}
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
			payload, _ := json.Marshal(map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": c.Err.Error()},
			})
			send(sseutil.EventFrame("error", payload))
			return
		}
		for _, frame := range st.handleChunk(c) {
			if !send(frame) {
				return
			}
		}
		if c.Type == plexus.ChunkDone {
			return
		}
	}
}

func (st *formatState) handleChunk(c plexus.StreamChunk) [][]byte {
	switch c.Type {
	case plexus.ChunkStart:
		st.id = c.ID
		if st.id == "" {
			st.id = "msg_stream"
		}
		st.model = c.Model
		payload, _ := json.Marshal(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            st.id,
				"type":          "message",
				"role":          "assistant",
				"model":         st.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         usageToJSON(st.usage),
			},
		})
		return [][]byte{sseutil.EventFrame("message_start", payload)}

	case plexus.ChunkText, plexus.ChunkReasoning:
		var out [][]byte
		out = append(out, st.ensureBlock(c.Type, c)...)
		delta := map[string]any{"type": "text_delta", "text": c.Text}
		if c.Type == plexus.ChunkReasoning {
			delta = map[string]any{"type": "thinking_delta", "thinking": c.Text}
		}
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": st.blockIndex,
			"delta": delta,
		})
		return append(out, sseutil.EventFrame("content_block_delta", payload))

	case plexus.ChunkToolCallStart:
		var out [][]byte
		out = append(out, st.closeBlock()...)
		st.blockIndex++
		st.blockOpen = true
		st.blockKind = plexus.ChunkToolCallStart
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_start",
			"index": st.blockIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    c.ToolCallID,
				"name":  c.ToolName,
				"input": map[string]any{},
			},
		})
		return append(out, sseutil.EventFrame("content_block_start", payload))

	case plexus.ChunkToolCallDelta:
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": st.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": c.ArgsDelta},
		})
		return [][]byte{sseutil.EventFrame("content_block_delta", payload)}

	case plexus.ChunkUsage:
		if c.Usage != nil {
			// Providers split usage across frames (input at start, cumulative
			// output at the end); keep the max of each field.
			st.usage.InputTokens = max(st.usage.InputTokens, c.Usage.InputTokens)
			st.usage.OutputTokens = max(st.usage.OutputTokens, c.Usage.OutputTokens)
			st.usage.CachedTokens = max(st.usage.CachedTokens, c.Usage.CachedTokens)
			st.usage.CacheCreationTokens = max(st.usage.CacheCreationTokens, c.Usage.CacheCreationTokens)
		}
		return nil

	case plexus.ChunkFinish:
		st.finish = c.FinishReason
		return nil

	case plexus.ChunkDone:
		out := st.closeBlock()
		// message_start already went out before the provider reported usage,
		// so this frame carries the full accumulated counts, not just output.
		payload, _ := json.Marshal(map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": mapFinishReason(st.finish), "stop_sequence": nil},
			"usage": usageToJSON(st.usage),
		})
		out = append(out, sseutil.EventFrame("message_delta", payload))
		stop, _ := json.Marshal(map[string]any{"type": "message_stop"})
		return append(out, sseutil.EventFrame("message_stop", stop))
	}
	return nil
}

// ensureBlock opens a content block of the right kind before a delta, closing
// any block of a different kind first.
func (st *formatState) ensureBlock(kind plexus.ChunkType, c plexus.StreamChunk) [][]byte {
	if st.blockOpen && st.blockKind == kind {
		return nil
	}
	out := st.closeBlock()
	st.blockIndex++
	st.blockOpen = true
	st.blockKind = kind

	block := map[string]any{"type": "text", "text": ""}
	if kind == plexus.ChunkReasoning {
		block = map[string]any{"type": "thinking", "thinking": ""}
	}
	payload, _ := json.Marshal(map[string]any{
		"type":          "content_block_start",
		"index":         st.blockIndex,
		"content_block": block,
	})
	return append(out, sseutil.EventFrame("content_block_start", payload))
}

func (st *formatState) closeBlock() [][]byte {
	if !st.blockOpen {
		return nil
	}
	st.blockOpen = false
	payload, _ := json.Marshal(map[string]any{
		"type":  "content_block_stop",
		"index": st.blockIndex,
	})
	return [][]byte{sseutil.EventFrame("content_block_stop", payload)}
}
