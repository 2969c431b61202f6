package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
	"github.com/plexus-gw/plexus/internal/transform/sseutil"
)

// TransformStream reads responses SSE bytes and emits unified chunks.
// Each frame carries an event name and a typed payload; the payload's own
// "type" field is authoritative when the event line is missing.
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
		id    string
		model string
		// callIndex maps output_index to the unified tool-call slot
		callIndex = map[int]int{}
		nextCall  int
	)

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
		ev := currentEvent
		currentEvent = ""
		r := gjson.Parse(data)
		if ev == "" {
			ev = r.Get("type").String()
		}

		switch ev {
		case "response.created":
			id = r.Get("response.id").String()
			model = r.Get("response.model").String()
			if !send(plexus.StreamChunk{Type: plexus.ChunkStart, ID: id, Model: model}) {
				return
			}

		case "response.output_text.delta":
			if !send(plexus.StreamChunk{
				Type: plexus.ChunkText, ID: id, Model: model,
				Index: int(r.Get("output_index").Int()),
				Text:  r.Get("delta").String(),
			}) {
				return
			}

		case "response.reasoning_summary_text.delta":
			if !send(plexus.StreamChunk{
				Type: plexus.ChunkReasoning, ID: id, Model: model,
				Index: int(r.Get("output_index").Int()),
				Text:  r.Get("delta").String(),
			}) {
				return
			}

		case "response.output_item.added":
			item := r.Get("item")
			if item.Get("type").String() != "function_call" {
				continue
			}
			idx := int(r.Get("output_index").Int())
			callIndex[idx] = nextCall
			if !send(plexus.StreamChunk{
				Type:       plexus.ChunkToolCallStart,
				ID:         id,
				Model:      model,
				Index:      nextCall,
				ToolCallID: item.Get("call_id").String(),
				ToolName:   item.Get("name").String(),
			}) {
				return
			}
			nextCall++

		case "response.function_call_arguments.delta":
			idx := callIndex[int(r.Get("output_index").Int())]
			if !send(plexus.StreamChunk{
				Type: plexus.ChunkToolCallDelta, ID: id, Model: model,
				Index:     idx,
				ArgsDelta: r.Get("delta").String(),
			}) {
				return
			}

		case "response.completed", "response.incomplete":
			finish := "stop"
			if nextCall > 0 {
				finish = "tool_calls"
			} else if r.Get("response.incomplete_details.reason").String() == "max_output_tokens" {
				finish = "length"
			}
			if !send(plexus.StreamChunk{Type: plexus.ChunkFinish, ID: id, Model: model, FinishReason: finish}) {
				return
			}
			if u, ok := t.ExtractUsage(data); ok {
				if !send(plexus.StreamChunk{Type: plexus.ChunkUsage, ID: id, Model: model, Usage: u}) {
					return
				}
			}
			send(plexus.StreamChunk{Type: plexus.ChunkDone, ID: id, Model: model})
			return

		case "response.failed", "error":
			msg := r.Get("response.error.message").String()
			if msg == "" {
				msg = r.Get("message").String()
			}
			send(plexus.StreamChunk{Type: plexus.ChunkFinish, Err: fmt.Errorf("responses: stream error: %s", msg)})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- plexus.StreamChunk{Type: plexus.ChunkFinish, Err: fmt.Errorf("responses: read stream: %w", err)}
	}
}

// formatState accumulates what the terminal response.completed payload needs.
type formatState struct {
	id       string
	model    string
	seq      int
	text     string
	args     map[int]string
	names    map[int]string
	callIDs  map[int]string
	order    []int
	itemOpen map[int]bool
	usage    plexus.Usage
	finish   string
}

// FormatStream turns unified chunks into responses SSE frames.
func (t *Transformer) FormatStream(ctx context.Context, chunks <-chan plexus.StreamChunk, frames chan<- []byte) {
	defer close(frames)

	st := &formatState{
		args:     map[int]string{},
		names:    map[int]string{},
		callIDs:  map[int]string{},
		itemOpen: map[int]bool{},
	}
	send := func(frame []byte) bool {
		select {
		case frames <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}
	emit := func(event string, payload map[string]any) bool {
		payload["type"] = event
		payload["sequence_number"] = st.seq
		st.seq++
		data, _ := json.Marshal(payload)
		return send(sseutil.EventFrame(event, data))
	}

	for c := range chunks {
		if c.Err != nil {
			emit("error", map[string]any{"message": c.Err.Error()})
			return
		}
		switch c.Type {
		case plexus.ChunkStart:
			st.id = c.ID
			if st.id == "" {
				st.id = "resp_" + uuid.NewString()
			}
			st.model = c.Model
			if !emit("response.created", map[string]any{
				"response": map[string]any{
					"id":     st.id,
					"object": "response",
					"status": "in_progress",
					"model":  st.model,
					"output": []any{},
				},
			}) {
				return
			}

		case plexus.ChunkText:
			st.text += c.Text
			if !emit("response.output_text.delta", map[string]any{
				"output_index": 0,
				"delta":        c.Text,
			}) {
				return
			}

		case plexus.ChunkReasoning:
			if !emit("response.reasoning_summary_text.delta", map[string]any{
				"output_index": 0,
				"delta":        c.Text,
			}) {
				return
			}

		case plexus.ChunkToolCallStart:
			callID := c.ToolCallID
			if callID == "" {
				callID = "call_" + uuid.NewString()
			}
			st.names[c.Index] = c.ToolName
			st.callIDs[c.Index] = callID
			st.order = append(st.order, c.Index)
			st.itemOpen[c.Index] = true
			if !emit("response.output_item.added", map[string]any{
				"output_index": c.Index,
				"item": map[string]any{
					"type":      "function_call",
					"id":        "fc_" + uuid.NewString(),
					"call_id":   callID,
					"name":      c.ToolName,
					"arguments": "",
				},
			}) {
				return
			}

		case plexus.ChunkToolCallDelta:
			st.args[c.Index] += c.ArgsDelta
			if !emit("response.function_call_arguments.delta", map[string]any{
				"output_index": c.Index,
				"delta":        c.ArgsDelta,
			}) {
				return
			}

		case plexus.ChunkUsage:
			if c.Usage != nil {
				st.usage = *c.Usage
			}

		case plexus.ChunkFinish:
			st.finish = c.FinishReason

		case plexus.ChunkDone:
			emit("response.completed", map[string]any{"response": st.finalResponse()})
			return
		}
	}
}

// finalResponse builds the full response object echoed on response.completed.
func (st *formatState) finalResponse() map[string]any {
	var output []map[string]any
	for _, idx := range st.order {
		args := st.args[idx]
		if args == "" {
			args = "{}"
		}
		output = append(output, map[string]any{
			"type":      "function_call",
			"call_id":   st.callIDs[idx],
			"name":      st.names[idx],
			"arguments": args,
			"status":    "completed",
		})
	}
	if st.text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type":        "output_text",
				"text":        st.text,
				"annotations": []any{},
			}},
		})
	}
	if output == nil {
		output = []map[string]any{}
	}

	status := "completed"
	var incomplete any
	if st.finish == "length" {
		status = "incomplete"
		incomplete = map[string]any{"reason": "max_output_tokens"}
	}
	return map[string]any{
		"id":                 st.id,
		"object":             "response",
		"status":             status,
		"incomplete_details": incomplete,
		"model":              st.model,
		"output":             output,
		"usage":              usageToJSON(st.usage),
	}
}
