package responses

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
)

func TestParseRequestStringInput(t *testing.T) {
	t.Parallel()
	req, err := New().ParseRequest([]byte(`{
		"model": "gpt-4o",
		"instructions": "be brief",
		"input": "hello",
		"max_output_tokens": 128,
		"stream": true
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4o" || req.System != "be brief" || !req.Stream {
		t.Errorf("req = %+v", req)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 128 {
		t.Error("max_output_tokens not parsed")
	}
	if len(req.Messages) != 1 || req.Messages[0].Parts[0].Text != "hello" {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestParseRequestMissingModel(t *testing.T) {
	t.Parallel()
	_, err := New().ParseRequest([]byte(`{"input": "x"}`))
	if !errors.Is(err, plexus.ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRequestItems(t *testing.T) {
	t.Parallel()
	req, err := New().ParseRequest([]byte(`{
		"model": "gpt-4o",
		"input": [
			{"role": "user", "content": [{"type": "input_text", "text": "hi"}]},
			{"type": "function_call", "call_id": "call_1", "name": "lookup", "arguments": "{\"q\":\"x\"}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "{\"hit\":true}"}
		],
		"tools": [{"type": "function", "name": "lookup", "parameters": {"type": "object"}}],
		"tool_choice": "required"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	call := req.Messages[1].Parts[0]
	if call.Type != plexus.PartToolCall || call.ToolCallID != "call_1" ||
		gjson.GetBytes(call.ToolInput, "q").String() != "x" {
		t.Errorf("tool call = %+v", call)
	}
	result := req.Messages[2].Parts[0]
	if result.Type != plexus.PartToolResult || gjson.GetBytes(result.ToolResult, "hit").Bool() != true {
		t.Errorf("tool result = %+v", result)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != plexus.ToolChoiceRequired {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}
}

func TestParseRequestAnyToolChoice(t *testing.T) {
	t.Parallel()
	req, err := New().ParseRequest([]byte(`{"model": "m", "input": "x", "tool_choice": "any"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != plexus.ToolChoiceAuto {
		t.Errorf("any should map to auto, got %+v", req.ToolChoice)
	}
}

func TestTransformRequest(t *testing.T) {
	t.Parallel()
	req := &plexus.UnifiedRequest{
		System: "sys",
		Messages: []plexus.Message{
			{Role: "user", Parts: []plexus.Part{{Type: plexus.PartText, Text: "hi"}}},
			{Role: "assistant", Parts: []plexus.Part{{
				Type: plexus.PartToolCall, ToolCallID: "c1", ToolName: "f",
				ToolInput: []byte(`{"a":1}`),
			}}},
			{Role: "tool", Parts: []plexus.Part{{
				Type: plexus.PartToolResult, ToolCallID: "c1", ToolResult: []byte(`"done"`),
			}}},
		},
		Tools:          []plexus.Tool{{Name: "f", Parameters: []byte(`{"type":"object"}`)}},
		ToolChoice:     &plexus.ToolChoice{Mode: plexus.ToolChoiceTool, Name: "f"},
		ResponseFormat: &plexus.ResponseFormat{Type: "json"},
	}
	out, err := New().TransformRequest(req, "gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("model").String() != "gpt-4o-mini" {
		t.Error("model not set")
	}
	if r.Get("instructions").String() != "sys" {
		t.Error("instructions missing")
	}
	if r.Get("input.0.content.0.type").String() != "input_text" {
		t.Errorf("input = %s", r.Get("input").Raw)
	}
	if r.Get("input.1.type").String() != "function_call" || r.Get("input.1.call_id").String() != "c1" {
		t.Errorf("function_call item = %s", r.Get("input.1").Raw)
	}
	if r.Get("input.2.type").String() != "function_call_output" {
		t.Errorf("output item = %s", r.Get("input.2").Raw)
	}
	// responses tools are flat
	if r.Get("tools.0.name").String() != "f" || r.Get("tools.0.function").Exists() {
		t.Errorf("tools = %s", r.Get("tools").Raw)
	}
	if r.Get("tool_choice.name").String() != "f" {
		t.Errorf("tool_choice = %s", r.Get("tool_choice").Raw)
	}
	if r.Get("text.format.type").String() != "json_object" {
		t.Errorf("text.format = %s", r.Get("text").Raw)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	body := `{
		"id": "resp_123",
		"model": "gpt-4o",
		"status": "completed",
		"output": [
			{"type": "reasoning", "summary": [{"type": "summary_text", "text": "thinking"}]},
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "answer"}]}
		],
		"usage": {
			"input_tokens": 10,
			"output_tokens": 30,
			"output_tokens_details": {"reasoning_tokens": 12},
			"input_tokens_details": {"cached_tokens": 4}
		}
	}`
	resp, err := New().ParseResponse([]byte(body), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "resp_123" {
		t.Errorf("id = %q", resp.ID)
	}
	if len(resp.Content) != 2 || resp.Content[0].Type != plexus.PartReasoning || resp.Content[1].Text != "answer" {
		t.Fatalf("content = %+v", resp.Content)
	}
	want := plexus.Usage{InputTokens: 10, OutputTokens: 30, ReasoningTokens: 12, CachedTokens: 4}
	if resp.Usage != want {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestParseResponseIncomplete(t *testing.T) {
	t.Parallel()
	resp, err := New().ParseResponse([]byte(`{
		"id": "r", "status": "incomplete",
		"incomplete_details": {"reason": "max_output_tokens"},
		"output": []
	}`), "m")
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason != "length" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestFormatResponse(t *testing.T) {
	t.Parallel()
	resp := &plexus.UnifiedResponse{
		ID:    "resp_abc",
		Model: "m",
		Content: []plexus.Part{
			{Type: plexus.PartText, Text: "hi"},
			{Type: plexus.PartToolCall, ToolCallID: "c1", ToolName: "f", ToolInput: []byte(`{"a":1}`)},
		},
		FinishReason: "tool_calls",
		Usage:        plexus.Usage{InputTokens: 3, OutputTokens: 9},
		Plexus:       plexus.Meta{Provider: "must-not-leak"},
	}
	out, err := New().FormatResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	r := gjson.ParseBytes(out)
	if r.Get("object").String() != "response" || r.Get("status").String() != "completed" {
		t.Errorf("envelope = %s", out)
	}
	var sawText, sawCall bool
	for _, item := range r.Get("output").Array() {
		switch item.Get("type").String() {
		case "message":
			sawText = item.Get("content.0.text").String() == "hi"
		case "function_call":
			sawCall = item.Get("call_id").String() == "c1" && item.Get("arguments").String() == `{"a":1}`
		}
	}
	if !sawText || !sawCall {
		t.Errorf("output = %s", r.Get("output").Raw)
	}
	if r.Get("usage.total_tokens").Int() != 12 {
		t.Error("usage totals wrong")
	}
	if strings.Contains(string(out), "must-not-leak") {
		t.Error("routing metadata leaked into the body")
	}
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()
	tr := New()
	u, ok := tr.ExtractUsage(`{"type":"response.completed","response":{"usage":{"input_tokens":7,"output_tokens":21,"output_tokens_details":{"reasoning_tokens":5}}}}`)
	if !ok || u.InputTokens != 7 || u.OutputTokens != 21 || u.ReasoningTokens != 5 {
		t.Errorf("usage = %+v ok=%v", u, ok)
	}
	if _, ok := tr.ExtractUsage(`{"type":"response.output_text.delta","delta":"x"}`); ok {
		t.Error("delta event should report no usage")
	}
}

func collect(t *testing.T, sse string) []plexus.StreamChunk {
	t.Helper()
	ch := make(chan plexus.StreamChunk, 64)
	go New().TransformStream(context.Background(), io.NopCloser(strings.NewReader(sse)), ch)
	var out []plexus.StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestTransformStream(t *testing.T) {
	t.Parallel()
	sse := "event: response.created\n" +
		"data: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_1\",\"model\":\"gpt-4o\"}}\n\n" +
		"event: response.output_text.delta\n" +
		"data: {\"type\":\"response.output_text.delta\",\"output_index\":0,\"delta\":\"hel\"}\n\n" +
		"event: response.output_text.delta\n" +
		"data: {\"type\":\"response.output_text.delta\",\"output_index\":0,\"delta\":\"lo\"}\n\n" +
		"event: response.completed\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_1\",\"usage\":{\"input_tokens\":4,\"output_tokens\":2}}}\n\n"
	chunks := collect(t, sse)

	var text, finish string
	var usage *plexus.Usage
	var sawStart, sawDone bool
	for _, c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected error: %v", c.Err)
		}
		switch c.Type {
		case plexus.ChunkStart:
			sawStart = true
			if c.ID != "resp_1" {
				t.Errorf("id = %q", c.ID)
			}
		case plexus.ChunkText:
			text += c.Text
		case plexus.ChunkFinish:
			finish = c.FinishReason
		case plexus.ChunkUsage:
			usage = c.Usage
		case plexus.ChunkDone:
			sawDone = true
		}
	}
	if !sawStart || !sawDone {
		t.Error("missing start or done chunk")
	}
	if text != "hello" || finish != "stop" {
		t.Errorf("text = %q finish = %q", text, finish)
	}
	if usage == nil || usage.InputTokens != 4 || usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestTransformStreamFunctionCall(t *testing.T) {
	t.Parallel()
	sse := "event: response.created\n" +
		"data: {\"response\":{\"id\":\"r\",\"model\":\"m\"}}\n\n" +
		"event: response.output_item.added\n" +
		"data: {\"output_index\":0,\"item\":{\"type\":\"function_call\",\"call_id\":\"call_9\",\"name\":\"f\"}}\n\n" +
		"event: response.function_call_arguments.delta\n" +
		"data: {\"output_index\":0,\"delta\":\"{\\\"x\\\":\"}\n\n" +
		"event: response.function_call_arguments.delta\n" +
		"data: {\"output_index\":0,\"delta\":\"1}\"}\n\n" +
		"event: response.completed\n" +
		"data: {\"response\":{\"id\":\"r\"}}\n\n"
	chunks := collect(t, sse)

	var args, finish string
	var start bool
	for _, c := range chunks {
		switch c.Type {
		case plexus.ChunkToolCallStart:
			start = true
			if c.ToolCallID != "call_9" || c.ToolName != "f" {
				t.Errorf("start = %+v", c)
			}
		case plexus.ChunkToolCallDelta:
			args += c.ArgsDelta
		case plexus.ChunkFinish:
			finish = c.FinishReason
		}
	}
	if !start {
		t.Fatal("missing tool call start")
	}
	if args != `{"x":1}` {
		t.Errorf("args = %q", args)
	}
	if finish != "tool_calls" {
		t.Errorf("finish = %q", finish)
	}
}

func TestFormatStream(t *testing.T) {
	t.Parallel()
	chunks := make(chan plexus.StreamChunk, 16)
	frames := make(chan []byte, 16)
	chunks <- plexus.StreamChunk{Type: plexus.ChunkStart, ID: "resp_1", Model: "m"}
	chunks <- plexus.StreamChunk{Type: plexus.ChunkText, Text: "hi"}
	chunks <- plexus.StreamChunk{Type: plexus.ChunkFinish, FinishReason: "stop"}
	chunks <- plexus.StreamChunk{Type: plexus.ChunkUsage, Usage: &plexus.Usage{InputTokens: 2, OutputTokens: 1}}
	chunks <- plexus.StreamChunk{Type: plexus.ChunkDone}
	close(chunks)

	go New().FormatStream(context.Background(), chunks, frames)
	var events []string
	var last string
	for f := range frames {
		event, data := splitEventFrame(t, f)
		events = append(events, event)
		last = data
	}
	want := []string{"response.created", "response.output_text.delta", "response.completed"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events[i], want[i])
		}
	}
	final := gjson.Parse(last)
	if final.Get("response.output.0.content.0.text").String() != "hi" {
		t.Errorf("final = %s", last)
	}
	if final.Get("response.usage.input_tokens").Int() != 2 {
		t.Error("usage missing from final response")
	}
	if final.Get("response.status").String() != "completed" {
		t.Error("status wrong")
	}
}

func splitEventFrame(t *testing.T, frame []byte) (event, data string) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSuffix(string(frame), "\n\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data += strings.TrimPrefix(line, "data: ")
		}
	}
	return event, data
}
