// Package anthropic implements the transform.Transformer for the Anthropic
// messages dialect.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
)

const dialectName = "messages"

// defaultMaxTokens is used when a non-messages caller did not set a limit;
// the messages wire format requires one.
const defaultMaxTokens = 4096

// Transformer converts between messages wire bodies and unified form.
type Transformer struct{}

// New creates a messages transformer.
func New() *Transformer { return &Transformer{} }

// Name returns the dialect name.
func (t *Transformer) Name() string { return dialectName }

// DefaultEndpoint returns the messages path.
func (t *Transformer) DefaultEndpoint(model string, stream bool) string {
	return "/v1/messages"
}

// ParseRequest parses a messages body into unified form.
func (t *Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("model").Exists() {
		return nil, fmt.Errorf("%w: missing model", plexus.ErrInvalidRequest)
	}

	req := &plexus.UnifiedRequest{
		Model:           r.Get("model").String(),
		Stream:          r.Get("stream").Bool(),
		IncomingAPIType: plexus.APIMessages,
		OriginalBody:    json.RawMessage(body),
	}

	if v := r.Get("max_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := r.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := r.Get("top_p"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	for _, s := range r.Get("stop_sequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}
	if v := r.Get("metadata"); v.IsObject() {
		req.Metadata = map[string]any{}
		v.ForEach(func(k, val gjson.Result) bool {
			req.Metadata[k.String()] = val.Value()
			return true
		})
	}
	if r.Get("thinking").Exists() {
		req.Warnings = append(req.Warnings, plexus.Warning{
			Type:    "unsupported_feature",
			Message: "extended thinking configuration dropped",
		})
	}

	req.System = systemText(r.Get("system"))
	parseTools(r.Get("tools"), req)
	parseToolChoice(r.Get("tool_choice"), req)

	for _, m := range r.Get("messages").Array() {
		msg := plexus.Message{Role: m.Get("role").String()}
		msg.Parts = parseBlocks(m.Get("content"), req)
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

// systemText flattens the string-or-blocks system union.
func systemText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var out string
	for _, b := range v.Array() {
		if b.Get("type").String() == "text" {
			out += b.Get("text").String()
		}
	}
	return out
}

// parseBlocks handles the string-or-blocks content union.
func parseBlocks(content gjson.Result, req *plexus.UnifiedRequest) []plexus.Part {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []plexus.Part{{Type: plexus.PartText, Text: content.String()}}
	}

	var parts []plexus.Part
	for _, b := range content.Array() {
		switch b.Get("type").String() {
		case "text":
			parts = append(parts, plexus.Part{Type: plexus.PartText, Text: b.Get("text").String()})
		case "thinking":
			parts = append(parts, plexus.Part{
				Type:      plexus.PartReasoning,
				Text:      b.Get("thinking").String(),
				Signature: b.Get("signature").String(),
			})
		case "image":
			parts = append(parts, parseSource(plexus.PartImage, b.Get("source")))
		case "document":
			parts = append(parts, parseSource(plexus.PartDocument, b.Get("source")))
		case "tool_use":
			parts = append(parts, plexus.Part{
				Type:       plexus.PartToolCall,
				ToolCallID: b.Get("id").String(),
				ToolName:   b.Get("name").String(),
				ToolInput:  json.RawMessage(b.Get("input").Raw),
			})
		case "tool_result":
			parts = append(parts, plexus.Part{
				Type:       plexus.PartToolResult,
				ToolCallID: b.Get("tool_use_id").String(),
				ToolResult: toolResultJSON(b.Get("content")),
				IsError:    b.Get("is_error").Bool(),
			})
		default:
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_content",
				Message: fmt.Sprintf("content block %q dropped", b.Get("type").String()),
			})
		}
	}
	return parts
}

// parseSource maps an image/document source union onto a Part.
func parseSource(kind plexus.PartType, src gjson.Result) plexus.Part {
	p := plexus.Part{Type: kind, MimeType: src.Get("media_type").String()}
	switch src.Get("type").String() {
	case "base64":
		p.Base64 = src.Get("data").String()
	case "url":
		p.URL = src.Get("url").String()
	case "file":
		p.FileID = src.Get("file_id").String()
	}
	return p
}

func toolResultJSON(v gjson.Result) json.RawMessage {
	if v.IsObject() || v.IsArray() {
		return json.RawMessage(v.Raw)
	}
	b, _ := json.Marshal(v.String())
	return b
}

func parseTools(v gjson.Result, req *plexus.UnifiedRequest) {
	for _, tl := range v.Array() {
		if tl.Get("type").Exists() && !tl.Get("input_schema").Exists() {
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_tool",
				Message: fmt.Sprintf("provider tool %q dropped", tl.Get("type").String()),
			})
			continue
		}
		req.Tools = append(req.Tools, plexus.Tool{
			Name:        tl.Get("name").String(),
			Description: tl.Get("description").String(),
			Parameters:  json.RawMessage(tl.Get("input_schema").Raw),
		})
	}
}

func parseToolChoice(v gjson.Result, req *plexus.UnifiedRequest) {
	if !v.Exists() {
		return
	}
	switch v.Get("type").String() {
	case "auto", "any":
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}
	case "none":
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}
	case "tool":
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceTool, Name: v.Get("name").String()}
	}
}

// TransformRequest produces a messages body for the given model.
func (t *Transformer) TransformRequest(req *plexus.UnifiedRequest, model string) ([]byte, error) {
	body := map[string]any{
		"model":      model,
		"max_tokens": defaultMaxTokens,
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop_sequences"] = req.StopSequences
	}
	if req.Stream {
		body["stream"] = true
	}

	var messages []map[string]any
	for _, m := range req.Messages {
		role := m.Role
		// Tool results travel in user messages on this wire.
		if role == "tool" {
			role = "user"
		}
		blocks := formatBlocks(m.Parts)
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, map[string]any{"role": role, "content": blocks})
	}
	body["messages"] = messages

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tl := range req.Tools {
			tool := map[string]any{"name": tl.Name}
			if tl.Description != "" {
				tool["description"] = tl.Description
			}
			if len(tl.Parameters) > 0 {
				tool["input_schema"] = json.RawMessage(tl.Parameters)
			} else {
				tool["input_schema"] = map[string]any{"type": "object"}
			}
			tools = append(tools, tool)
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case plexus.ToolChoiceAuto:
			body["tool_choice"] = map[string]any{"type": "auto"}
		case plexus.ToolChoiceNone:
			body["tool_choice"] = map[string]any{"type": "none"}
		case plexus.ToolChoiceRequired:
			body["tool_choice"] = map[string]any{"type": "any"}
		case plexus.ToolChoiceTool:
			body["tool_choice"] = map[string]any{"type": "tool", "name": req.ToolChoice.Name}
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json" {
		req.Warnings = append(req.Warnings, plexus.Warning{
			Type:    "unsupported_feature",
			Message: "response_format has no messages equivalent and was dropped",
		})
	}

	return json.Marshal(body)
}

// formatBlocks renders unified parts as messages content blocks.
func formatBlocks(parts []plexus.Part) []map[string]any {
	var blocks []map[string]any
	for _, p := range parts {
		switch p.Type {
		case plexus.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case plexus.PartReasoning:
			block := map[string]any{"type": "thinking", "thinking": p.Text}
			if p.Signature != "" {
				block["signature"] = p.Signature
			}
			blocks = append(blocks, block)
		case plexus.PartImage:
			blocks = append(blocks, map[string]any{"type": "image", "source": formatSource(p)})
		case plexus.PartDocument:
			blocks = append(blocks, map[string]any{"type": "document", "source": formatSource(p)})
		case plexus.PartToolCall:
			input := json.RawMessage(p.ToolInput)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCallID,
				"name":  p.ToolName,
				"input": input,
			})
		case plexus.PartToolResult:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolCallID,
				"content":     toolResultContent(p.ToolResult),
			}
			if p.IsError {
				block["is_error"] = true
			}
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func formatSource(p plexus.Part) map[string]any {
	switch {
	case p.Base64 != "":
		return map[string]any{"type": "base64", "media_type": p.MimeType, "data": p.Base64}
	case p.URL != "":
		return map[string]any{"type": "url", "url": p.URL}
	default:
		return map[string]any{"type": "file", "file_id": p.FileID}
	}
}

func toolResultContent(raw json.RawMessage) any {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return json.RawMessage(raw)
}

// ParseResponse parses a messages response body into unified form.
func (t *Transformer) ParseResponse(body []byte, model string) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	resp := &plexus.UnifiedResponse{
		ID:    r.Get("id").String(),
		Model: model,
	}
	if resp.Model == "" {
		resp.Model = r.Get("model").String()
	}

	for _, b := range r.Get("content").Array() {
		switch b.Get("type").String() {
		case "text":
			resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartText, Text: b.Get("text").String()})
		case "thinking":
			resp.Content = append(resp.Content, plexus.Part{
				Type:      plexus.PartReasoning,
				Text:      b.Get("thinking").String(),
				Signature: b.Get("signature").String(),
			})
		case "tool_use":
			resp.Content = append(resp.Content, plexus.Part{
				Type:       plexus.PartToolCall,
				ToolCallID: b.Get("id").String(),
				ToolName:   b.Get("name").String(),
				ToolInput:  json.RawMessage(b.Get("input").Raw),
			})
		}
	}

	resp.FinishReason = mapStopReason(r.Get("stop_reason").String())
	resp.Usage = usageFromJSON(r.Get("usage"))
	return resp, nil
}

// FormatResponse produces a messages response body from a unified response.
func (t *Transformer) FormatResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	var blocks []map[string]any
	for _, p := range resp.Content {
		switch p.Type {
		case plexus.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case plexus.PartReasoning:
			block := map[string]any{"type": "thinking", "thinking": p.Text}
			if p.Signature != "" {
				block["signature"] = p.Signature
			}
			blocks = append(blocks, block)
		case plexus.PartToolCall:
			input := json.RawMessage(p.ToolInput)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCallID,
				"name":  p.ToolName,
				"input": input,
			})
		}
	}
	if blocks == nil {
		blocks = []map[string]any{}
	}

	body := map[string]any{
		"id":            id,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       blocks,
		"stop_reason":   mapFinishReason(resp.FinishReason),
		"stop_sequence": nil,
		"usage":         usageToJSON(resp.Usage),
	}
	return json.Marshal(body)
}

// ExtractUsage pulls token counts from one SSE event's data payload.
// Messages usage arrives split across message_start (input) and message_delta
// (output); callers sum what each event reports.
func (t *Transformer) ExtractUsage(data string) (*plexus.Usage, bool) {
	r := gjson.Parse(data)
	var u gjson.Result
	switch r.Get("type").String() {
	case "message_start":
		u = r.Get("message.usage")
	case "message_delta":
		u = r.Get("usage")
	default:
		u = r.Get("usage")
	}
	if !u.Exists() {
		return nil, false
	}
	usage := usageFromJSON(u)
	if usage == (plexus.Usage{}) {
		return nil, false
	}
	return &usage, true
}

func usageFromJSON(u gjson.Result) plexus.Usage {
	return plexus.Usage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CachedTokens:        int(u.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
	}
}

func usageToJSON(u plexus.Usage) map[string]any {
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_read_input_tokens":     u.CachedTokens,
		"cache_creation_input_tokens": u.CacheCreationTokens,
	}
}

// mapStopReason converts messages stop reasons to the unified finish set.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// mapFinishReason converts unified finish reasons back to messages stop reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}
