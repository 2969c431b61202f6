// Package openai implements the transform.Transformer for the OpenAI chat
// completions dialect.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
)

const dialectName = "chat"

// Transformer converts between chat completions wire bodies and unified form.
type Transformer struct{}

// New creates a chat transformer.
func New() *Transformer { return &Transformer{} }

// Name returns the dialect name.
func (t *Transformer) Name() string { return dialectName }

// DefaultEndpoint returns the chat completions path.
func (t *Transformer) DefaultEndpoint(model string, stream bool) string {
	return "/chat/completions"
}

// ParseRequest parses a chat completions body into unified form.
func (t *Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("model").Exists() {
		return nil, fmt.Errorf("%w: missing model", plexus.ErrInvalidRequest)
	}

	req := &plexus.UnifiedRequest{
		Model:           r.Get("model").String(),
		Stream:          r.Get("stream").Bool(),
		IncomingAPIType: plexus.APIChat,
		OriginalBody:    json.RawMessage(body),
	}

	if v := r.Get("max_completion_tokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	} else if v := r.Get("max_tokens"); v.Exists() {
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
	if v := r.Get("stop"); v.Exists() {
		if v.IsArray() {
			for _, s := range v.Array() {
				req.StopSequences = append(req.StopSequences, s.String())
			}
		} else {
			req.StopSequences = []string{v.String()}
		}
	}
	if v := r.Get("metadata"); v.IsObject() {
		req.Metadata = map[string]any{}
		v.ForEach(func(k, val gjson.Result) bool {
			req.Metadata[k.String()] = val.Value()
			return true
		})
	}

	parseResponseFormat(r.Get("response_format"), req)
	parseTools(r.Get("tools"), req)
	parseToolChoice(r.Get("tool_choice"), req)

	var systemParts []string
	for _, m := range r.Get("messages").Array() {
		role := m.Get("role").String()
		switch role {
		case "system", "developer":
			systemParts = append(systemParts, contentText(m.Get("content")))
		case "tool":
			req.Messages = append(req.Messages, plexus.Message{
				Role: "tool",
				Parts: []plexus.Part{{
					Type:       plexus.PartToolResult,
					ToolCallID: m.Get("tool_call_id").String(),
					ToolResult: rawOrQuote(m.Get("content")),
				}},
			})
		case "user", "assistant":
			msg := plexus.Message{Role: role}
			msg.Parts = parseContentParts(m.Get("content"), req)
			for _, tc := range m.Get("tool_calls").Array() {
				msg.Parts = append(msg.Parts, plexus.Part{
					Type:       plexus.PartToolCall,
					ToolCallID: tc.Get("id").String(),
					ToolName:   tc.Get("function.name").String(),
					ToolInput:  json.RawMessage(tc.Get("function.arguments").String()),
				})
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_role",
				Message: fmt.Sprintf("message role %q dropped", role),
			})
		}
	}
	req.System = strings.Join(systemParts, "\n")
	return req, nil
}

// parseContentParts handles the string-or-array content union.
func parseContentParts(content gjson.Result, req *plexus.UnifiedRequest) []plexus.Part {
	if !content.Exists() || content.Type == gjson.Null {
		return nil
	}
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []plexus.Part{{Type: plexus.PartText, Text: content.String()}}
	}

	var parts []plexus.Part
	for _, p := range content.Array() {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, plexus.Part{Type: plexus.PartText, Text: p.Get("text").String()})
		case "image_url":
			parts = append(parts, parseImageURL(p.Get("image_url.url").String()))
		case "file":
			parts = append(parts, plexus.Part{
				Type:     plexus.PartDocument,
				MimeType: "application/pdf",
				Base64:   p.Get("file.file_data").String(),
				FileID:   p.Get("file.file_id").String(),
			})
		default:
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_content",
				Message: fmt.Sprintf("content part %q dropped", p.Get("type").String()),
			})
		}
	}
	return parts
}

// parseImageURL splits a data: URL into mime and base64, otherwise keeps the URL.
func parseImageURL(url string) plexus.Part {
	part := plexus.Part{Type: plexus.PartImage}
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if mime, data, found := strings.Cut(rest, ";base64,"); found {
			part.MimeType = mime
			part.Base64 = data
			return part
		}
	}
	part.URL = url
	return part
}

func parseResponseFormat(v gjson.Result, req *plexus.UnifiedRequest) {
	if !v.Exists() {
		return
	}
	switch v.Get("type").String() {
	case "json_object":
		req.ResponseFormat = &plexus.ResponseFormat{Type: "json"}
	case "json_schema":
		req.ResponseFormat = &plexus.ResponseFormat{
			Type:   "json",
			Schema: json.RawMessage(v.Get("json_schema.schema").Raw),
		}
	case "text", "":
		req.ResponseFormat = &plexus.ResponseFormat{Type: "text"}
	}
}

func parseTools(v gjson.Result, req *plexus.UnifiedRequest) {
	for _, t := range v.Array() {
		if t.Get("type").String() != "function" {
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_tool",
				Message: fmt.Sprintf("tool type %q dropped", t.Get("type").String()),
			})
			continue
		}
		req.Tools = append(req.Tools, plexus.Tool{
			Name:        t.Get("function.name").String(),
			Description: t.Get("function.description").String(),
			Parameters:  json.RawMessage(t.Get("function.parameters").Raw),
		})
	}
}

func parseToolChoice(v gjson.Result, req *plexus.UnifiedRequest) {
	if !v.Exists() {
		return
	}
	if v.Type == gjson.String {
		switch v.String() {
		case "auto", "any":
			req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}
		case "none":
			req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}
		case "required":
			req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceRequired}
		}
		return
	}
	if name := v.Get("function.name").String(); name != "" {
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceTool, Name: name}
	}
}

// rawOrQuote returns the raw JSON for objects/arrays, or a JSON string for
// plain text content.
func rawOrQuote(v gjson.Result) json.RawMessage {
	if v.IsObject() || v.IsArray() {
		return json.RawMessage(v.Raw)
	}
	b, _ := json.Marshal(v.String())
	return b
}

// contentText flattens a string-or-array content value to plain text.
func contentText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var sb strings.Builder
	for _, p := range v.Array() {
		if p.Get("type").String() == "text" {
			sb.WriteString(p.Get("text").String())
		}
	}
	return sb.String()
}

// TransformRequest produces a chat completions body for the given model.
func (t *Transformer) TransformRequest(req *plexus.UnifiedRequest, model string) ([]byte, error) {
	body := map[string]any{"model": model}

	var messages []map[string]any
	if req.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, formatMessages(m)...)
	}
	body["messages"] = messages

	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop"] = req.StopSequences
	}
	if req.Stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tl := range req.Tools {
			fn := map[string]any{"name": tl.Name}
			if tl.Description != "" {
				fn["description"] = tl.Description
			}
			if len(tl.Parameters) > 0 {
				fn["parameters"] = json.RawMessage(tl.Parameters)
			}
			tools = append(tools, map[string]any{"type": "function", "function": fn})
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case plexus.ToolChoiceTool:
			body["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			}
		default:
			body["tool_choice"] = string(req.ToolChoice.Mode)
		}
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type == "json" {
		if len(rf.Schema) > 0 {
			body["response_format"] = map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "response",
					"schema": json.RawMessage(rf.Schema),
				},
			}
		} else {
			body["response_format"] = map[string]any{"type": "json_object"}
		}
	}

	return json.Marshal(body)
}

// formatMessages renders one unified message as chat wire messages. Tool
// results expand to separate role:tool messages.
func formatMessages(m plexus.Message) []map[string]any {
	var out []map[string]any
	var content []map[string]any
	var toolCalls []map[string]any
	textOnly := true

	for _, p := range m.Parts {
		switch p.Type {
		case plexus.PartText:
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case plexus.PartReasoning:
			// Chat has no reasoning input blocks; fold into text.
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case plexus.PartImage:
			url := p.URL
			if url == "" {
				url = "data:" + p.MimeType + ";base64," + p.Base64
			}
			content = append(content, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
			textOnly = false
		case plexus.PartDocument:
			file := map[string]any{}
			if p.FileID != "" {
				file["file_id"] = p.FileID
			} else {
				file["file_data"] = p.Base64
			}
			content = append(content, map[string]any{"type": "file", "file": file})
			textOnly = false
		case plexus.PartToolCall:
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.ToolCallID,
				"type": "function",
				"function": map[string]any{
					"name":      p.ToolName,
					"arguments": string(p.ToolInput),
				},
			})
		case plexus.PartToolResult:
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": p.ToolCallID,
				"content":      toolResultText(p.ToolResult),
			})
		}
	}

	if len(content) > 0 || len(toolCalls) > 0 {
		msg := map[string]any{"role": m.Role}
		if len(content) == 1 && textOnly {
			msg["content"] = content[0]["text"]
		} else if len(content) > 0 {
			msg["content"] = content
		}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		// role:tool results were already emitted as separate messages.
		if m.Role != "tool" {
			out = append(out, msg)
		}
	}
	return out
}

// toolResultText renders a tool result payload as the string content chat expects.
func toolResultText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// ParseResponse parses a chat completion body into unified form.
func (t *Transformer) ParseResponse(body []byte, model string) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	resp := &plexus.UnifiedResponse{
		ID:    r.Get("id").String(),
		Model: model,
	}
	if resp.Model == "" {
		resp.Model = r.Get("model").String()
	}

	choice := r.Get("choices.0")
	resp.FinishReason = choice.Get("finish_reason").String()
	if text := choice.Get("message.content"); text.Type == gjson.String && text.String() != "" {
		resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartText, Text: text.String()})
	}
	if reasoning := choice.Get("message.reasoning_content"); reasoning.String() != "" {
		resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartReasoning, Text: reasoning.String()})
	}
	for _, tc := range choice.Get("message.tool_calls").Array() {
		resp.Content = append(resp.Content, plexus.Part{
			Type:       plexus.PartToolCall,
			ToolCallID: tc.Get("id").String(),
			ToolName:   tc.Get("function.name").String(),
			ToolInput:  json.RawMessage(tc.Get("function.arguments").String()),
		})
	}

	resp.Usage = usageFromJSON(r.Get("usage"))
	return resp, nil
}

// FormatResponse produces a chat completion body from a unified response.
func (t *Transformer) FormatResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	msg := map[string]any{"role": "assistant"}
	var text strings.Builder
	var toolCalls []map[string]any
	for _, p := range resp.Content {
		switch p.Type {
		case plexus.PartText:
			text.WriteString(p.Text)
		case plexus.PartReasoning:
			msg["reasoning_content"] = p.Text
		case plexus.PartToolCall:
			toolCalls = append(toolCalls, map[string]any{
				"id":   p.ToolCallID,
				"type": "function",
				"function": map[string]any{
					"name":      p.ToolName,
					"arguments": string(p.ToolInput),
				},
			})
		}
	}
	if text.Len() > 0 || len(toolCalls) == 0 {
		msg["content"] = text.String()
	}
	if len(toolCalls) > 0 {
		msg["tool_calls"] = toolCalls
	}

	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	body := map[string]any{
		"id":     id,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
		"usage": usageToJSON(resp.Usage),
	}
	return json.Marshal(body)
}

// ExtractUsage pulls token counts from one SSE event's data payload.
// Chat usage is cumulative; callers keep the maximum seen.
func (t *Transformer) ExtractUsage(data string) (*plexus.Usage, bool) {
	u := gjson.Get(data, "usage")
	if !u.Exists() || u.Type != gjson.JSON {
		return nil, false
	}
	usage := usageFromJSON(u)
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return nil, false
	}
	return &usage, true
}

func usageFromJSON(u gjson.Result) plexus.Usage {
	return plexus.Usage{
		InputTokens:         int(u.Get("prompt_tokens").Int()),
		OutputTokens:        int(u.Get("completion_tokens").Int()),
		ReasoningTokens:     int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		CachedTokens:        int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		CacheCreationTokens: 0,
	}
}

func usageToJSON(u plexus.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.InputTokens + u.OutputTokens,
	}
	if u.ReasoningTokens > 0 {
		out["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.ReasoningTokens}
	}
	if u.CachedTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CachedTokens}
	}
	return out
}
