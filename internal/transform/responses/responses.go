// Package responses implements the transform.Transformer for the OpenAI
// responses dialect.
package responses

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
)

const dialectName = "responses"

// Transformer converts between responses wire bodies and unified form.
type Transformer struct{}

// New creates a responses transformer.
func New() *Transformer { return &Transformer{} }

// Name returns the dialect name.
func (t *Transformer) Name() string { return dialectName }

// DefaultEndpoint returns the responses path.
func (t *Transformer) DefaultEndpoint(model string, stream bool) string {
	return "/v1/responses"
}

// ParseRequest parses a responses body into unified form.
func (t *Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("model").Exists() {
		return nil, fmt.Errorf("%w: missing model", plexus.ErrInvalidRequest)
	}

	req := &plexus.UnifiedRequest{
		Model:           r.Get("model").String(),
		System:          r.Get("instructions").String(),
		Stream:          r.Get("stream").Bool(),
		IncomingAPIType: plexus.APIResponses,
		OriginalBody:    json.RawMessage(body),
	}
	if v := r.Get("max_output_tokens"); v.Exists() {
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
	if md := r.Get("metadata"); md.IsObject() {
		req.Metadata = map[string]any{}
		md.ForEach(func(k, v gjson.Result) bool {
			req.Metadata[k.String()] = v.Value()
			return true
		})
	}
	if prev := r.Get("previous_response_id").String(); prev != "" {
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["previous_response_id"] = prev
	}

	parseInput(r.Get("input"), req)
	parseTools(r.Get("tools"), req)
	parseToolChoice(r.Get("tool_choice"), req)
	parseTextFormat(r.Get("text.format"), req)
	return req, nil
}

// parseInput handles the string shorthand and the item-list form.
func parseInput(v gjson.Result, req *plexus.UnifiedRequest) {
	if v.Type == gjson.String {
		req.Messages = append(req.Messages, plexus.Message{
			Role:  "user",
			Parts: []plexus.Part{{Type: plexus.PartText, Text: v.String()}},
		})
		return
	}
	for _, item := range v.Array() {
		switch itemType(item) {
		case "message":
			msg := plexus.Message{Role: item.Get("role").String()}
			content := item.Get("content")
			if content.Type == gjson.String {
				msg.Parts = append(msg.Parts, plexus.Part{Type: plexus.PartText, Text: content.String()})
			} else {
				for _, c := range content.Array() {
					msg.Parts = append(msg.Parts, parseContentPart(c, req)...)
				}
			}
			req.Messages = append(req.Messages, msg)

		case "function_call":
			req.Messages = append(req.Messages, plexus.Message{
				Role: "assistant",
				Parts: []plexus.Part{{
					Type:       plexus.PartToolCall,
					ToolCallID: item.Get("call_id").String(),
					ToolName:   item.Get("name").String(),
					ToolInput:  json.RawMessage(rawOrQuote(item.Get("arguments"))),
				}},
			})

		case "function_call_output":
			req.Messages = append(req.Messages, plexus.Message{
				Role: "tool",
				Parts: []plexus.Part{{
					Type:       plexus.PartToolResult,
					ToolCallID: item.Get("call_id").String(),
					ToolResult: json.RawMessage(rawOrQuote(item.Get("output"))),
				}},
			})

		case "reasoning":
			var text string
			for _, s := range item.Get("summary").Array() {
				text += s.Get("text").String()
			}
			req.Messages = append(req.Messages, plexus.Message{
				Role:  "assistant",
				Parts: []plexus.Part{{Type: plexus.PartReasoning, Text: text}},
			})

		default:
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_content",
				Message: fmt.Sprintf("input item type %q dropped", itemType(item)),
			})
		}
	}
}

// itemType treats an untyped item with a role as a message, matching the wire.
func itemType(item gjson.Result) string {
	if typ := item.Get("type").String(); typ != "" {
		return typ
	}
	if item.Get("role").Exists() {
		return "message"
	}
	return ""
}

func parseContentPart(c gjson.Result, req *plexus.UnifiedRequest) []plexus.Part {
	switch c.Get("type").String() {
	case "input_text", "output_text", "text":
		return []plexus.Part{{Type: plexus.PartText, Text: c.Get("text").String()}}
	case "input_image":
		p := plexus.Part{Type: plexus.PartImage}
		if id := c.Get("file_id").String(); id != "" {
			p.FileID = id
		} else {
			p.URL = c.Get("image_url").String()
		}
		return []plexus.Part{p}
	case "input_file":
		p := plexus.Part{Type: plexus.PartDocument, MimeType: "application/pdf"}
		if id := c.Get("file_id").String(); id != "" {
			p.FileID = id
		} else if data := c.Get("file_data").String(); data != "" {
			p.Base64 = data
		} else {
			p.URL = c.Get("file_url").String()
		}
		return []plexus.Part{p}
	}
	req.Warnings = append(req.Warnings, plexus.Warning{
		Type:    "unsupported_content",
		Message: fmt.Sprintf("content type %q dropped", c.Get("type").String()),
	})
	return nil
}

// rawOrQuote returns the raw JSON for objects and a quoted form for strings,
// so downstream consumers always get valid JSON.
func rawOrQuote(v gjson.Result) []byte {
	if !v.Exists() {
		return nil
	}
	if v.Type == gjson.String {
		// arguments/output arrive as JSON-encoded strings on this wire
		s := v.String()
		if gjson.Valid(s) {
			return []byte(s)
		}
		quoted, _ := json.Marshal(s)
		return quoted
	}
	return []byte(v.Raw)
}

func parseTools(v gjson.Result, req *plexus.UnifiedRequest) {
	for _, tl := range v.Array() {
		if tl.Get("type").String() != "function" {
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_tool",
				Message: fmt.Sprintf("tool type %q dropped", tl.Get("type").String()),
			})
			continue
		}
		// responses tools are flat, not nested under "function"
		req.Tools = append(req.Tools, plexus.Tool{
			Name:        tl.Get("name").String(),
			Description: tl.Get("description").String(),
			Parameters:  json.RawMessage(tl.Get("parameters").Raw),
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
	if v.Get("type").String() == "function" {
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceTool, Name: v.Get("name").String()}
	}
}

func parseTextFormat(v gjson.Result, req *plexus.UnifiedRequest) {
	switch v.Get("type").String() {
	case "json_object":
		req.ResponseFormat = &plexus.ResponseFormat{Type: "json"}
	case "json_schema":
		req.ResponseFormat = &plexus.ResponseFormat{
			Type:   "json",
			Schema: json.RawMessage(v.Get("schema").Raw),
		}
	}
}

// TransformRequest produces a responses body for the chosen model.
func (t *Transformer) TransformRequest(req *plexus.UnifiedRequest, model string) ([]byte, error) {
	body := map[string]any{"model": model}

	if req.System != "" {
		body["instructions"] = req.System
	}
	var input []map[string]any
	for _, m := range req.Messages {
		input = append(input, formatMessage(m)...)
	}
	body["input"] = input

	if req.MaxTokens != nil {
		body["max_output_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.Stream {
		body["stream"] = true
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, tl := range req.Tools {
			ft := map[string]any{"type": "function", "name": tl.Name}
			if tl.Description != "" {
				ft["description"] = tl.Description
			}
			if len(tl.Parameters) > 0 {
				ft["parameters"] = json.RawMessage(tl.Parameters)
			}
			tools = append(tools, ft)
		}
		body["tools"] = tools
	}
	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case plexus.ToolChoiceAuto:
			body["tool_choice"] = "auto"
		case plexus.ToolChoiceNone:
			body["tool_choice"] = "none"
		case plexus.ToolChoiceRequired:
			body["tool_choice"] = "required"
		case plexus.ToolChoiceTool:
			body["tool_choice"] = map[string]any{"type": "function", "name": tc.Name}
		}
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type == "json" {
		format := map[string]any{"type": "json_object"}
		if len(rf.Schema) > 0 {
			format = map[string]any{
				"type":   "json_schema",
				"name":   "response",
				"schema": json.RawMessage(rf.Schema),
			}
		}
		body["text"] = map[string]any{"format": format}
	}
	return json.Marshal(body)
}

func formatMessage(m plexus.Message) []map[string]any {
	var items []map[string]any
	var content []map[string]any
	flush := func() {
		if len(content) == 0 {
			return
		}
		items = append(items, map[string]any{
			"type":    "message",
			"role":    m.Role,
			"content": content,
		})
		content = nil
	}

	textType := "input_text"
	if m.Role == "assistant" {
		textType = "output_text"
	}
	for _, p := range m.Parts {
		switch p.Type {
		case plexus.PartText:
			content = append(content, map[string]any{"type": textType, "text": p.Text})
		case plexus.PartImage:
			part := map[string]any{"type": "input_image"}
			switch {
			case p.FileID != "":
				part["file_id"] = p.FileID
			case p.URL != "":
				part["image_url"] = p.URL
			default:
				part["image_url"] = "data:" + p.MimeType + ";base64," + p.Base64
			}
			content = append(content, part)
		case plexus.PartDocument:
			part := map[string]any{"type": "input_file"}
			switch {
			case p.FileID != "":
				part["file_id"] = p.FileID
			case p.Base64 != "":
				part["file_data"] = p.Base64
			default:
				part["file_url"] = p.URL
			}
			content = append(content, part)
		case plexus.PartReasoning:
			// reasoning text has no inbound item shape; fold into output text
			content = append(content, map[string]any{"type": textType, "text": p.Text})
		case plexus.PartToolCall:
			flush()
			args := string(p.ToolInput)
			if args == "" {
				args = "{}"
			}
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   p.ToolCallID,
				"name":      p.ToolName,
				"arguments": args,
			})
		case plexus.PartToolResult:
			flush()
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": p.ToolCallID,
				"output":  string(p.ToolResult),
			})
		}
	}
	flush()
	return items
}

// ParseResponse parses a responses reply into unified form.
func (t *Transformer) ParseResponse(body []byte, model string) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	resp := &plexus.UnifiedResponse{
		ID:    r.Get("id").String(),
		Model: r.Get("model").String(),
	}
	if resp.Model == "" {
		resp.Model = model
	}

	for _, item := range r.Get("output").Array() {
		switch item.Get("type").String() {
		case "message":
			for _, c := range item.Get("content").Array() {
				if c.Get("type").String() == "output_text" {
					resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartText, Text: c.Get("text").String()})
				}
			}
		case "function_call":
			resp.Content = append(resp.Content, plexus.Part{
				Type:       plexus.PartToolCall,
				ToolCallID: item.Get("call_id").String(),
				ToolName:   item.Get("name").String(),
				ToolInput:  json.RawMessage(rawOrQuote(item.Get("arguments"))),
			})
		case "reasoning":
			var text string
			for _, s := range item.Get("summary").Array() {
				text += s.Get("text").String()
			}
			if text != "" {
				resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartReasoning, Text: text})
			}
		}
	}

	resp.FinishReason = finishFromStatus(r, resp.Content)
	resp.Usage = usageFromJSON(r.Get("usage"))
	return resp, nil
}

func finishFromStatus(r gjson.Result, content []plexus.Part) string {
	for _, p := range content {
		if p.Type == plexus.PartToolCall {
			return "tool_calls"
		}
	}
	if r.Get("status").String() == "incomplete" &&
		r.Get("incomplete_details.reason").String() == "max_output_tokens" {
		return "length"
	}
	return "stop"
}

// FormatResponse produces a responses reply body.
func (t *Transformer) FormatResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	id := resp.ID
	if id == "" {
		id = "resp_" + uuid.NewString()
	}

	var output []map[string]any
	var text []map[string]any
	for _, p := range resp.Content {
		switch p.Type {
		case plexus.PartText:
			text = append(text, map[string]any{
				"type":        "output_text",
				"text":        p.Text,
				"annotations": []any{},
			})
		case plexus.PartReasoning:
			output = append(output, map[string]any{
				"type":    "reasoning",
				"id":      "rs_" + uuid.NewString(),
				"summary": []map[string]any{{"type": "summary_text", "text": p.Text}},
			})
		case plexus.PartToolCall:
			args := string(p.ToolInput)
			if args == "" {
				args = "{}"
			}
			output = append(output, map[string]any{
				"type":      "function_call",
				"id":        "fc_" + uuid.NewString(),
				"call_id":   p.ToolCallID,
				"name":      p.ToolName,
				"arguments": args,
				"status":    "completed",
			})
		}
	}
	if len(text) > 0 {
		output = append(output, map[string]any{
			"type":    "message",
			"id":      "msg_" + uuid.NewString(),
			"role":    "assistant",
			"status":  "completed",
			"content": text,
		})
	}
	if output == nil {
		output = []map[string]any{}
	}

	status := "completed"
	var incomplete any
	if resp.FinishReason == "length" {
		status = "incomplete"
		incomplete = map[string]any{"reason": "max_output_tokens"}
	}

	body := map[string]any{
		"id":                 id,
		"object":             "response",
		"created_at":         time.Now().Unix(),
		"status":             status,
		"incomplete_details": incomplete,
		"model":              resp.Model,
		"output":             output,
		"usage":              usageToJSON(resp.Usage),
	}
	return json.Marshal(body)
}

// ExtractUsage pulls token counts from one SSE event's data payload.
// Usage arrives once, on the response.completed event.
func (t *Transformer) ExtractUsage(data string) (*plexus.Usage, bool) {
	// Stream events nest usage under "response"; unary bodies carry it at
	// the top level.
	u := gjson.Get(data, "response.usage")
	if !u.Exists() {
		u = gjson.Get(data, "usage")
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
		InputTokens:     int(u.Get("input_tokens").Int()),
		OutputTokens:    int(u.Get("output_tokens").Int()),
		ReasoningTokens: int(u.Get("output_tokens_details.reasoning_tokens").Int()),
		CachedTokens:    int(u.Get("input_tokens_details.cached_tokens").Int()),
	}
}

func usageToJSON(u plexus.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.InputTokens + u.OutputTokens,
		"input_tokens_details": map[string]any{
			"cached_tokens": u.CachedTokens,
		},
		"output_tokens_details": map[string]any{
			"reasoning_tokens": u.ReasoningTokens,
		},
	}
}
