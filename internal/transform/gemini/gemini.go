// Package gemini implements the transform.Transformer for the Google Gemini
// generateContent dialect.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexus-gw/plexus/internal"
)

const dialectName = "gemini"

// Transformer converts between generateContent wire bodies and unified form.
type Transformer struct{}

// New creates a gemini transformer.
func New() *Transformer { return &Transformer{} }

// Name returns the dialect name.
func (t *Transformer) Name() string { return dialectName }

// DefaultEndpoint returns the model-addressed generateContent path.
func (t *Transformer) DefaultEndpoint(model string, stream bool) string {
	if stream {
		return "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/v1beta/models/" + model + ":generateContent"
}

// ParseRequest parses a generateContent body into unified form. The model is
// carried in the URL on this wire, so callers set UnifiedRequest.Model after.
func (t *Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	r := gjson.ParseBytes(body)
	req := &plexus.UnifiedRequest{
		IncomingAPIType: plexus.APIGemini,
		OriginalBody:    json.RawMessage(body),
	}

	req.System = systemText(r.Get("systemInstruction"))

	gen := r.Get("generationConfig")
	if v := gen.Get("maxOutputTokens"); v.Exists() {
		n := int(v.Int())
		req.MaxTokens = &n
	}
	if v := gen.Get("temperature"); v.Exists() {
		f := v.Float()
		req.Temperature = &f
	}
	if v := gen.Get("topP"); v.Exists() {
		f := v.Float()
		req.TopP = &f
	}
	for _, s := range gen.Get("stopSequences").Array() {
		req.StopSequences = append(req.StopSequences, s.String())
	}
	if mime := gen.Get("responseMimeType").String(); mime == "application/json" {
		req.ResponseFormat = &plexus.ResponseFormat{Type: "json"}
		if schema := gen.Get("responseSchema"); schema.Exists() {
			req.ResponseFormat.Schema = json.RawMessage(schema.Raw)
		}
	}
	if gen.Get("thinkingConfig").Exists() {
		req.Warnings = append(req.Warnings, plexus.Warning{
			Type:    "unsupported_feature",
			Message: "thinkingConfig dropped",
		})
	}

	for _, tool := range r.Get("tools").Array() {
		if !tool.Get("functionDeclarations").Exists() {
			req.Warnings = append(req.Warnings, plexus.Warning{
				Type:    "unsupported_tool",
				Message: "non-function tool dropped",
			})
			continue
		}
		for _, fd := range tool.Get("functionDeclarations").Array() {
			req.Tools = append(req.Tools, plexus.Tool{
				Name:        fd.Get("name").String(),
				Description: fd.Get("description").String(),
				Parameters:  json.RawMessage(fd.Get("parameters").Raw),
			})
		}
	}
	parseToolConfig(r.Get("toolConfig"), req)

	for _, c := range r.Get("contents").Array() {
		role := c.Get("role").String()
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}
		msg := plexus.Message{Role: role}
		for _, p := range c.Get("parts").Array() {
			msg.Parts = append(msg.Parts, parsePart(p, req)...)
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func systemText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var out string
	for _, p := range v.Get("parts").Array() {
		out += p.Get("text").String()
	}
	return out
}

func parsePart(p gjson.Result, req *plexus.UnifiedRequest) []plexus.Part {
	switch {
	case p.Get("text").Exists():
		if p.Get("thought").Bool() {
			return []plexus.Part{{Type: plexus.PartReasoning, Text: p.Get("text").String()}}
		}
		return []plexus.Part{{Type: plexus.PartText, Text: p.Get("text").String()}}

	case p.Get("inlineData").Exists():
		mime := p.Get("inlineData.mimeType").String()
		kind := plexus.PartImage
		if mime == "application/pdf" {
			kind = plexus.PartDocument
		}
		return []plexus.Part{{
			Type:     kind,
			MimeType: mime,
			Base64:   p.Get("inlineData.data").String(),
		}}

	case p.Get("fileData").Exists():
		return []plexus.Part{{
			Type:     plexus.PartImage,
			MimeType: p.Get("fileData.mimeType").String(),
			URL:      p.Get("fileData.fileUri").String(),
		}}

	case p.Get("functionCall").Exists():
		name := p.Get("functionCall.name").String()
		return []plexus.Part{{
			Type:       plexus.PartToolCall,
			ToolCallID: name, // this wire correlates calls by name
			ToolName:   name,
			ToolInput:  json.RawMessage(p.Get("functionCall.args").Raw),
		}}

	case p.Get("functionResponse").Exists():
		return []plexus.Part{{
			Type:       plexus.PartToolResult,
			ToolCallID: p.Get("functionResponse.name").String(),
			ToolName:   p.Get("functionResponse.name").String(),
			ToolResult: json.RawMessage(p.Get("functionResponse.response").Raw),
		}}
	}
	req.Warnings = append(req.Warnings, plexus.Warning{
		Type:    "unsupported_content",
		Message: "unrecognized content part dropped",
	})
	return nil
}

func parseToolConfig(v gjson.Result, req *plexus.UnifiedRequest) {
	mode := v.Get("functionCallingConfig.mode").String()
	switch mode {
	case "":
		return
	case "AUTO", "ANY":
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}
	case "NONE":
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}
	}
	if names := v.Get("functionCallingConfig.allowedFunctionNames").Array(); len(names) == 1 {
		req.ToolChoice = &plexus.ToolChoice{Mode: plexus.ToolChoiceTool, Name: names[0].String()}
	}
}

// TransformRequest produces a generateContent body. The model rides in the
// URL, not the body, so it is ignored here.
func (t *Transformer) TransformRequest(req *plexus.UnifiedRequest, model string) ([]byte, error) {
	body := map[string]any{}

	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}

	var contents []map[string]any
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		var parts []map[string]any
		for _, p := range m.Parts {
			if fp := formatPart(p); fp != nil {
				parts = append(parts, fp)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	body["contents"] = contents

	gen := map[string]any{}
	if req.MaxTokens != nil {
		gen["maxOutputTokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		gen["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gen["topP"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		gen["stopSequences"] = req.StopSequences
	}
	if rf := req.ResponseFormat; rf != nil && rf.Type == "json" {
		gen["responseMimeType"] = "application/json"
		if len(rf.Schema) > 0 {
			gen["responseSchema"] = json.RawMessage(rf.Schema)
		}
	}
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}

	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, tl := range req.Tools {
			d := map[string]any{"name": tl.Name}
			if tl.Description != "" {
				d["description"] = tl.Description
			}
			if len(tl.Parameters) > 0 {
				d["parameters"] = json.RawMessage(tl.Parameters)
			}
			decls = append(decls, d)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	if req.ToolChoice != nil {
		cfg := map[string]any{}
		switch req.ToolChoice.Mode {
		case plexus.ToolChoiceAuto:
			cfg["mode"] = "AUTO"
		case plexus.ToolChoiceNone:
			cfg["mode"] = "NONE"
		case plexus.ToolChoiceRequired:
			cfg["mode"] = "ANY"
		case plexus.ToolChoiceTool:
			cfg["mode"] = "ANY"
			cfg["allowedFunctionNames"] = []string{req.ToolChoice.Name}
		}
		body["toolConfig"] = map[string]any{"functionCallingConfig": cfg}
	}

	return json.Marshal(body)
}

func formatPart(p plexus.Part) map[string]any {
	switch p.Type {
	case plexus.PartText:
		return map[string]any{"text": p.Text}
	case plexus.PartReasoning:
		return map[string]any{"text": p.Text, "thought": true}
	case plexus.PartImage, plexus.PartDocument:
		if p.URL != "" {
			return map[string]any{"fileData": map[string]any{
				"mimeType": p.MimeType,
				"fileUri":  p.URL,
			}}
		}
		return map[string]any{"inlineData": map[string]any{
			"mimeType": p.MimeType,
			"data":     p.Base64,
		}}
	case plexus.PartToolCall:
		args := json.RawMessage(p.ToolInput)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		return map[string]any{"functionCall": map[string]any{
			"name": p.ToolName,
			"args": args,
		}}
	case plexus.PartToolResult:
		return map[string]any{"functionResponse": map[string]any{
			"name":     p.ToolName,
			"response": toolResponseJSON(p.ToolResult),
		}}
	}
	return nil
}

// toolResponseJSON wraps non-object results; this wire requires an object.
func toolResponseJSON(raw json.RawMessage) any {
	r := gjson.ParseBytes(raw)
	if r.IsObject() {
		return json.RawMessage(raw)
	}
	return map[string]any{"result": r.Value()}
}

// ParseResponse parses a generateContent response into unified form.
func (t *Transformer) ParseResponse(body []byte, model string) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	resp := &plexus.UnifiedResponse{
		ID:    "gen-" + uuid.NewString(),
		Model: model,
	}
	if resp.Model == "" {
		resp.Model = r.Get("modelVersion").String()
	}

	candidate := r.Get("candidates.0")
	for _, p := range candidate.Get("content.parts").Array() {
		switch {
		case p.Get("functionCall").Exists():
			name := p.Get("functionCall.name").String()
			resp.Content = append(resp.Content, plexus.Part{
				Type:       plexus.PartToolCall,
				ToolCallID: name,
				ToolName:   name,
				ToolInput:  json.RawMessage(p.Get("functionCall.args").Raw),
			})
		case p.Get("thought").Bool():
			resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartReasoning, Text: p.Get("text").String()})
		case p.Get("text").Exists():
			resp.Content = append(resp.Content, plexus.Part{Type: plexus.PartText, Text: p.Get("text").String()})
		}
	}

	resp.FinishReason = mapFinishReason(candidate.Get("finishReason").String(), resp.Content)
	resp.Usage = usageFromJSON(r.Get("usageMetadata"))
	return resp, nil
}

// FormatResponse produces a generateContent response body.
func (t *Transformer) FormatResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	var parts []map[string]any
	for _, p := range resp.Content {
		if fp := formatPart(p); fp != nil {
			parts = append(parts, fp)
		}
	}
	if parts == nil {
		parts = []map[string]any{}
	}

	body := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": unmapFinishReason(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": usageToJSON(resp.Usage),
		"modelVersion":  resp.Model,
	}
	return json.Marshal(body)
}

// ExtractUsage pulls token counts from one SSE event's data payload.
// This wire reports cumulative usageMetadata; callers keep the maximum seen.
func (t *Transformer) ExtractUsage(data string) (*plexus.Usage, bool) {
	u := gjson.Get(data, "usageMetadata")
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
		InputTokens:     int(u.Get("promptTokenCount").Int()),
		OutputTokens:    int(u.Get("candidatesTokenCount").Int()),
		ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
		CachedTokens:    int(u.Get("cachedContentTokenCount").Int()),
	}
}

func usageToJSON(u plexus.Usage) map[string]any {
	out := map[string]any{
		"promptTokenCount":     u.InputTokens,
		"candidatesTokenCount": u.OutputTokens,
		"totalTokenCount":      u.InputTokens + u.OutputTokens + u.ReasoningTokens,
	}
	if u.ReasoningTokens > 0 {
		out["thoughtsTokenCount"] = u.ReasoningTokens
	}
	if u.CachedTokens > 0 {
		out["cachedContentTokenCount"] = u.CachedTokens
	}
	return out
}

// mapFinishReason converts this wire's finish reasons to the unified set.
func mapFinishReason(reason string, content []plexus.Part) string {
	for _, p := range content {
		if p.Type == plexus.PartToolCall {
			return "tool_calls"
		}
	}
	switch reason {
	case "STOP", "":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return "content_filter"
	default:
		return "stop"
	}
}

// unmapFinishReason converts unified finish reasons back to this wire.
func unmapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	default:
		return "STOP"
	}
}

// ModelFromPath extracts the model segment of a generateContent URL path.
// Kept here so the HTTP layer and tests share one implementation.
func ModelFromPath(path string) (model string, stream bool, err error) {
	const marker = "/models/"
	i := strings.Index(path, marker)
	if i < 0 {
		return "", false, fmt.Errorf("%w: missing model in path", plexus.ErrInvalidRequest)
	}
	rest := path[i+len(marker):]
	j := strings.LastIndex(rest, ":")
	if j < 0 {
		return "", false, fmt.Errorf("%w: missing action in path", plexus.ErrInvalidRequest)
	}
	model, action := rest[:j], rest[j+1:]
	switch action {
	case "generateContent":
		return model, false, nil
	case "streamGenerateContent":
		return model, true, nil
	default:
		return "", false, fmt.Errorf("%w: unsupported action %q", plexus.ErrInvalidRequest, action)
	}
}
