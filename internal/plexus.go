// Package plexus defines domain types and interfaces for the Plexus LLM gateway.
// This package has no project imports -- it is the dependency root.
package plexus

import (
	"context"
	"encoding/json"
	"time"
)

// --- Dialects ---

// APIType identifies a wire dialect spoken by clients and providers.
type APIType string

const (
	// APIChat is the OpenAI chat completions dialect.
	APIChat APIType = "chat"
	// APIMessages is the Anthropic messages dialect.
	APIMessages APIType = "messages"
	// APIGemini is the Google Gemini generateContent dialect.
	APIGemini APIType = "gemini"
	// APIResponses is the OpenAI responses dialect.
	APIResponses APIType = "responses"
)

// --- Unified request ---

// UnifiedRequest is the dialect-agnostic form of an inbound inference request.
// Transformers parse incoming bodies into this shape; the dispatcher hands it
// to the outgoing transformer for the chosen provider.
type UnifiedRequest struct {
	Model          string
	Messages       []Message
	System         string
	Tools          []Tool
	ToolChoice     *ToolChoice
	MaxTokens      *int
	Temperature    *float64
	TopP           *float64
	StopSequences  []string
	ResponseFormat *ResponseFormat
	Stream         bool
	Metadata       map[string]any

	IncomingAPIType APIType
	OriginalBody    json.RawMessage // verbatim inbound body, used for pass-through
	RequestID       string
	Warnings        []Warning
}

// Message is a single conversation turn with ordered content parts.
type Message struct {
	Role  string // "user", "assistant", "tool"
	Parts []Part
}

// PartType discriminates the Part union.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartDocument   PartType = "document"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// Part is one ordered element of a message's content.
// Only the fields matching Type are populated.
type Part struct {
	Type PartType

	Text string // PartText, PartReasoning

	// PartImage / PartDocument source. Exactly one of Base64/URL/FileID is set.
	MimeType string
	Base64   string
	URL      string
	FileID   string

	// PartToolCall
	ToolCallID string
	ToolName   string
	ToolInput  json.RawMessage

	// PartToolResult (ToolCallID shared with PartToolCall)
	ToolResult json.RawMessage
	IsError    bool

	// PartReasoning carries an optional provider signature for round-trips.
	Signature string
}

// Tool is a function tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
}

// ToolChoiceMode constrains how the model may call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ToolChoice selects a tool-calling mode; Name is set when Mode is ToolChoiceTool.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// ResponseFormat unifies json_object and json_schema under a single json kind.
type ResponseFormat struct {
	Type   string          // "text" or "json"
	Schema json.RawMessage // optional, json only
}

// Warning is a structured note about an incoming feature that was dropped
// because the target dialect has no equivalent.
type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Unified response ---

// Usage holds token counts reported by (or imputed for) a provider response.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	ReasoningTokens     int `json:"reasoning_tokens,omitempty"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// Meta is the internal routing envelope attached to every dispatched response.
// It must be stripped before any body reaches the client.
type Meta struct {
	Provider              string
	Model                 string
	CanonicalModel        string
	APIType               APIType
	Pricing               *Pricing
	ProviderDiscount      float64
	AttemptCount          int
	FinalAttemptProvider  string
	FinalAttemptModel     string
	AllAttemptedProviders []string
}

// UnifiedResponse is the dialect-agnostic form of a provider reply.
// For streaming flows Stream carries the raw provider bytes and the content
// fields are unset; for pass-through unary flows RawResponse carries the
// verbatim provider body.
type UnifiedResponse struct {
	ID           string
	Model        string
	Content      []Part
	FinishReason string
	Usage        Usage
	Warnings     []Warning

	Stream               StreamReader
	RawResponse          json.RawMessage
	BypassTransformation bool

	Plexus Meta
}

// StreamReader is the raw provider byte stream plus its close handle.
type StreamReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// StreamChunk is one unified streaming event. Transformers convert provider
// SSE events into chunks and chunks back into client-dialect SSE frames.
type StreamChunk struct {
	Type         ChunkType
	ID           string
	Model        string
	Index        int
	Text         string // delta text or reasoning text
	ToolCallID   string
	ToolName     string
	ArgsDelta    string // partial tool-call JSON arguments
	FinishReason string
	Usage        *Usage
	Err          error
}

// ChunkType discriminates StreamChunk.
type ChunkType string

const (
	ChunkStart          ChunkType = "start"
	ChunkText           ChunkType = "text_delta"
	ChunkReasoning      ChunkType = "reasoning_delta"
	ChunkToolCallStart  ChunkType = "tool_call_start"
	ChunkToolCallDelta  ChunkType = "tool_call_delta"
	ChunkFinish         ChunkType = "finish"
	ChunkUsage          ChunkType = "usage"
	ChunkDone           ChunkType = "done"
)

// --- Routing ---

// Target is a concrete (provider, model) pair eligible for a dispatch.
type Target struct {
	Provider       string
	Model          string
	Weight         int
	IncomingAlias  string
	CanonicalModel string
}

// CooldownReason classifies the provider failure that triggered a cooldown.
type CooldownReason string

const (
	ReasonRateLimit       CooldownReason = "rate_limit"
	ReasonAuthError       CooldownReason = "auth_error"
	ReasonTimeout         CooldownReason = "timeout"
	ReasonServerError     CooldownReason = "server_error"
	ReasonConnectionError CooldownReason = "connection_error"
)

// CooldownRecord is a timed suppression of a target following a failure.
type CooldownRecord struct {
	Provider            string
	Model               string
	AccountID           string
	ExpiresAt           time.Time
	ConsecutiveFailures int
	Reason              CooldownReason
	CreatedAt           time.Time
}

// --- Pricing ---

// PricingSource discriminates the Pricing union.
type PricingSource string

const (
	PricingSimple     PricingSource = "simple"
	PricingDefined    PricingSource = "defined"
	PricingOpenRouter PricingSource = "openrouter"
	PricingPerRequest PricingSource = "per_request"
)

// Pricing is a tagged union of the supported pricing schemes.
type Pricing struct {
	Source PricingSource `yaml:"source" json:"source"`

	// simple: USD per million tokens.
	Input  float64 `yaml:"input,omitempty" json:"input,omitempty"`
	Output float64 `yaml:"output,omitempty" json:"output,omitempty"`
	Cached float64 `yaml:"cached,omitempty" json:"cached,omitempty"`

	// defined: tiered by input token count.
	Ranges []PricingRange `yaml:"range,omitempty" json:"range,omitempty"`

	// openrouter: slug into the loaded pricing table.
	Slug     string   `yaml:"slug,omitempty" json:"slug,omitempty"`
	Discount *float64 `yaml:"discount,omitempty" json:"discount,omitempty"`

	// per_request: flat fee.
	Amount float64 `yaml:"amount,omitempty" json:"amount,omitempty"`
}

// PricingRange is one tier of a defined pricing scheme.
type PricingRange struct {
	Lower      int     `yaml:"lower" json:"lower"`
	Upper      int     `yaml:"upper" json:"upper"`
	InputPerM  float64 `yaml:"input_per_m" json:"input_per_m"`
	OutputPerM float64 `yaml:"output_per_m" json:"output_per_m"`
}

// --- Persistence records ---

// UsageRecord is the durable bookkeeping row for one gateway request.
// A record exists for every request that left the router, including failures.
type UsageRecord struct {
	RequestID          string
	Date               time.Time
	SourceIP           string
	APIKey             string // key *name*, never the secret
	Attribution        string
	IncomingAPIType    APIType
	OutgoingAPIType    APIType
	Provider           string
	IncomingModelAlias string
	CanonicalModelName string
	SelectedModelName  string

	AttemptCount          int
	FinalAttemptProvider  string
	FinalAttemptModel     string
	AllAttemptedProviders []string

	TokensInput      int
	TokensOutput     int
	TokensReasoning  int
	TokensCached     int
	TokensCacheWrite int

	CostInput      float64
	CostOutput     float64
	CostCached     float64
	CostCacheWrite float64
	CostTotal      float64
	CostSource     string
	CostMetadata   json.RawMessage

	StartTime       time.Time
	DurationMs      int64
	TTFTMs          int64
	TokensPerSec    float64
	IsStreamed      bool
	IsPassthrough   bool
	ResponseStatus  string // "success", "error", or "HTTP <code>"
	TokensEstimated bool

	KwhUsed        float64
	ToolsDefined   int
	MessageCount   int
	ToolCallsCount int
	FinishReason   string
}

// PerformanceSample is one completed request's latency/throughput observation.
type PerformanceSample struct {
	Provider       string
	Model          string
	CanonicalModel string
	RequestID      string
	TTFTMs         int64
	TotalTokens    int
	DurationMs     int64
	TokensPerSec   float64
	CreatedAt      time.Time
}

// DebugLog is an optional raw/transformed capture of one request.
type DebugLog struct {
	RequestID                   string
	RawRequest                  []byte
	TransformedRequest          []byte
	RawResponse                 []byte
	TransformedResponse         []byte
	RawResponseSnapshot         []byte
	TransformedResponseSnapshot []byte
	CreatedAt                   time.Time
}

// QuotaLimitType discriminates token-count and request-count quotas.
type QuotaLimitType string

const (
	QuotaTokens   QuotaLimitType = "tokens"
	QuotaRequests QuotaLimitType = "requests"
)

// QuotaState is the persisted usage counter for one (key, quota) pair.
type QuotaState struct {
	KeyName            string
	QuotaName          string
	LimitType          QuotaLimitType
	CurrentUsage       float64
	LastUpdated        time.Time
	LastKnownLimit     float64
	LastKnownLimitType QuotaLimitType
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// KeyName is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	KeyName   string
	SourceIP  string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// KeyNameFromContext extracts the authenticated API key name from context.
func KeyNameFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.KeyName
	}
	return ""
}

// ContextWithKeyName stores the key name in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithKeyName(ctx context.Context, name string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.KeyName = name
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{KeyName: name})
}

// SourceIPFromContext extracts the caller IP recorded by the server layer.
func SourceIPFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.SourceIP
	}
	return ""
}

// ContextWithSourceIP stores the caller IP in the existing requestMeta.
func ContextWithSourceIP(ctx context.Context, ip string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.SourceIP = ip
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{SourceIP: ip})
}
