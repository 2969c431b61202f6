package tokencount

import (
	"testing"

	plexus "github.com/plexus-gw/plexus/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	tests := []struct {
		name    string
		req     *plexus.UnifiedRequest
		wantMin int
		wantMax int
	}{
		{
			name: "single short message",
			req: &plexus.UnifiedRequest{
				Messages: []plexus.Message{
					{Role: "user", Parts: []plexus.Part{{Type: plexus.PartText, Text: "hello"}}},
				},
			},
			wantMin: 5,
			wantMax: 20,
		},
		{
			name: "system plus messages",
			req: &plexus.UnifiedRequest{
				System: "You are helpful.",
				Messages: []plexus.Message{
					{Role: "user", Parts: []plexus.Part{{Type: plexus.PartText, Text: "Explain quantum computing."}}},
				},
			},
			wantMin: 15,
			wantMax: 40,
		},
		{
			name:    "empty request",
			req:     &plexus.UnifiedRequest{},
			wantMin: 1,
			wantMax: 10,
		},
		{
			name: "tools add to the estimate",
			req: &plexus.UnifiedRequest{
				Messages: []plexus.Message{
					{Role: "user", Parts: []plexus.Part{{Type: plexus.PartText, Text: "x"}}},
				},
				Tools: []plexus.Tool{{
					Name:        "get_weather",
					Description: "Returns the weather for a city",
					Parameters:  []byte(`{"type":"object","properties":{"city":{"type":"string"}}}`),
				}},
			},
			wantMin: 25,
			wantMax: 60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := c.EstimateRequest(tt.req)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("EstimateRequest() = %d, want in [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestCountText(t *testing.T) {
	t.Parallel()
	c := NewCounter()
	if got := c.CountText(""); got != 1 {
		t.Errorf("empty text = %d, want 1", got)
	}
	if got := c.CountText("abcdefgh"); got != 2 {
		t.Errorf("8 chars = %d, want 2", got)
	}
}
