package sseutil

import (
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		wantEvent string
		wantData  string
		wantOK    bool
	}{
		{name: "data line", line: `data: {"id":"1"}`, wantData: `{"id":"1"}`, wantOK: true},
		{name: "event line", line: "event: message_start", wantEvent: "message_start", wantOK: true},
		{name: "data done", line: "data: [DONE]", wantData: "[DONE]", wantOK: true},
		{name: "empty line", line: "", wantOK: false},
		{name: "comment", line: ": keep-alive", wantOK: false},
		{name: "no colon", line: "garbage", wantOK: false},
		{name: "data no space", line: `data:{"id":"1"}`, wantData: `{"id":"1"}`, wantOK: true},
		{name: "unknown field", line: "retry: 5000", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			event, data, ok := ParseLine(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if event != tt.wantEvent {
				t.Errorf("event = %q, want %q", event, tt.wantEvent)
			}
			if data != tt.wantData {
				t.Errorf("data = %q, want %q", data, tt.wantData)
			}
		})
	}
}

func TestDataFrame(t *testing.T) {
	t.Parallel()
	got := string(DataFrame([]byte(`{"a":1}`)))
	if got != "data: {\"a\":1}\n\n" {
		t.Fatalf("frame = %q", got)
	}
}

func TestEventFrame(t *testing.T) {
	t.Parallel()
	got := string(EventFrame("message_stop", []byte(`{"type":"message_stop"}`)))
	want := "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	if got != want {
		t.Fatalf("frame = %q, want %q", got, want)
	}
}

func TestFrameScanner(t *testing.T) {
	t.Parallel()
	input := "data: one\n\nevent: x\ndata: two\n\ndata: tail"
	fs := NewFrameScanner(strings.NewReader(input))

	var frames []string
	for {
		f, ok := fs.Next()
		if !ok {
			break
		}
		frames = append(frames, string(f))
	}
	if err := fs.Err(); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames: %q", len(frames), frames)
	}
	if frames[0] != "data: one\n\n" {
		t.Errorf("frame[0] = %q", frames[0])
	}
	if frames[1] != "event: x\ndata: two\n\n" {
		t.Errorf("frame[1] = %q", frames[1])
	}
	// Unterminated tail is flushed at EOF.
	if frames[2] != "data: tail" {
		t.Errorf("frame[2] = %q", frames[2])
	}
}

func TestFrameStraddlingReads(t *testing.T) {
	t.Parallel()
	// one-byte-at-a-time reader forces frames to straddle reads.
	fs := NewFrameScanner(oneByteReader{strings.NewReader("data: hello\n\ndata: world\n\n")})
	f1, ok := fs.Next()
	if !ok || string(f1) != "data: hello\n\n" {
		t.Fatalf("frame 1 = %q, %v", f1, ok)
	}
	f2, ok := fs.Next()
	if !ok || string(f2) != "data: world\n\n" {
		t.Fatalf("frame 2 = %q, %v", f2, ok)
	}
}

type oneByteReader struct{ r *strings.Reader }

func (o oneByteReader) Read(p []byte) (int, error) { return o.r.Read(p[:1]) }

func TestEventData(t *testing.T) {
	t.Parallel()
	event, data := EventData([]byte("event: content_block_delta\ndata: {\"x\":1}\n\n"))
	if event != "content_block_delta" || data != `{"x":1}` {
		t.Fatalf("got (%q, %q)", event, data)
	}

	event, data = EventData([]byte("data: plain\n\n"))
	if event != "" || data != "plain" {
		t.Fatalf("got (%q, %q)", event, data)
	}
}
