// Package sseutil provides shared server-sent-event parsing and framing for
// the dialect transformers and the streaming pipeline.
package sseutil

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const maxLineSize = 1024 * 1024 // 1MB per SSE line; tool arguments can get large

// Pre-built wire fragments, allocated once.
var (
	dataPrefix  = []byte("data: ")
	eventPrefix = []byte("event: ")
	frameEnd    = []byte("\n\n")
	doneFrame   = []byte("data: [DONE]\n\n")
)

// DoneFrame returns the OpenAI-style stream terminator frame.
func DoneFrame() []byte { return doneFrame }

// NewScanner returns a line scanner sized for SSE payloads.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseLine splits one SSE line into its field and value. ok is false for
// blank lines, comments, and fields other than event/data.
func ParseLine(line string) (event, data string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	value = strings.TrimPrefix(value, " ")
	switch key {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	default:
		return "", "", false
	}
}

// DataFrame wraps a JSON payload as a complete "data: ...\n\n" frame.
func DataFrame(payload []byte) []byte {
	out := make([]byte, 0, len(dataPrefix)+len(payload)+len(frameEnd))
	out = append(out, dataPrefix...)
	out = append(out, payload...)
	return append(out, frameEnd...)
}

// EventFrame wraps a named event and payload as a complete
// "event: ...\ndata: ...\n\n" frame.
func EventFrame(event string, payload []byte) []byte {
	out := make([]byte, 0, len(eventPrefix)+len(event)+1+len(dataPrefix)+len(payload)+len(frameEnd))
	out = append(out, eventPrefix...)
	out = append(out, event...)
	out = append(out, '\n')
	out = append(out, dataPrefix...)
	out = append(out, payload...)
	return append(out, frameEnd...)
}

// FrameScanner yields complete SSE frames (events) from a byte stream,
// splitting on blank lines. A frame that straddles reads is held until its
// terminator arrives. The trailing blank line is kept so frames can be
// forwarded verbatim.
type FrameScanner struct {
	s *bufio.Scanner
}

// NewFrameScanner creates a FrameScanner over r.
func NewFrameScanner(r io.Reader) *FrameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	s.Split(splitFrames)
	return &FrameScanner{s: s}
}

// Next returns the next complete frame, or false at end of stream.
func (f *FrameScanner) Next() ([]byte, bool) {
	if !f.s.Scan() {
		return nil, false
	}
	return f.s.Bytes(), true
}

// Err returns the first non-EOF error seen by the scanner.
func (f *FrameScanner) Err() error { return f.s.Err() }

// splitFrames is a bufio.SplitFunc cutting on the "\n\n" frame terminator.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, frameEnd); i >= 0 {
		return i + 2, data[:i+2], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// EventData extracts the event name and concatenated data payload from one
// complete frame.
func EventData(frame []byte) (event, data string) {
	var buf strings.Builder
	for _, line := range strings.Split(string(frame), "\n") {
		ev, d, ok := ParseLine(line)
		if !ok {
			continue
		}
		if ev != "" {
			event = ev
		}
		if d != "" {
			buf.WriteString(d)
		}
	}
	return event, buf.String()
}
