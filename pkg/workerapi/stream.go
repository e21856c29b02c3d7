package workerapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventStream decodes the worker's server-sent event frames:
//
//	event: <type>\n
//	data: <json>\n
//	\n
//
// Unknown event types pass through untouched so new worker capabilities never
// break older control planes.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	// Tool results can be large; allow events up to 1MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &EventStream{body: body, scanner: scanner}
}

// Next returns the next decoded event. It returns io.EOF when the worker
// closes the stream and an error for transport failures or undecodable
// payloads; both end the stream.
func (s *EventStream) Next() (*Event, error) {
	eventType := ""
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		if strings.HasPrefix(line, ":") {
			// SSE comment / keep-alive
			continue
		}

		// Empty line terminates the frame.
		if line == "" && len(dataLines) > 0 {
			return decodeEvent(eventType, strings.Join(dataLines, "\n"))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	// A final unterminated frame still counts.
	if len(dataLines) > 0 {
		return decodeEvent(eventType, strings.Join(dataLines, "\n"))
	}
	return nil, io.EOF
}

// Close releases the underlying connection. Safe to call while a Next is
// blocked; the read unblocks with an error.
func (s *EventStream) Close() error {
	return s.body.Close()
}

func decodeEvent(eventType, data string) (*Event, error) {
	if eventType == "" {
		// SSE default event name.
		eventType = "message"
	}
	var payload struct {
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	return &Event{Type: eventType, Content: payload.Content, Metadata: payload.Metadata}, nil
}
