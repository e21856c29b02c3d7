package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/searle-dev/anywork/pkg/workerapi"
)

// delayRange returns min/max delay in milliseconds based on model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 10, 50
	case "mock-slow":
		return 500, 3000
	default:
		return 100, 500
	}
}

var toolCallCounter atomic.Int64

// nextToolID returns a process-unique tool invocation id. Chat turns for
// different sessions stream concurrently, hence the atomic counter.
func nextToolID() string {
	return fmt.Sprintf("mock_tool_%04d", toolCallCounter.Add(1))
}

// streamWriter frames protocol events as SSE and paces them by model. Once
// the client disconnects or /cancel fires for the session, emits and pauses
// become no-ops; scenarios notice through the bool returns and unwind.
type streamWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	ctx      context.Context
	cancelCh <-chan struct{}
	model    string
	started  time.Time
	halted   bool
}

// stopped reports whether the stream was cut short by cancel or disconnect.
func (s *streamWriter) stopped() bool {
	return s.halted
}

func (s *streamWriter) interrupted() bool {
	if s.halted {
		return true
	}
	select {
	case <-s.ctx.Done():
		s.halted = true
	case <-s.cancelCh:
		s.halted = true
	default:
	}
	return s.halted
}

// emit writes one SSE frame and flushes it so followers see events as they
// happen, not when the turn ends.
func (s *streamWriter) emit(eventType, content string, metadata map[string]any) bool {
	if s.interrupted() {
		return false
	}
	payload, _ := json.Marshal(struct {
		Content  string         `json:"content,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Content: content, Metadata: metadata})
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload)
	s.flusher.Flush()
	return true
}

// pause sleeps between events, waking early on cancel or disconnect.
func (s *streamWriter) pause(d time.Duration) bool {
	if s.interrupted() {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
	case <-s.cancelCh:
	}
	s.halted = true
	return false
}

// randomPause sleeps for a random duration within the model's delay range.
func (s *streamWriter) randomPause() bool {
	lo, hi := delayRange(s.model)
	ms := lo + rand.Intn(hi-lo+1)
	return s.pause(time.Duration(ms) * time.Millisecond)
}

// fixedPause sleeps for a fixed duration (for deterministic scenarios).
func (s *streamWriter) fixedPause(ms int) bool {
	return s.pause(time.Duration(ms) * time.Millisecond)
}

// --- Atomic emitters ---

func (s *streamWriter) text(text string) bool {
	return s.emit(workerapi.EventText, text, nil)
}

// thinking is not a protocol event type; the control plane passes unknown
// types through untouched and followers render them as they see fit.
func (s *streamWriter) thinking(thought string) bool {
	return s.emit("thinking", thought, nil)
}

// toolCall emits a tool invocation and returns its id for the paired result.
func (s *streamWriter) toolCall(tool string, args map[string]any) string {
	id := nextToolID()
	meta := map[string]any{"tool_use_id": id}
	for k, v := range args {
		meta[k] = v
	}
	s.emit(workerapi.EventToolCall, tool, meta)
	return id
}

func (s *streamWriter) toolResult(id, output string) bool {
	return s.emit(workerapi.EventToolResult, output, map[string]any{"tool_use_id": id})
}

func (s *streamWriter) errorEvent(message string) bool {
	return s.emit(workerapi.EventError, message, nil)
}

// done closes the turn with the stats the control plane records on the task.
func (s *streamWriter) done(result string, numTurns int) bool {
	return s.emit(workerapi.EventDone, result, map[string]any{
		"cost_usd":    0.0042,
		"num_turns":   numTurns,
		"duration_ms": time.Since(s.started).Milliseconds(),
	})
}
