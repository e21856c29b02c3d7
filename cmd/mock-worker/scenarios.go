package main

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// runScenario routes a chat message to a response sequence. Slash commands
// produce deterministic streams for integration tests; anything else gets a
// generic tool-using response. Returns the final answer recorded in the
// session history, empty when the turn errored or was cut short.
func (m *mockWorker) runScenario(sw *streamWriter, prompt string) string {
	switch {
	case strings.EqualFold(prompt, "/error"):
		return m.scenarioError(sw)
	case strings.EqualFold(prompt, "/slow") || strings.HasPrefix(strings.ToLower(prompt), "/slow "):
		return m.scenarioSlow(sw, prompt)
	case strings.EqualFold(prompt, "/thinking"):
		return m.scenarioThinking(sw)
	case strings.HasPrefix(prompt, "/tool:"):
		toolName := strings.TrimPrefix(prompt, "/tool:")
		return m.scenarioTool(sw, strings.ToLower(strings.TrimSpace(toolName)))
	case strings.EqualFold(prompt, "/all"):
		return m.scenarioAll(sw)
	case strings.EqualFold(prompt, "/multi-turn"):
		return m.scenarioMultiTurn(sw)
	default:
		return m.scenarioGeneric(sw, prompt)
	}
}

// scenarioError: text, then an error event. No done frame follows; the
// control plane fails the task on the error event alone.
func (m *mockWorker) scenarioError(sw *streamWriter) string {
	sw.fixedPause(100)
	sw.text("About to encounter an error...")
	sw.fixedPause(100)
	sw.errorEvent("mock error: simulated failure")
	return ""
}

// scenarioSlow generates a response with configurable total duration.
// Accepts "/slow" (defaults to 5s) or "/slow <duration>" (e.g. "/slow 60s").
func (m *mockWorker) scenarioSlow(sw *streamWriter, prompt string) string {
	totalDuration := 5 * time.Second
	parts := strings.Fields(prompt)
	if len(parts) >= 2 {
		if d, err := time.ParseDuration(parts[1]); err == nil && d > 0 {
			totalDuration = d
		}
	}

	// Divide total duration into steps
	steps := 5
	stepDelay := totalDuration / time.Duration(steps)

	sw.thinking("Taking my time with this one...")
	if !sw.pause(stepDelay) {
		return ""
	}
	sw.text(fmt.Sprintf("Running slow response (%s total)...", totalDuration))
	if !sw.pause(stepDelay) {
		return ""
	}
	if !m.emitFileRead(sw) || !sw.pause(stepDelay) {
		return ""
	}
	if !m.emitCodeSearch(sw) || !sw.pause(stepDelay) {
		return ""
	}
	result := fmt.Sprintf("Slow response complete after %s.", totalDuration)
	sw.text(result)
	sw.pause(stepDelay)
	sw.done(result, 1)
	return result
}

// scenarioThinking emits extended reasoning blocks before a short answer.
func (m *mockWorker) scenarioThinking(sw *streamWriter) string {
	thoughts := []string{
		"Let me analyze this problem step by step...",
		"First, I need to consider the architecture and how the components interact.",
		"The key insight is that we need to handle both synchronous and asynchronous flows.",
		"I should also consider edge cases: what happens when the input is empty? What about concurrent access?",
		"After careful analysis, I believe the best approach is to use a channel-based pattern with proper synchronization.",
	}

	for _, thought := range thoughts {
		if !sw.randomPause() {
			return ""
		}
		sw.thinking(thought)
	}

	if !sw.randomPause() {
		return ""
	}
	result := "After careful reasoning, here is my analysis:\n\n1. The architecture is sound\n2. Error handling covers edge cases\n3. The implementation follows Go best practices"
	sw.text(result)
	sw.done(result, 1)
	return result
}

// scenarioTool emits a single specific tool call.
func (m *mockWorker) scenarioTool(sw *streamWriter, toolName string) string {
	switch toolName {
	case "read":
		if !m.emitFileRead(sw) {
			return ""
		}
	case "exec", "bash":
		if !m.emitShellExec(sw) {
			return ""
		}
	case "search", "grep":
		if !m.emitCodeSearch(sw) {
			return ""
		}
	case "webfetch", "web":
		if !m.emitWebFetch(sw) {
			return ""
		}
	default:
		result := "Unknown tool: " + toolName + ". Available: read, exec, search, webfetch"
		sw.text(result)
		sw.done(result, 1)
		return result
	}

	if !sw.randomPause() {
		return ""
	}
	result := "Tool demonstration complete."
	sw.text(result)
	sw.done(result, 1)
	return result
}

// scenarioAll emits one of every event variety in a single stream.
func (m *mockWorker) scenarioAll(sw *streamWriter) string {
	sw.thinking("Starting comprehensive demonstration of all event types...")
	if !sw.randomPause() {
		return ""
	}
	steps := []func(*streamWriter) bool{
		m.emitFileRead,
		m.emitShellExec,
		m.emitCodeSearch,
		m.emitWebFetch,
	}
	for _, step := range steps {
		if !step(sw) || !sw.randomPause() {
			return ""
		}
	}
	result := "All event types demonstrated successfully!"
	sw.text(result)
	sw.done(result, 2)
	return result
}

// scenarioMultiTurn: minimal response for multi-turn tests.
func (m *mockWorker) scenarioMultiTurn(sw *streamWriter) string {
	sw.fixedPause(50)
	result := "Multi-turn response ready. Send another message to continue."
	sw.text(result)
	sw.done(result, 1)
	return result
}

// scenarioGeneric: thinking, a couple of tool rounds over the workspace,
// then a summary echoing the prompt.
func (m *mockWorker) scenarioGeneric(sw *streamWriter, prompt string) string {
	sw.thinking("Analyzing the request and considering the best approach...")
	if !sw.randomPause() {
		return ""
	}
	if !m.emitFileRead(sw) || !sw.randomPause() {
		return ""
	}
	if !m.emitCodeSearch(sw) || !sw.randomPause() {
		return ""
	}
	result := "I've completed the analysis of your request: \"" + prompt + "\". Everything looks good!"
	sw.text(result)
	sw.done(result, 1)
	return result
}

// --- Tool sequences ---

// emitFileRead emits a read tool_call followed by a tool_result carrying a
// real workspace file snippet.
func (m *mockWorker) emitFileRead(sw *streamWriter) bool {
	file := m.pickWorkspaceFile()
	id := sw.toolCall("read", map[string]any{"file": file})
	if !sw.randomPause() {
		return false
	}
	return sw.toolResult(id, m.workspaceSnippet(file, 30))
}

// emitShellExec emits an exec tool_call followed by a canned tool_result.
func (m *mockWorker) emitShellExec(sw *streamWriter) bool {
	id := sw.toolCall("exec", map[string]any{
		"command":     "go test ./...",
		"description": "Run all tests",
	})
	if !sw.randomPause() {
		return false
	}
	return sw.toolResult(id, "ok  \tgithub.com/example/project\t0.042s\nPASS")
}

// emitCodeSearch emits a search tool_call with results built from real
// workspace file names.
func (m *mockWorker) emitCodeSearch(sw *streamWriter) bool {
	searchPatterns := []string{"func ", "import ", "TODO", "return ", "error", "type "}
	pattern := searchPatterns[int(toolCallCounter.Load())%len(searchPatterns)]

	id := sw.toolCall("search", map[string]any{"pattern": pattern})
	if !sw.randomPause() {
		return false
	}

	var results []string
	for i, name := range m.workspaceFileNames() {
		results = append(results, fmt.Sprintf("%s:%d:%s found here", name, (i+1)*10, strings.TrimSpace(pattern)))
	}
	return sw.toolResult(id, strings.Join(results, "\n"))
}

// emitWebFetch emits a webfetch tool_call followed by a tool_result.
func (m *mockWorker) emitWebFetch(sw *streamWriter) bool {
	id := sw.toolCall("webfetch", map[string]any{
		"url":    "https://example.com/api/docs",
		"prompt": "Extract the API endpoints and their descriptions",
	})
	if !sw.randomPause() {
		return false
	}
	return sw.toolResult(id, "API Documentation:\n- GET /api/v1/users - List all users\n- POST /api/v1/users - Create a new user\n- GET /api/v1/users/:id - Get user by ID\n- PUT /api/v1/users/:id - Update user\n- DELETE /api/v1/users/:id - Delete user")
}

// pickWorkspaceFile returns a random workspace file name for tool sequences.
func (m *mockWorker) pickWorkspaceFile() string {
	names := m.workspaceFileNames()
	if len(names) == 0 {
		return "SOUL.md"
	}
	return names[rand.Intn(len(names))]
}
