// Package title generates short session titles from the first user message
// through an OpenAI-compatible chat-completions endpoint. Generation is a
// fire-and-forget collaborator: it runs alongside the first task and must
// never block or fail it.
package title

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/searle-dev/anywork/internal/common/config"
	"github.com/searle-dev/anywork/internal/common/logger"
)

const (
	requestTimeout = 15 * time.Second
	maxErrorBody   = 4096
	// Long first messages are truncated; the model only needs the gist.
	maxMessageChars = 2000
)

const systemPrompt = "You name chat sessions. Answer with a title of at " +
	"most six words for the user's message. No quotes, no trailing punctuation."

// ErrDisabled is returned by Generate when no API key is configured.
var ErrDisabled = errors.New("title generation disabled")

// Generator names sessions after their first message.
type Generator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a title generator from config. A missing API key produces a
// disabled generator rather than an error so callers can construct it
// unconditionally.
func New(cfg config.TitleConfig, log *logger.Logger) *Generator {
	return &Generator{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     log.WithFields(zap.String("component", "title")),
	}
}

// Enabled reports whether an API key is configured.
func (g *Generator) Enabled() bool {
	return g.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate returns a short title for the given message.
func (g *Generator) Generate(ctx context.Context, message string) (string, error) {
	if !g.Enabled() {
		return "", ErrDisabled
	}
	if runes := []rune(message); len(runes) > maxMessageChars {
		message = string(runes[:maxMessageChars])
	}

	body, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: message},
		},
		MaxTokens:   24,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("marshal title request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create title request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("title request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("title request failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse title response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("title response has no choices")
	}

	title := cleanTitle(parsed.Choices[0].Message.Content)
	if title == "" {
		return "", errors.New("title response is empty")
	}
	g.logger.Debug("generated session title", zap.String("title", title))
	return title, nil
}

// cleanTitle strips the wrapping quotes and trailing punctuation models add
// despite instructions.
func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'“”‘’")
	title = strings.TrimRight(title, ".!")
	return strings.TrimSpace(title)
}
