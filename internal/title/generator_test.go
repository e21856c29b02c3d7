package title

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/searle-dev/anywork/internal/common/config"
	"github.com/searle-dev/anywork/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func completionResponse(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(body)
}

func TestGenerateReturnsTrimmedTitle(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionResponse("\"Weekly Incident Summary.\"")))
	}))
	defer srv.Close()

	gen := New(config.TitleConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, testLogger(t))

	title, err := gen.Generate(context.Background(), "summarize last week's incidents")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if title != "Weekly Incident Summary" {
		t.Errorf("title = %q, want %q", title, "Weekly Incident Summary")
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[1].Content != "summarize last week's incidents" {
		t.Errorf("unexpected messages: %+v", gotReq.Messages)
	}
}

func TestGenerateTruncatesLongMessages(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(completionResponse("Long Message")))
	}))
	defer srv.Close()

	gen := New(config.TitleConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, testLogger(t))

	if _, err := gen.Generate(context.Background(), strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got := len([]rune(gotReq.Messages[1].Content)); got != maxMessageChars {
		t.Errorf("message length = %d, want %d", got, maxMessageChars)
	}
}

func TestGenerateDisabledWithoutAPIKey(t *testing.T) {
	gen := New(config.TitleConfig{BaseURL: "http://unused.invalid", Model: "gpt-4o-mini"}, testLogger(t))
	if gen.Enabled() {
		t.Fatal("generator should be disabled without an API key")
	}
	if _, err := gen.Generate(context.Background(), "hello"); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	gen := New(config.TitleConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, testLogger(t))

	_, err := gen.Generate(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want status and body in message", err)
	}
}

func TestCleanTitle(t *testing.T) {
	cases := map[string]string{
		"\"Quoted Title\"":     "Quoted Title",
		"'Single Quoted'":      "Single Quoted",
		"Trailing Dot.":        "Trailing Dot",
		"  padded  ":           "padded",
		"“Smart Quotes”": "Smart Quotes",
	}
	for raw, want := range cases {
		if got := cleanTitle(raw); got != want {
			t.Errorf("cleanTitle(%q) = %q, want %q", raw, got, want)
		}
	}
}
