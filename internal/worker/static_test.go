package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/pkg/workerapi"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestStaticDriver_AcquireHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	log := testLogger(t)
	driver := NewStaticDriver(srv.URL, workerapi.NewClient(log), log)

	ep, err := driver.Acquire(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if ep.BaseURL != srv.URL {
		t.Errorf("BaseURL = %q, want %q", ep.BaseURL, srv.URL)
	}
	if ep.ID != "static" {
		t.Errorf("ID = %q, want static", ep.ID)
	}

	// Same endpoint for every session.
	ep2, err := driver.Acquire(context.Background(), "session-2")
	if err != nil {
		t.Fatalf("Acquire() for second session failed: %v", err)
	}
	if ep2.BaseURL != ep.BaseURL {
		t.Error("static driver returned different endpoints for different sessions")
	}
}

func TestStaticDriver_AcquireUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	log := testLogger(t)
	driver := NewStaticDriver(srv.URL, workerapi.NewClient(log), log)

	_, err := driver.Acquire(context.Background(), "session-1")
	if err == nil {
		t.Fatal("Acquire() succeeded against an unhealthy worker")
	}
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("error = %v, want ErrWorkerUnavailable", err)
	}
}

func TestStaticDriver_ReleaseIsNoOp(t *testing.T) {
	log := testLogger(t)
	driver := NewStaticDriver("http://localhost:0", workerapi.NewClient(log), log)
	if err := driver.Release(context.Background(), "session-1"); err != nil {
		t.Errorf("Release() = %v, want nil", err)
	}
	if err := driver.Close(context.Background()); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
