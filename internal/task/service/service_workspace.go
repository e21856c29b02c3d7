package service

import (
	"context"
	"fmt"

	"github.com/searle-dev/anywork/pkg/workerapi"
)

// workspaceFiles maps the workspace keys exposed over the REST surface to
// the fixed paths the worker stores them at.
var workspaceFiles = map[string]string{
	"soul":   "SOUL.md",
	"agents": "AGENTS.md",
}

// GetWorkspaceFile reads one of the exposed workspace files from the
// session's worker.
func (s *Service) GetWorkspaceFile(ctx context.Context, sessionID, key string) (*workerapi.WorkspaceFile, error) {
	file, ok := workspaceFiles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspaceFile, key)
	}
	ep, err := s.acquireSessionWorker(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.client.WorkspaceGet(ctx, ep, file)
}

// PutWorkspaceFile writes one of the exposed workspace files on the
// session's worker.
func (s *Service) PutWorkspaceFile(ctx context.Context, sessionID, key, content string) error {
	file, ok := workspaceFiles[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkspaceFile, key)
	}
	ep, err := s.acquireSessionWorker(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.client.WorkspacePut(ctx, ep, file, content)
}

// acquireSessionWorker resolves the session's worker endpoint for proxy
// reads and writes. The session must exist; acquiring may spin up a worker
// under the local and orchestrated drivers.
func (s *Service) acquireSessionWorker(ctx context.Context, sessionID string) (workerapi.Endpoint, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return workerapi.Endpoint{}, err
	}
	ep, err := s.driver.Acquire(ctx, sessionID)
	if err != nil {
		return workerapi.Endpoint{}, fmt.Errorf("failed to acquire worker for session %s: %w", sessionID, err)
	}
	return ep, nil
}
