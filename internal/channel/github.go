package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/searle-dev/anywork/internal/common/logger"
	"github.com/searle-dev/anywork/internal/github"
	"github.com/searle-dev/anywork/internal/task/models"
	"go.uber.org/zap"
)

// TypeGitHub is the GitHub issue-comment channel.
const TypeGitHub = "github"

// GitHubConfig configures the github channel.
type GitHubConfig struct {
	// WebhookSecret signs deliveries (X-Hub-Signature-256).
	WebhookSecret string
	// BotLogin is the account whose comments are ignored, typically the
	// token's owner. Prevents the channel replying to itself.
	BotLogin string
	// TriggerPhrase, when set, is required in a comment for it to become
	// a task (e.g. "@anywork"). Empty means every comment triggers.
	TriggerPhrase string
	// Defaults are injected into every task from this channel.
	Defaults Defaults
}

// GitHubChannel turns issue_comment webhook events into tasks and posts
// results back as issue comments.
type GitHubChannel struct {
	cfg    GitHubConfig
	client *github.Client
	logger *logger.Logger
}

// NewGitHubChannel creates the github channel. The client may be nil when
// no token is configured; Deliver then becomes a no-op with a warning.
func NewGitHubChannel(cfg GitHubConfig, client *github.Client, log *logger.Logger) *GitHubChannel {
	return &GitHubChannel{
		cfg:    cfg,
		client: client,
		logger: log.WithFields(zap.String("channel", TypeGitHub)),
	}
}

func (g *GitHubChannel) Type() string { return TypeGitHub }

func (g *GitHubChannel) Defaults() Defaults { return g.cfg.Defaults }

// Verify checks the HMAC signature GitHub attaches to each delivery.
func (g *GitHubChannel) Verify(r *http.Request, body []byte) bool {
	return github.VerifySignature(g.cfg.WebhookSecret, body, r.Header.Get(github.SignatureHeader))
}

// Translate maps an issue_comment event to a task request. Events that
// carry no work (non-created actions, bot comments, missing trigger)
// return (nil, nil) so the ingress acknowledges without creating a task.
func (g *GitHubChannel) Translate(body []byte) (*TaskRequest, error) {
	var event github.IssueCommentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("parse issue_comment event: %w", err)
	}
	if event.Action != "created" {
		return nil, nil
	}
	if event.Comment.User.Type == "Bot" {
		return nil, nil
	}
	if g.cfg.BotLogin != "" && strings.EqualFold(event.Comment.User.Login, g.cfg.BotLogin) {
		return nil, nil
	}

	message := event.Comment.Body
	if g.cfg.TriggerPhrase != "" {
		if !strings.Contains(message, g.cfg.TriggerPhrase) {
			return nil, nil
		}
		message = strings.Replace(message, g.cfg.TriggerPhrase, "", 1)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, nil
	}

	owner := event.Repository.Owner.Login
	repo := event.Repository.Name
	return &TaskRequest{
		SessionID: githubSessionID(owner, repo, event.Issue.Number),
		Message:   message,
		Meta: map[string]interface{}{
			"repo_owner":   owner,
			"repo_name":    repo,
			"issue_number": event.Issue.Number,
			"issue_url":    event.Issue.HTMLURL,
			"comment_id":   event.Comment.ID,
			"author":       event.Comment.User.Login,
		},
	}, nil
}

// Deliver posts the task result back on the originating issue.
func (g *GitHubChannel) Deliver(ctx context.Context, task *models.Task) error {
	if g.client == nil {
		g.logger.Warn("no GitHub token configured, skipping result delivery",
			zap.String("task_id", task.ID))
		return nil
	}
	owner, _ := metaString(task.ChannelMeta, "repo_owner")
	repo, _ := metaString(task.ChannelMeta, "repo_name")
	number, ok := metaInt(task.ChannelMeta, "issue_number")
	if owner == "" || repo == "" || !ok {
		return fmt.Errorf("task %s has no issue coordinates in channel meta", task.ID)
	}

	body := "Task finished with status " + string(task.Status) + "."
	if task.Result != nil && *task.Result != "" {
		body = *task.Result
	} else if task.Error != nil && *task.Error != "" {
		body = "Task failed: " + *task.Error
	}

	_, err := g.client.CreateIssueComment(ctx, owner, repo, number, body)
	return err
}

// githubSessionID derives a stable per-issue session so repeated comments
// on one issue continue the same conversation.
func githubSessionID(owner, repo string, issue int) string {
	return fmt.Sprintf("gh-%s-%s-%d", owner, repo, issue)
}

func metaString(meta map[string]interface{}, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	s, ok := meta[key].(string)
	return s, ok
}

// metaInt tolerates float64 because channel meta round-trips through JSON.
func metaInt(meta map[string]interface{}, key string) (int, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
