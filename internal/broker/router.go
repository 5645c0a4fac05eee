package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/inflection/broker/internal/connector"
)

// Command is an operator-issued request naming the issue to act on and
// the display name of whoever asked, which leads every summary comment.
type Command struct {
	IssueKey string
	User     string
}

// PullRequestEvent is the subset of the upstream pull-request webhook
// payload the core acts on.
type PullRequestEvent struct {
	Action       string
	Number       int
	Title        string
	Merged       bool
	HeadRef      string
	HeadSHA      string
	HeadLabel    string // "org:branch"
	BaseRef      string
	RepoFullName string
	WebURL       string
}

// PushEvent is the subset of the upstream push webhook payload the
// protected-branch guard inspects.
type PushEvent struct {
	Ref               string // full ref, e.g. "refs/heads/master"
	Deleted           bool
	HeadCommitMessage string
	Pusher            string
	RepoFullName      string
	Compare           string
}

// HandlePullRequestEvent routes a pull-request webhook event. Only
// merged closes of monitored repositories whose title carries a
// monitored issue are propagated; everything else is ignored without
// error so the webhook source never retries.
func (b *Broker) HandlePullRequestEvent(ctx context.Context, ev PullRequestEvent) error {
	if !b.cfg.Monitored(ev.RepoFullName) {
		return nil
	}
	if ev.Action != "closed" || !ev.Merged {
		return nil
	}
	key := connector.IssueKey(ev.Title)
	if key == "" {
		b.log.Info("merged pull request has no issue key", "repo", ev.RepoFullName, "title", ev.Title)
		return nil
	}

	issue, err := b.tracker.GetIssue(ctx, key)
	if err != nil {
		if errors.Is(err, connector.ErrNotFound) {
			b.log.Info("merged pull request references unknown issue", "issue", key)
			return nil
		}
		return fmt.Errorf("handle pull request event: %w", err)
	}
	if !b.cfg.MonitoredIssueType(issue.Type) {
		return nil
	}
	return b.propagateMerge(ctx, ev)
}

// HandlePushEvent routes a push webhook event through the protected-
// branch guard. Violations are logged and counted; the event itself is
// always accepted.
func (b *Broker) HandlePushEvent(ctx context.Context, ev PushEvent) error {
	if !b.cfg.Monitored(ev.RepoFullName) {
		return nil
	}
	b.checkPush(ctx, ev)
	return nil
}
