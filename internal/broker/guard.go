package broker

import (
	"context"
	"strings"
)

// Violation describes a direct push to a protected branch by someone
// other than the automation account.
type Violation struct {
	Repo    string
	Branch  string
	Pusher  string
	Compare string
}

// checkPush inspects a push event and returns the violation it
// represents, or nil. Branch deletions, pull-request merge commits, and
// pushes by the service account are all legitimate.
func (b *Broker) checkPush(ctx context.Context, ev PushEvent) *Violation {
	if ev.Deleted {
		return nil
	}
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")
	if !b.cfg.IsProtected(branch) {
		return nil
	}
	if strings.Contains(ev.HeadCommitMessage, "Merge pull request") {
		return nil
	}
	if ev.Pusher == b.cfg.ServiceUser {
		return nil
	}

	v := &Violation{
		Repo:    ev.RepoFullName,
		Branch:  branch,
		Pusher:  ev.Pusher,
		Compare: ev.Compare,
	}
	b.pushViolations.Add(ctx, 1)
	b.log.Warn("direct push to protected branch",
		"repo", v.Repo, "branch", v.Branch, "pusher", v.Pusher, "compare", v.Compare)
	return v
}
