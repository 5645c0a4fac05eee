package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/inflection/broker/internal/connector"
)

// propagateMerge handles a pull request merged into a protected
// integration branch. It forwards the merged head into the shared dev
// branch (falling back to a conflict-resolution PR when the merge
// conflicts), then checks whether any open PR for the same branch
// remains anywhere in the organization. When the merged PR was the last
// one, the issue's open-PR flag is cleared and the issue is moved to its
// merged status.
func (b *Broker) propagateMerge(ctx context.Context, ev PullRequestEvent) error {
	issueKey := connector.IssueKey(ev.HeadRef)
	if issueKey == "" {
		return nil
	}

	if b.cfg.IsProtected(ev.BaseRef) && ev.BaseRef != b.cfg.DevBranch {
		b.mergeDownstream(ctx, ev)
	}

	remaining, err := b.openPullRequestsInOrg(ctx, ev.RepoFullName, ev.HeadLabel)
	if err != nil {
		return fmt.Errorf("check open pull requests for %s: %w", issueKey, err)
	}

	comment := fmt.Sprintf("[pull request *%d*|%s] *closed* \n", ev.Number, ev.WebURL)
	for _, pr := range remaining {
		comment += fmt.Sprintf("[pull request *%d*|%s] into '*%s*' left\n", pr.Number, pr.WebURL, pr.BaseRef)
	}

	if len(remaining) == 0 {
		if err := b.tracker.SetOpenPRFlag(ctx, issueKey, false); err != nil {
			b.log.Warn("clearing open-PR flag failed", "issue", issueKey, "error", err)
		}
		if b.transitionMerged(ctx, issueKey) {
			comment += "Final pull request closed. Issue moved to Merged\n"
		}
	}
	return b.tracker.AddComment(ctx, issueKey, comment)
}

// mergeDownstream merges the event's head into the dev branch. A
// conflict falls back to opening a conflict-resolution PR; a no-diff
// outcome on either path is benign. Nothing here aborts the caller.
func (b *Broker) mergeDownstream(ctx context.Context, ev PullRequestEvent) {
	msg := fmt.Sprintf("Merge %s into %s", ev.HeadRef, b.cfg.DevBranch)
	err := b.vcs.Merge(ctx, ev.RepoFullName, b.cfg.DevBranch, ev.HeadSHA, msg)
	switch {
	case err == nil, errors.Is(err, connector.ErrNoDiff):
		return
	case errors.Is(err, connector.ErrConflict):
		_, perr := b.vcs.CreatePullRequest(ctx, ev.RepoFullName, b.cfg.DevBranch, ev.HeadRef, ev.HeadRef)
		if perr != nil && !errors.Is(perr, connector.ErrNoDiff) &&
			!errors.Is(perr, connector.ErrUnprocessable) && !errors.Is(perr, connector.ErrAlreadyExists) {
			b.log.Warn("conflict fallback pull request failed",
				"repo", ev.RepoFullName, "head", ev.HeadRef, "error", perr)
		}
	default:
		b.log.Warn("downstream merge failed",
			"repo", ev.RepoFullName, "head", ev.HeadRef, "error", err)
	}
}

// openPullRequestsInOrg lists the open PRs with the given head label
// across every monitored repository of the event repo's organization.
// The organization comes from the repository table, not from the event's
// own org prefix, whose spelling the upstream host controls.
func (b *Broker) openPullRequestsInOrg(ctx context.Context, repoFullName, headLabel string) ([]connector.PullRequest, error) {
	_, name := connector.SplitRepo(repoFullName)
	org, ok := b.cfg.OrgForRepo(name)
	if !ok {
		return nil, fmt.Errorf("repository %s is not configured", repoFullName)
	}
	repos := b.cfg.ReposInOrg(org)

	var remaining []connector.PullRequest
	for _, repo := range repos {
		open, err := b.vcs.ListOpenPullRequests(ctx, repo, headLabel)
		if err != nil {
			return nil, err
		}
		remaining = append(remaining, open...)
	}
	return remaining, nil
}

// transitionMerged moves the issue to its merged status. When the issue
// is not in the expected review status it is first routed through the
// intermediate review transition and the merged transition is retried
// once. Reports whether the issue ended up transitioned.
func (b *Broker) transitionMerged(ctx context.Context, issueKey string) bool {
	tr := b.cfg.Transitions
	err := b.tracker.Transition(ctx, issueKey, tr.MergedPattern, tr.MergedFromStatus)
	if errors.Is(err, connector.ErrPrecondition) {
		if terr := b.tracker.Transition(ctx, issueKey, tr.ToManagerReview, ""); terr != nil {
			b.log.Warn("intermediate review transition failed", "issue", issueKey, "error", terr)
		}
		err = b.tracker.Transition(ctx, issueKey, tr.MergedPattern, tr.MergedFromStatus)
	}
	if err != nil {
		b.log.Warn("merged transition failed", "issue", issueKey, "error", err)
		return false
	}
	b.transitionsDone.Add(ctx, 1)
	return true
}
