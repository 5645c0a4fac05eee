package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/inflection/broker/internal/connector"
)

// errMergeableUnresolved signals the poll loop that the upstream merge
// check has not finished yet.
var errMergeableUnresolved = errors.New("mergeable state not yet computed")

// pollMergeable polls a pull request until its mergeability resolves.
// It polls at a fixed interval and gives up after the configured
// timeout, in which case MergeableUnknown is returned without error;
// an unresolvable state is a reportable outcome, not a failure.
func (b *Broker) pollMergeable(ctx context.Context, repo string, number int) (connector.Mergeable, error) {
	state := connector.MergeableUnknown

	op := func() error {
		pr, err := b.vcs.GetPullRequest(ctx, repo, number)
		if err != nil {
			return backoff.Permanent(err)
		}
		if pr.Mergeable == connector.MergeableUnknown {
			return errMergeableUnresolved
		}
		state = pr.Mergeable
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.MergeablePollInterval
	bo.MaxInterval = b.cfg.MergeablePollInterval
	bo.Multiplier = 1
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = b.cfg.MergeablePollTimeout

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil && !errors.Is(err, errMergeableUnresolved) {
		return connector.MergeableUnknown, err
	}
	return state, nil
}

// CreatePullRequests fans out pull-request creation for an issue. Each
// repository's issue branch becomes a PR into the issue's target-branch
// field. A duplicate PR is reused; identical branches are skipped
// silently. Every opened PR is polled for mergeability, and a single
// unmergeable PR moves the issue back to in-progress. The open-PR flag
// is set when at least one PR was opened or reused.
func (b *Broker) CreatePullRequests(ctx context.Context, cmd Command) error {
	issue, err := b.tracker.GetIssue(ctx, cmd.IssueKey)
	if err != nil {
		return fmt.Errorf("create pull requests for %s: %w", cmd.IssueKey, err)
	}
	if issue.BaseTarget == "" {
		return fmt.Errorf("create pull requests for %s: target branch field is empty", issue.Key)
	}

	repos := b.ResolveRepos(issue.RepoSelectors)

	results := b.forEachRepo(ctx, repos, func(ctx context.Context, repo string) repoResult {
		branch, err := b.findIssueBranch(ctx, repo, issue.Key)
		if err != nil {
			b.log.Warn("listing branches failed", "repo", repo, "error", err)
			return repoResult{line: boldRepo(repo) + ": pull request not created", failed: true}
		}
		if branch == "" {
			return repoResult{line: fmt.Sprintf("%s: branch for %s not found", boldRepo(repo), issue.Key), failed: true}
		}

		pr, err := b.openPullRequest(ctx, repo, issue.BaseTarget, branch)
		switch {
		case errors.Is(err, connector.ErrNoDiff):
			// Nothing to merge in this repository.
			return repoResult{}
		case err != nil:
			b.log.Warn("creating pull request failed", "repo", repo, "branch", branch, "error", err)
			return repoResult{line: boldRepo(repo) + ": pull request not created", failed: true}
		}

		res := repoResult{
			opened: true,
			line: fmt.Sprintf("%s: [pull request *%d*|%s] created into '*%s*'",
				boldRepo(repo), pr.Number, pr.WebURL, issue.BaseTarget),
		}
		mergeable, err := b.pollMergeable(ctx, repo, pr.Number)
		if err != nil {
			b.log.Warn("polling pull request failed", "repo", repo, "number", pr.Number, "error", err)
			return res
		}
		switch mergeable {
		case connector.MergeableNo:
			res.unmergeable = true
			res.line += fmt.Sprintf("\n%s: PR *%d* is not mergeable. Moving ticket to 'In Progress'", boldRepo(repo), pr.Number)
		case connector.MergeableUnknown:
			res.line += fmt.Sprintf("\n%s: mergeability of PR *%d* is still being checked", boldRepo(repo), pr.Number)
		}
		return res
	})

	var anyOpened, anyUnmergeable bool
	comment := fmt.Sprintf("%s created pull requests:\n", cmd.User)
	for _, r := range results {
		anyOpened = anyOpened || r.opened
		anyUnmergeable = anyUnmergeable || r.unmergeable
		if r.line != "" {
			comment += r.line + "\n"
		}
	}

	if anyOpened {
		if err := b.tracker.SetOpenPRFlag(ctx, issue.Key, true); err != nil {
			b.log.Warn("setting open-PR flag failed", "issue", issue.Key, "error", err)
		}
	} else {
		comment += "*no changes* were found in branches\n"
	}
	if anyUnmergeable {
		if err := b.tracker.Transition(ctx, issue.Key, b.cfg.Transitions.BackToProgress, ""); err != nil {
			b.log.Warn("back-to-progress transition failed", "issue", issue.Key, "error", err)
		} else {
			b.transitionsDone.Add(ctx, 1)
		}
	}
	return b.tracker.AddComment(ctx, issue.Key, comment)
}

// openPullRequest creates a PR from branch into base, reusing the
// existing open PR when creation reports a duplicate. The head label
// lookup can trail creation, so a duplicate without a findable PR is an
// error rather than a silent success.
func (b *Broker) openPullRequest(ctx context.Context, repo, base, branch string) (connector.PullRequest, error) {
	pr, err := b.vcs.CreatePullRequest(ctx, repo, base, branch, branch)
	if err == nil {
		return pr, nil
	}
	if !errors.Is(err, connector.ErrAlreadyExists) {
		return connector.PullRequest{}, err
	}

	org, _ := connector.SplitRepo(repo)
	open, lerr := b.vcs.ListOpenPullRequests(ctx, repo, connector.HeadLabel(org, branch))
	if lerr != nil {
		return connector.PullRequest{}, lerr
	}
	if len(open) == 0 {
		return connector.PullRequest{}, fmt.Errorf("pull request for %s exists but was not found: %w", branch, err)
	}
	return open[0], nil
}
