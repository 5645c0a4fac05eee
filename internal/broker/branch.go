package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/inflection/broker/internal/connector"
)

var trailingWord = regexp.MustCompile(`\w+$`)

// isWildcard reports whether a selector expands to a whole organization.
func isWildcard(selector string) bool {
	return strings.Contains(selector, "all")
}

// trailingToken returns the last word of a wildcard selector, which
// names the organization.
func trailingToken(selector string) string {
	return trailingWord.FindString(selector)
}

// boldRepo renders "org/name" with the bare name bolded in tracker wiki
// markup, so comments read "Org/*repo*: ...".
func boldRepo(repo string) string {
	org, name := connector.SplitRepo(repo)
	if org == "" {
		return "*" + name + "*"
	}
	return org + "/*" + name + "*"
}

// findIssueBranch returns the branch in repo belonging to the issue, or
// "" when none exists. A branch belongs to an issue when its embedded
// issue key matches; branches without a key are matched by full name.
func (b *Broker) findIssueBranch(ctx context.Context, repo, issueKey string) (string, error) {
	branches, err := b.vcs.ListBranches(ctx, repo)
	if err != nil {
		return "", err
	}
	for _, name := range branches {
		key := connector.IssueKey(name)
		if key == "" {
			key = name
		}
		if key == issueKey {
			return name, nil
		}
	}
	return "", nil
}

// CreateBranches fans out branch creation for an issue across every
// repository its selectors resolve to. The branch name is the issue key
// plus its normalized summary; the base is the issue's original-branch
// field. Existing branches are reported, not recreated. One summary
// comment records every repository's outcome.
func (b *Broker) CreateBranches(ctx context.Context, cmd Command) error {
	issue, err := b.tracker.GetIssue(ctx, cmd.IssueKey)
	if err != nil {
		return fmt.Errorf("create branches for %s: %w", cmd.IssueKey, err)
	}
	if issue.BaseOriginal == "" {
		return fmt.Errorf("create branches for %s: original branch field is empty", issue.Key)
	}

	name := connector.NormalizeBranch(issue.Key + " " + issue.Summary)
	repos := b.ResolveRepos(issue.RepoSelectors)

	results := b.forEachRepo(ctx, repos, func(ctx context.Context, repo string) repoResult {
		existing, err := b.findIssueBranch(ctx, repo, issue.Key)
		if err != nil {
			b.log.Warn("listing branches failed", "repo", repo, "error", err)
			return repoResult{line: boldRepo(repo) + ": branch not created from '*" + issue.BaseOriginal + "*'", failed: true}
		}
		if existing != "" {
			return repoResult{line: fmt.Sprintf("%s: branch %s *already exists*", boldRepo(repo), existing)}
		}

		sha, err := b.vcs.ResolveRef(ctx, repo, issue.BaseOriginal)
		if err != nil {
			b.log.Warn("resolving base branch failed", "repo", repo, "base", issue.BaseOriginal, "error", err)
			return repoResult{line: boldRepo(repo) + ": branch not created from '*" + issue.BaseOriginal + "*'", failed: true}
		}
		br, err := b.vcs.CreateBranch(ctx, repo, name, sha)
		if err != nil {
			if errors.Is(err, connector.ErrAlreadyExists) {
				return repoResult{line: fmt.Sprintf("%s: branch %s *already exists*", boldRepo(repo), name)}
			}
			b.log.Warn("creating branch failed", "repo", repo, "branch", name, "error", err)
			return repoResult{line: boldRepo(repo) + ": branch not created from '*" + issue.BaseOriginal + "*'", failed: true}
		}
		return repoResult{line: fmt.Sprintf("%s: new [branch|%s] from '*%s*'", boldRepo(repo), br.WebURL, issue.BaseOriginal)}
	})

	comment := fmt.Sprintf("%s creating branches: %s\n", cmd.User, name)
	for _, r := range results {
		if r.line != "" {
			comment += r.line + "\n"
		}
	}
	return b.tracker.AddComment(ctx, issue.Key, comment)
}

// DeleteBranches removes the issue's branch from every repository of the
// default fan-out set. Absent branches are a no-op; the open-PR flag is
// cleared afterwards.
func (b *Broker) DeleteBranches(ctx context.Context, cmd Command) error {
	issue, err := b.tracker.GetIssue(ctx, cmd.IssueKey)
	if err != nil {
		return fmt.Errorf("delete branches for %s: %w", cmd.IssueKey, err)
	}

	repos := b.ResolveRepos(nil)

	results := b.forEachRepo(ctx, repos, func(ctx context.Context, repo string) repoResult {
		name, err := b.findIssueBranch(ctx, repo, issue.Key)
		if err != nil {
			b.log.Warn("listing branches failed", "repo", repo, "error", err)
			return repoResult{line: boldRepo(repo) + ": branch not deleted", failed: true}
		}
		if name == "" {
			return repoResult{}
		}
		if err := b.vcs.DeleteBranch(ctx, repo, name); err != nil && !errors.Is(err, connector.ErrNotFound) {
			b.log.Warn("deleting branch failed", "repo", repo, "branch", name, "error", err)
			return repoResult{line: boldRepo(repo) + ": branch not deleted", failed: true}
		}
		return repoResult{line: fmt.Sprintf("%s: branch '*%s*' *deleted*", boldRepo(repo), name)}
	})

	if err := b.tracker.SetOpenPRFlag(ctx, issue.Key, false); err != nil {
		b.log.Warn("clearing open-PR flag failed", "issue", issue.Key, "error", err)
	}

	comment := fmt.Sprintf("%s *deleted* all branches for %s.\n", cmd.User, issue.Key)
	for _, r := range results {
		if r.line != "" {
			comment += r.line + "\n"
		}
	}
	return b.tracker.AddComment(ctx, issue.Key, comment)
}
