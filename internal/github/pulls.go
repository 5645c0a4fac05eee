package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/inflection/broker/internal/connector"
)

// Merge merges head (branch name or SHA) into the base branch. Conflicts
// surface as ErrConflict; an already up-to-date base as ErrNoDiff (the
// API answers 204 No Content for those).
func (c *Client) Merge(ctx context.Context, repo, base, head, message string) error {
	reqBody := map[string]string{
		"base":           base,
		"head":           head,
		"commit_message": message,
	}
	urlStr := c.buildURL("/repos/"+repo+"/merges", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPost, urlStr, reqBody)
	if err != nil {
		return fmt.Errorf("merge %s into %s in %s: %w", head, base, repo, classify(err))
	}
	if len(respBody) == 0 {
		// 204: base already contains head.
		return fmt.Errorf("merge %s into %s in %s: %w", head, base, repo, connector.ErrNoDiff)
	}
	return nil
}

// CreatePullRequest opens a PR from head into base. Title doubles as the
// body, matching how work branches carry the issue key and summary.
func (c *Client) CreatePullRequest(ctx context.Context, repo, base, head, title string) (connector.PullRequest, error) {
	reqBody := map[string]string{
		"title": title,
		"body":  title,
		"head":  head,
		"base":  base,
	}
	urlStr := c.buildURL("/repos/"+repo+"/pulls", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPost, urlStr, reqBody)
	if err != nil {
		return connector.PullRequest{}, fmt.Errorf("create pull request in %s: %w", repo, classify(err))
	}

	var pr pullRequest
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return connector.PullRequest{}, fmt.Errorf("parse pull request response: %w", err)
	}
	return toPullRequest(repo, pr), nil
}

// GetPullRequest fetches a single PR, including the mergeable tri-state.
func (c *Client) GetPullRequest(ctx context.Context, repo string, number int) (connector.PullRequest, error) {
	urlStr := c.buildURL("/repos/"+repo+"/pulls/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return connector.PullRequest{}, fmt.Errorf("get pull request #%d in %s: %w", number, repo, classify(err))
	}

	var pr pullRequest
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return connector.PullRequest{}, fmt.Errorf("parse pull request response: %w", err)
	}
	return toPullRequest(repo, pr), nil
}

// ListOpenPullRequests returns open PRs whose head matches the given
// "org:branch" label. The list endpoint is used rather than search: the
// search index lags behind writes and would under-report open PRs right
// after a close event.
func (c *Client) ListOpenPullRequests(ctx context.Context, repo, headLabel string) ([]connector.PullRequest, error) {
	var out []connector.PullRequest
	urlStr := c.buildURL("/repos/"+repo+"/pulls", map[string]string{
		"state":    "open",
		"head":     headLabel,
		"per_page": fmt.Sprintf("%d", MaxPageSize),
	})

	for page := 1; ; page++ {
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("list open pull requests in %s: %w", repo, classify(err))
		}

		var prs []pullRequest
		if err := json.Unmarshal(respBody, &prs); err != nil {
			return nil, fmt.Errorf("parse pull requests response: %w", err)
		}
		for _, pr := range prs {
			out = append(out, toPullRequest(repo, pr))
		}

		next, ok := hasNextPage(headers)
		if !ok {
			break
		}
		urlStr = next

		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded listing pull requests in %s", repo)
		}
	}

	return out, nil
}

// CommitAuthor returns the login of a commit's author.
func (c *Client) CommitAuthor(ctx context.Context, repo, sha string) (string, error) {
	urlStr := c.buildURL("/repos/"+repo+"/commits/"+sha, nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("get commit %s in %s: %w", sha, repo, classify(err))
	}

	var cm commit
	if err := json.Unmarshal(respBody, &cm); err != nil {
		return "", fmt.Errorf("parse commit response: %w", err)
	}
	if cm.Author == nil {
		return "", fmt.Errorf("commit %s in %s has no author: %w", sha, repo, connector.ErrNotFound)
	}
	return cm.Author.Login, nil
}

// toPullRequest converts the wire shape to the connector type.
func toPullRequest(repo string, pr pullRequest) connector.PullRequest {
	mergeable := connector.MergeableUnknown
	if pr.Mergeable != nil {
		if *pr.Mergeable {
			mergeable = connector.MergeableYes
		} else {
			mergeable = connector.MergeableNo
		}
	}
	return connector.PullRequest{
		Repo:      repo,
		Number:    pr.Number,
		Title:     pr.Title,
		HeadRef:   pr.Head.Ref,
		HeadSHA:   pr.Head.SHA,
		HeadLabel: pr.Head.Label,
		BaseRef:   pr.Base.Ref,
		State:     pr.State,
		Merged:    pr.Merged,
		Mergeable: mergeable,
		WebURL:    pr.HTMLURL,
	}
}
