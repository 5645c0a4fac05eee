package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/inflection/broker/internal/connector"
)

// Compile-time contract check.
var _ connector.VersionControl = (*Client)(nil)

// ListBranches returns all branch names in the repository.
func (c *Client) ListBranches(ctx context.Context, repo string) ([]string, error) {
	var names []string
	urlStr := c.buildURL("/repos/"+repo+"/git/refs/heads", map[string]string{
		"per_page": fmt.Sprintf("%d", MaxPageSize),
	})

	for page := 1; ; page++ {
		respBody, headers, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("list branches in %s: %w", repo, classify(err))
		}

		var refs []Ref
		if err := json.Unmarshal(respBody, &refs); err != nil {
			return nil, fmt.Errorf("parse refs response: %w", err)
		}
		for _, r := range refs {
			names = append(names, strings.TrimPrefix(r.Ref, "refs/heads/"))
		}

		next, ok := hasNextPage(headers)
		if !ok {
			break
		}
		urlStr = next

		if page > MaxPages {
			return nil, fmt.Errorf("pagination limit exceeded listing branches in %s", repo)
		}
	}

	return names, nil
}

// ResolveRef returns the head commit SHA of a branch.
func (c *Client) ResolveRef(ctx context.Context, repo, branch string) (string, error) {
	urlStr := c.buildURL("/repos/"+repo+"/git/ref/heads/"+branch, nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("resolve %s in %s: %w", branch, repo, classify(err))
	}

	var ref Ref
	if err := json.Unmarshal(respBody, &ref); err != nil {
		return "", fmt.Errorf("parse ref response: %w", err)
	}
	return ref.Object.SHA, nil
}

// CreateBranch creates a new branch pointing at sha.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, sha string) (connector.Branch, error) {
	reqBody := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	urlStr := c.buildURL("/repos/"+repo+"/git/refs", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodPost, urlStr, reqBody)
	if err != nil {
		return connector.Branch{}, fmt.Errorf("create branch %s in %s: %w", branch, repo, classify(err))
	}

	var ref Ref
	if err := json.Unmarshal(respBody, &ref); err != nil {
		return connector.Branch{}, fmt.Errorf("parse create ref response: %w", err)
	}

	return connector.Branch{
		Repo:   repo,
		Name:   branch,
		SHA:    ref.Object.SHA,
		WebURL: c.branchWebURL(repo, branch),
	}, nil
}

// DeleteBranch removes a branch; absent branches return ErrNotFound.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	urlStr := c.buildURL("/repos/"+repo+"/git/refs/heads/"+branch, nil)
	if _, _, err := c.doRequest(ctx, http.MethodDelete, urlStr, nil); err != nil {
		return fmt.Errorf("delete branch %s in %s: %w", branch, repo, classify(err))
	}
	return nil
}

// branchWebURL renders the tree view link used in issue comments.
func (c *Client) branchWebURL(repo, branch string) string {
	return fmt.Sprintf("%s/%s/tree/%s", c.WebURL, repo, branch)
}
