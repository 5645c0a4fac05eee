// Package teamcity implements the connector.BuildServer contract
// against the TeamCity REST API.
package teamcity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inflection/broker/internal/connector"
)

// build is the wire shape of a TeamCity build. Build numbers arrive as
// strings and are parsed on conversion.
type build struct {
	ID          int    `json:"id"`
	Number      string `json:"number"`
	BuildTypeID string `json:"buildTypeId"`
	Status      string `json:"status"`
	WebURL      string `json:"webUrl"`
	BuildType   struct {
		ProjectID string `json:"projectId"`
	} `json:"buildType"`
	Properties struct {
		Property []property `json:"property"`
	} `json:"properties"`
	SnapshotDependencies struct {
		Count int     `json:"count"`
		Build []build `json:"build"`
	} `json:"snapshot-dependencies"`
}

type property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type buildList struct {
	Build []build `json:"build"`
}

type change struct {
	ID              int    `json:"id"`
	Version         string `json:"version"`
	VCSRootInstance struct {
		VCSRootID string `json:"vcs-root-id"`
	} `json:"vcsRootInstance"`
}

type changeList struct {
	Change []change `json:"change"`
}

type issueList struct {
	Issue []struct {
		ID string `json:"id"`
	} `json:"issue"`
}

// Client provides HTTP access to a TeamCity server. Unauthenticated
// clients use the guest endpoint.
type Client struct {
	URL        string
	Username   string
	Password   string
	HTTPClient *http.Client
}

// Compile-time contract check.
var _ connector.BuildServer = (*Client)(nil)

// NewClient creates a new TeamCity client.
func NewClient(url, username, password string) *Client {
	return &Client{
		URL:      strings.TrimSuffix(url, "/"),
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// restPath returns the auth-dependent REST base path.
func (c *Client) restPath() string {
	if c.Username != "" {
		return "/httpAuth/app/rest"
	}
	return "/guestAuth/app/rest"
}

// GetBuild fetches a build by id with its resolved properties and
// snapshot dependencies.
func (c *Client) GetBuild(ctx context.Context, id int) (connector.Build, error) {
	var b build
	if err := c.getJSON(ctx, fmt.Sprintf("%s/builds/id:%d", c.restPath(), id), &b); err != nil {
		return connector.Build{}, fmt.Errorf("get build %d: %w", id, err)
	}
	return toBuild(b), nil
}

// ListSuccessfulBuilds returns successful builds of a build type in
// descending build-number order. A non-zero sinceID bounds the list
// below (exclusive).
func (c *Client) ListSuccessfulBuilds(ctx context.Context, buildType string, sinceID int) ([]connector.Build, error) {
	locator := fmt.Sprintf("buildType:%s,status:SUCCESS", buildType)
	if sinceID > 0 {
		locator += fmt.Sprintf(",sinceBuild:(id:%d)", sinceID)
	}
	var list buildList
	if err := c.getJSON(ctx, fmt.Sprintf("%s/builds?locator=%s", c.restPath(), locator), &list); err != nil {
		return nil, fmt.Errorf("list builds of %s: %w", buildType, err)
	}

	out := make([]connector.Build, 0, len(list.Build))
	for _, b := range list.Build {
		out = append(out, toBuild(b))
	}
	return out, nil
}

// SnapshotDependencies returns the full builds the given build
// snapshot-depends on.
func (c *Client) SnapshotDependencies(ctx context.Context, id int) ([]connector.Build, error) {
	var b build
	if err := c.getJSON(ctx, fmt.Sprintf("%s/builds/id:%d", c.restPath(), id), &b); err != nil {
		return nil, fmt.Errorf("get build %d: %w", id, err)
	}

	deps := make([]connector.Build, 0, len(b.SnapshotDependencies.Build))
	for _, dep := range b.SnapshotDependencies.Build {
		full, err := c.GetBuild(ctx, dep.ID)
		if err != nil {
			return nil, err
		}
		deps = append(deps, full)
	}
	return deps, nil
}

// ListChanges returns the changes included in a build. The build list
// endpoint returns change summaries only, so each change is re-fetched
// for its VCS root instance.
func (c *Client) ListChanges(ctx context.Context, buildID int) ([]connector.Change, error) {
	var list changeList
	if err := c.getJSON(ctx, fmt.Sprintf("%s/changes?locator=build:(id:%d)", c.restPath(), buildID), &list); err != nil {
		return nil, fmt.Errorf("list changes of build %d: %w", buildID, err)
	}

	out := make([]connector.Change, 0, len(list.Change))
	for _, ch := range list.Change {
		var full change
		if err := c.getJSON(ctx, fmt.Sprintf("%s/changes/id:%d", c.restPath(), ch.ID), &full); err != nil {
			return nil, fmt.Errorf("get change %d: %w", ch.ID, err)
		}
		out = append(out, connector.Change{
			ID:      full.ID,
			Version: full.Version,
			VCSRoot: full.VCSRootInstance.VCSRootID,
		})
	}
	return out, nil
}

// ListChangeIssues returns the issue references attached to a change,
// tagged with the derived project key and the change's VCS root.
func (c *Client) ListChangeIssues(ctx context.Context, changeID int) ([]connector.ChangeIssue, error) {
	var full change
	if err := c.getJSON(ctx, fmt.Sprintf("%s/changes/id:%d", c.restPath(), changeID), &full); err != nil {
		return nil, fmt.Errorf("get change %d: %w", changeID, err)
	}
	var list issueList
	if err := c.getJSON(ctx, fmt.Sprintf("%s/changes/id:%d/issues", c.restPath(), changeID), &list); err != nil {
		return nil, fmt.Errorf("list issues of change %d: %w", changeID, err)
	}

	out := make([]connector.ChangeIssue, 0, len(list.Issue))
	for _, is := range list.Issue {
		out = append(out, connector.ChangeIssue{
			Key:        is.ID,
			ProjectKey: connector.ProjectKey(is.ID),
			VCSRoot:    full.VCSRootInstance.VCSRootID,
		})
	}
	return out, nil
}

// getJSON performs an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("teamcity returned 404: %s: %w", strings.TrimSpace(string(body)), connector.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("teamcity returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// toBuild converts the wire shape to the connector type.
func toBuild(b build) connector.Build {
	number, err := strconv.Atoi(b.Number)
	if err != nil {
		number = 0
	}
	props := make(map[string]string, len(b.Properties.Property))
	for _, p := range b.Properties.Property {
		props[p.Name] = p.Value
	}
	return connector.Build{
		ID:         b.ID,
		Number:     number,
		BuildType:  b.BuildTypeID,
		ProjectID:  b.BuildType.ProjectID,
		Status:     b.Status,
		WebURL:     b.WebURL,
		Properties: props,
	}
}
