// Package jira implements the connector.IssueTracker contract against
// the Jira REST API (v2, self-hosted or cloud).
package jira

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// issue is the wire shape of a Jira issue. Fields stays raw so the
// tracker can read both the typed system fields and the deployment's
// custom field identifiers from the same payload.
type issue struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

// systemFields are the typed fields every issue carries.
type systemFields struct {
	Summary string `json:"summary"`
	Status  *struct {
		Name string `json:"name"`
	} `json:"status"`
	IssueType *struct {
		Name string `json:"name"`
	} `json:"issuetype"`
}

// transitionsResponse is the wire shape of the transitions list.
type transitionsResponse struct {
	Transitions []wireTransition `json:"transitions"`
}

type wireTransition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client provides HTTP access to a Jira instance.
type Client struct {
	URL        string
	Username   string
	APIToken   string
	HTTPClient *http.Client
}

// NewClient creates a new Jira client.
func NewClient(url, username, apiToken string) *Client {
	return &Client{
		URL:      strings.TrimSuffix(url, "/"),
		Username: username,
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// getIssue fetches a raw issue by key.
func (c *Client) getIssue(ctx context.Context, key string) (*issue, error) {
	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s", c.URL, url.PathEscape(key))

	body, err := c.doRequest(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	var is issue
	if err := json.Unmarshal(body, &is); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	return &is, nil
}

// listTransitions fetches the transitions currently available on an issue.
func (c *Client) listTransitions(ctx context.Context, key string) ([]wireTransition, error) {
	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s/transitions", c.URL, url.PathEscape(key))

	body, err := c.doRequest(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("list transitions for %s: %w", key, err)
	}

	var resp transitionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse transitions response: %w", err)
	}
	return resp.Transitions, nil
}

// executeTransition performs a transition by id.
func (c *Client) executeTransition(ctx context.Context, key, transitionID string) error {
	payload := map[string]interface{}{
		"transition": map[string]string{"id": transitionID},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal transition request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s/transitions", c.URL, url.PathEscape(key))
	if _, err := c.doRequest(ctx, http.MethodPost, apiURL, data); err != nil {
		return fmt.Errorf("execute transition on %s: %w", key, err)
	}
	return nil
}

// updateFields writes issue fields; a nil value clears a field.
func (c *Client) updateFields(ctx context.Context, key string, fields map[string]interface{}) error {
	payload := map[string]interface{}{"fields": fields}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal update request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s", c.URL, url.PathEscape(key))
	if _, err := c.doRequest(ctx, http.MethodPut, apiURL, data); err != nil {
		return fmt.Errorf("update issue %s: %w", key, err)
	}
	return nil
}

// addComment appends a comment to the issue.
func (c *Client) addComment(ctx context.Context, key, text string) error {
	data, err := json.Marshal(map[string]string{"body": text})
	if err != nil {
		return fmt.Errorf("marshal comment request: %w", err)
	}

	apiURL := fmt.Sprintf("%s/rest/api/2/issue/%s/comment", c.URL, url.PathEscape(key))
	if _, err := c.doRequest(ctx, http.MethodPost, apiURL, data); err != nil {
		return fmt.Errorf("comment on %s: %w", key, err)
	}
	return nil
}

// apiError is a non-2xx response from the Jira API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("jira API returned %d: %s", e.Status, e.Message)
}

// doRequest executes an authenticated HTTP request and returns the
// response body.
func (c *Client) doRequest(ctx context.Context, method, apiURL string, body []byte) ([]byte, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("jira URL not configured")
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.setAuth(req)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "release-broker/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// PUT and transition POST return 204 No Content on success.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	return respBody, nil
}

// setAuth sets the appropriate authentication header on the request.
func (c *Client) setAuth(req *http.Request) {
	if c.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+auth)
	} else if c.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIToken)
	}
}
