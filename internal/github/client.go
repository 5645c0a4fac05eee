package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inflection/broker/internal/connector"
)

// NewClient creates a new GitHub client authenticated as the broker's
// service account.
func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: DefaultAPIEndpoint,
		WebURL:  "https://github.com",
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithBaseURL returns a new client with a custom API base URL (GitHub
// Enterprise or testing).
func (c *Client) WithBaseURL(baseURL string) *Client {
	return &Client{
		Token:      c.Token,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		WebURL:     c.WebURL,
		HTTPClient: c.HTTPClient,
	}
}

// WithWebURL returns a new client with a custom HTML base URL.
func (c *Client) WithWebURL(webURL string) *Client {
	return &Client{
		Token:      c.Token,
		BaseURL:    c.BaseURL,
		WebURL:     strings.TrimSuffix(webURL, "/"),
		HTTPClient: c.HTTPClient,
	}
}

// WithHTTPClient returns a new client with a custom HTTP client.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	return &Client{
		Token:      c.Token,
		BaseURL:    c.BaseURL,
		WebURL:     c.WebURL,
		HTTPClient: httpClient,
	}
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github API error: %s (status %d)", e.Message, e.Status)
}

// buildURL constructs a full API URL.
func (c *Client) buildURL(path string, params map[string]string) string {
	u := c.BaseURL + path

	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}

	return u
}

// doRequest performs an HTTP request with authentication and rate-limit
// retry. Non-2xx responses come back as *APIError so callers can
// classify them into connector error kinds.
func (c *Client) doRequest(ctx context.Context, method, urlStr string, body interface{}) ([]byte, http.Header, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		var reqBody io.Reader
		if jsonBody != nil {
			reqBody = bytes.NewReader(jsonBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return nil, nil, fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.Token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed (attempt %d/%d): %w", attempt+1, MaxRetries+1, err)
			continue
		}

		const maxResponseSize = 50 * 1024 * 1024
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response (attempt %d/%d): %w", attempt+1, MaxRetries+1, err)
			continue
		}

		// Rate limiting: 429, or 403 with the remaining quota exhausted.
		if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
			delay := RetryDelay * time.Duration(1<<attempt)
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if seconds, err := strconv.Atoi(retryAfter); err == nil {
					delay = time.Duration(seconds) * time.Second
				}
			}
			lastErr = fmt.Errorf("rate limited (attempt %d/%d)", attempt+1, MaxRetries+1)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return respBody, resp.Header, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}

		return respBody, resp.Header, nil
	}

	return nil, nil, fmt.Errorf("max retries (%d) exceeded: %w", MaxRetries+1, lastErr)
}

// linkNextPattern matches the "next" relation in GitHub Link headers.
var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// hasNextPage checks the Link header for a next page URL and returns it.
func hasNextPage(headers http.Header) (string, bool) {
	link := headers.Get("Link")
	if link == "" {
		return "", false
	}
	matches := linkNextPattern.FindStringSubmatch(link)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// classify maps an API error onto the connector error kinds. 422
// responses are inspected for the known duplicate/no-diff messages.
func classify(err error) error {
	apiErr, ok := err.(*APIError)
	if !ok {
		return err
	}
	switch {
	case apiErr.Status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", apiErr.Message, connector.ErrNotFound)
	case apiErr.Status == http.StatusConflict:
		return fmt.Errorf("%s: %w", apiErr.Message, connector.ErrConflict)
	case apiErr.Status == http.StatusUnprocessableEntity:
		switch {
		case strings.Contains(apiErr.Message, "already exists"):
			return fmt.Errorf("%s: %w", apiErr.Message, connector.ErrAlreadyExists)
		case strings.Contains(apiErr.Message, "No commits between"):
			return fmt.Errorf("%s: %w", apiErr.Message, connector.ErrNoDiff)
		default:
			return fmt.Errorf("%s: %w", apiErr.Message, connector.ErrUnprocessable)
		}
	default:
		return apiErr
	}
}
