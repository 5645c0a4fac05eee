// Package github implements the connector.VersionControl contract
// against the GitHub REST API (github.com or GitHub Enterprise).
//
// The client is hand-rolled on net/http: auth header, rate-limit retry
// with exponential backoff, and Link-header pagination. Repositories are
// passed per call as "org/name" because every orchestration operation
// fans out across many repositories.
package github

import (
	"net/http"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the page size for list endpoints.
	MaxPageSize = 100

	// MaxPages bounds pagination to protect against malformed Link headers.
	MaxPages = 1000
)

// Client provides methods to interact with the GitHub REST API.
type Client struct {
	Token      string       // personal access token for the service account
	BaseURL    string       // API base URL (default: https://api.github.com)
	WebURL     string       // HTML base URL used to render branch links
	HTTPClient *http.Client // optional custom HTTP client
}

// Ref is a git reference from the refs API.
type Ref struct {
	Ref    string `json:"ref"` // "refs/heads/<name>"
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

// pullRequest is the wire shape of a PR resource.
type pullRequest struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Merged    bool   `json:"merged"`
	Mergeable *bool  `json:"mergeable"`
	HTMLURL   string `json:"html_url"`
	Head      struct {
		Ref   string `json:"ref"`
		SHA   string `json:"sha"`
		Label string `json:"label"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// commit is the wire shape of a commit resource (author only).
type commit struct {
	SHA    string `json:"sha"`
	Author *struct {
		Login string `json:"login"`
	} `json:"author"`
}
