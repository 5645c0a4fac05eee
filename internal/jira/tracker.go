package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/inflection/broker/internal/config"
	"github.com/inflection/broker/internal/connector"
)

// Tracker implements connector.IssueTracker on top of the Jira client,
// translating between the deployment's custom field identifiers and the
// connector's typed Issue.
type Tracker struct {
	client *Client
	fields config.FieldsConfig
}

// Compile-time contract check.
var _ connector.IssueTracker = (*Tracker)(nil)

// NewTracker creates a Tracker using the given client and custom field
// identifiers.
func NewTracker(client *Client, fields config.FieldsConfig) *Tracker {
	return &Tracker{client: client, fields: fields}
}

// selectorOption is the wire shape of one repo-selector field value.
type selectorOption struct {
	Value string `json:"value"`
}

// GetIssue fetches an issue and resolves its custom fields.
func (t *Tracker) GetIssue(ctx context.Context, key string) (connector.Issue, error) {
	raw, err := t.client.getIssue(ctx, key)
	if err != nil {
		return connector.Issue{}, classify(err)
	}

	var sys systemFields
	if err := json.Unmarshal(raw.Fields, &sys); err != nil {
		return connector.Issue{}, fmt.Errorf("parse issue fields: %w", err)
	}
	var custom map[string]json.RawMessage
	if err := json.Unmarshal(raw.Fields, &custom); err != nil {
		return connector.Issue{}, fmt.Errorf("parse custom fields: %w", err)
	}

	is := connector.Issue{
		Key:     raw.Key,
		Summary: sys.Summary,
	}
	if sys.Status != nil {
		is.Status = sys.Status.Name
	}
	if sys.IssueType != nil {
		is.Type = sys.IssueType.Name
	}

	if v, ok := custom[t.fields.RepoSelector]; ok && !isNull(v) {
		var opts []selectorOption
		if err := json.Unmarshal(v, &opts); err != nil {
			return connector.Issue{}, fmt.Errorf("parse repo selector field: %w", err)
		}
		for _, o := range opts {
			is.RepoSelectors = append(is.RepoSelectors, o.Value)
		}
	}
	if v, ok := custom[t.fields.BranchOriginal]; ok && !isNull(v) {
		_ = json.Unmarshal(v, &is.BaseOriginal)
	}
	if v, ok := custom[t.fields.BranchTarget]; ok && !isNull(v) {
		_ = json.Unmarshal(v, &is.BaseTarget)
	}
	if v, ok := custom[t.fields.OpenPRFlag]; ok && !isNull(v) {
		var flag string
		_ = json.Unmarshal(v, &flag)
		is.OpenPRFlag = strings.EqualFold(flag, "true")
	}

	return is, nil
}

// Transition executes the first available transition whose name matches
// pattern. Matching is a case-insensitive regex over the upstream list,
// first match wins. A non-empty fromStatus is a precondition on the
// issue's current status; when unsatisfied nothing is executed and
// ErrPrecondition is returned.
func (t *Tracker) Transition(ctx context.Context, key, pattern, fromStatus string) error {
	if fromStatus != "" {
		is, err := t.GetIssue(ctx, key)
		if err != nil {
			return err
		}
		if !strings.EqualFold(is.Status, fromStatus) {
			return fmt.Errorf("issue %s is in status %q, transition %q requires %q: %w",
				key, is.Status, pattern, fromStatus, connector.ErrPrecondition)
		}
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("transition pattern %q: %w", pattern, err)
	}

	available, err := t.client.listTransitions(ctx, key)
	if err != nil {
		return classify(err)
	}
	for _, tr := range available {
		if re.MatchString(tr.Name) {
			if err := t.client.executeTransition(ctx, key, tr.ID); err != nil {
				return classify(err)
			}
			return nil
		}
	}
	return fmt.Errorf("no transition on %s matches %q: %w", key, pattern, connector.ErrPrecondition)
}

// SetOpenPRFlag updates the open-pull-request flag field; false clears it.
func (t *Tracker) SetOpenPRFlag(ctx context.Context, key string, open bool) error {
	var value interface{}
	if open {
		value = "True"
	}
	err := t.client.updateFields(ctx, key, map[string]interface{}{t.fields.OpenPRFlag: value})
	if err != nil {
		return classify(err)
	}
	return nil
}

// AddComment appends a comment to the issue's trail.
func (t *Tracker) AddComment(ctx context.Context, key, body string) error {
	if err := t.client.addComment(ctx, key, body); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Jira API errors onto connector error kinds.
func classify(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%s: %w", err, connector.ErrNotFound)
	}
	return err
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
