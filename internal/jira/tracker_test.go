package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inflection/broker/internal/config"
	"github.com/inflection/broker/internal/connector"
)

var testFields = config.FieldsConfig{
	RepoSelector:   "customfield_11011",
	BranchOriginal: "customfield_11010",
	BranchTarget:   "customfield_11008",
	OpenPRFlag:     "customfield_11014",
}

func newTestTracker(handler http.Handler) (*Tracker, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, "broker", "secret")
	return NewTracker(client, testFields), server
}

func TestGetIssue(t *testing.T) {
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issue/DET-123" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"key": "DET-123",
			"fields": {
				"summary": "Fix login flow",
				"status": {"name": "In Progress"},
				"issuetype": {"name": "Bug"},
				"customfield_11011": [{"value": "repo1"}, {"value": "all Test"}],
				"customfield_11010": "master",
				"customfield_11008": "dev",
				"customfield_11014": "True"
			}
		}`)
	}))
	defer server.Close()

	is, err := tracker.GetIssue(context.Background(), "DET-123")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if is.Key != "DET-123" || is.Summary != "Fix login flow" {
		t.Errorf("issue = %+v", is)
	}
	if is.Status != "In Progress" || is.Type != "Bug" {
		t.Errorf("status/type = %q/%q", is.Status, is.Type)
	}
	if len(is.RepoSelectors) != 2 || is.RepoSelectors[0] != "repo1" || is.RepoSelectors[1] != "all Test" {
		t.Errorf("RepoSelectors = %v", is.RepoSelectors)
	}
	if is.BaseOriginal != "master" || is.BaseTarget != "dev" {
		t.Errorf("bases = %q/%q", is.BaseOriginal, is.BaseTarget)
	}
	if !is.OpenPRFlag {
		t.Error("OpenPRFlag should be set")
	}
}

func TestGetIssueEmptyCustomFields(t *testing.T) {
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"key": "DET-124",
			"fields": {
				"summary": "No selectors",
				"status": {"name": "Open"},
				"issuetype": {"name": "Task"},
				"customfield_11011": null,
				"customfield_11014": null
			}
		}`)
	}))
	defer server.Close()

	is, err := tracker.GetIssue(context.Background(), "DET-124")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if len(is.RepoSelectors) != 0 {
		t.Errorf("RepoSelectors = %v, want empty", is.RepoSelectors)
	}
	if is.OpenPRFlag {
		t.Error("OpenPRFlag should be clear")
	}
}

func TestGetIssueNotFound(t *testing.T) {
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errorMessages": ["Issue does not exist"]}`)
	}))
	defer server.Close()

	_, err := tracker.GetIssue(context.Background(), "DET-999")
	if !errors.Is(err, connector.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionFirstMatchWins(t *testing.T) {
	var executed string
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/2/issue/DET-1/transitions":
			fmt.Fprint(w, `{"transitions": [
				{"id": "11", "name": "Back to In Progress"},
				{"id": "21", "name": "Merge to Release"},
				{"id": "31", "name": "Merge to Master"}
			]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/2/issue/DET-1/transitions":
			var payload struct {
				Transition struct {
					ID string `json:"id"`
				} `json:"transition"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			executed = payload.Transition.ID
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	if err := tracker.Transition(context.Background(), "DET-1", "^merge", ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if executed != "21" {
		t.Errorf("executed transition %q, want first match 21", executed)
	}
}

func TestTransitionPreconditionStatus(t *testing.T) {
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rest/api/2/issue/DET-2" {
			fmt.Fprint(w, `{"key": "DET-2", "fields": {"summary": "s", "status": {"name": "In Progress"}}}`)
			return
		}
		t.Errorf("unexpected request: %s", r.URL.Path)
	}))
	defer server.Close()

	err := tracker.Transition(context.Background(), "DET-2", "^merge", "In Manager Review")
	if !errors.Is(err, connector.ErrPrecondition) {
		t.Errorf("err = %v, want ErrPrecondition", err)
	}
}

func TestTransitionNoMatch(t *testing.T) {
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"transitions": [{"id": "11", "name": "Close"}]}`)
	}))
	defer server.Close()

	err := tracker.Transition(context.Background(), "DET-3", "^merge", "")
	if !errors.Is(err, connector.ErrPrecondition) {
		t.Errorf("err = %v, want ErrPrecondition", err)
	}
}

func TestSetOpenPRFlag(t *testing.T) {
	var gotBody map[string]map[string]interface{}
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	if err := tracker.SetOpenPRFlag(context.Background(), "DET-4", true); err != nil {
		t.Fatalf("SetOpenPRFlag: %v", err)
	}
	if gotBody["fields"]["customfield_11014"] != "True" {
		t.Errorf("flag value = %v", gotBody["fields"]["customfield_11014"])
	}

	if err := tracker.SetOpenPRFlag(context.Background(), "DET-4", false); err != nil {
		t.Fatalf("SetOpenPRFlag clear: %v", err)
	}
	if gotBody["fields"]["customfield_11014"] != nil {
		t.Errorf("cleared flag value = %v", gotBody["fields"]["customfield_11014"])
	}
}

func TestAddComment(t *testing.T) {
	var gotBody map[string]string
	tracker, server := newTestTracker(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/issue/DET-5/comment" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "1"}`)
	}))
	defer server.Close()

	if err := tracker.AddComment(context.Background(), "DET-5", "hello"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if gotBody["body"] != "hello" {
		t.Errorf("comment body = %q", gotBody["body"])
	}
}
