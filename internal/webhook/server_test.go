package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/inflection/broker/internal/broker"
)

// stubOrchestrator records every call; background dispatches signal on
// the calls channel.
type stubOrchestrator struct {
	calls chan string

	commands []broker.Command
	buildIDs []int
	prEvents []broker.PullRequestEvent
	pushes   []broker.PushEvent
}

func newStub() *stubOrchestrator {
	return &stubOrchestrator{calls: make(chan string, 8)}
}

func (s *stubOrchestrator) record(name string) { s.calls <- name }

func (s *stubOrchestrator) CreateBranches(_ context.Context, cmd broker.Command) error {
	s.commands = append(s.commands, cmd)
	s.record("CreateBranches")
	return nil
}

func (s *stubOrchestrator) DeleteBranches(_ context.Context, cmd broker.Command) error {
	s.commands = append(s.commands, cmd)
	s.record("DeleteBranches")
	return nil
}

func (s *stubOrchestrator) CreatePullRequests(_ context.Context, cmd broker.Command) error {
	s.commands = append(s.commands, cmd)
	s.record("CreatePullRequests")
	return nil
}

func (s *stubOrchestrator) RecordDeployment(_ context.Context, buildID int) error {
	s.buildIDs = append(s.buildIDs, buildID)
	s.record("RecordDeployment")
	return nil
}

func (s *stubOrchestrator) HandlePullRequestEvent(_ context.Context, ev broker.PullRequestEvent) error {
	s.prEvents = append(s.prEvents, ev)
	s.record("HandlePullRequestEvent")
	return nil
}

func (s *stubOrchestrator) HandlePushEvent(_ context.Context, ev broker.PushEvent) error {
	s.pushes = append(s.pushes, ev)
	s.record("HandlePushEvent")
	return nil
}

func (s *stubOrchestrator) waitFor(t *testing.T, name string) {
	t.Helper()
	select {
	case got := <-s.calls:
		if got != name {
			t.Fatalf("dispatched %s, want %s", got, name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", name)
	}
}

const testCommandSecret = "command-secret"

var testWebhookSecret = []byte("hook-secret")

func newTestServer(stub *stubOrchestrator) *Server {
	return NewServer(ServerConfig{
		Broker:        stub,
		WebhookSecret: testWebhookSecret,
		CommandSecret: testCommandSecret,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func postCommand(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("X-Broker-Token", testCommandSecret)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestCommandEndpoints(t *testing.T) {
	tests := []struct {
		path string
		call string
	}{
		{"/api/v1/branch", "CreateBranches"},
		{"/api/v1/branch_delete", "DeleteBranches"},
		{"/api/v1/pullrequest", "CreatePullRequests"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			stub := newStub()
			s := newTestServer(stub)

			w := postCommand(t, s, tt.path, `{"issue": "DET-1", "user": "Jamie Doe"}`)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			stub.waitFor(t, tt.call)
			if len(stub.commands) != 1 || stub.commands[0].IssueKey != "DET-1" || stub.commands[0].User != "Jamie Doe" {
				t.Errorf("commands = %+v", stub.commands)
			}
		})
	}
}

func TestCommandRejectsBadToken(t *testing.T) {
	stub := newStub()
	s := newTestServer(stub)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/branch", bytes.NewBufferString(`{"issue": "DET-1"}`))
	req.Header.Set("X-Broker-Token", "wrong")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if len(stub.commands) != 0 {
		t.Errorf("command executed despite bad token")
	}
}

func TestCommandMissingIssue(t *testing.T) {
	s := newTestServer(newStub())

	w := postCommand(t, s, "/api/v1/branch", `{"user": "Jamie Doe"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCommandMethodNotAllowed(t *testing.T) {
	s := newTestServer(newStub())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/branch", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestDeploymentAccepted(t *testing.T) {
	stub := newStub()
	s := newTestServer(stub)

	w := postCommand(t, s, "/api/v1/deployment", `{"build_id": 100}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	stub.waitFor(t, "RecordDeployment")
	if len(stub.buildIDs) != 1 || stub.buildIDs[0] != 100 {
		t.Errorf("buildIDs = %v", stub.buildIDs)
	}
}

func TestGitHubEventSignature(t *testing.T) {
	stub := newStub()
	s := newTestServer(stub)
	body := []byte(`{"action": "closed"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/github/events", bytes.NewBuffer(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGitHubPullRequestEvent(t *testing.T) {
	stub := newStub()
	s := newTestServer(stub)

	payload := map[string]interface{}{
		"action": "closed",
		"number": 12,
		"pull_request": map[string]interface{}{
			"title":    "DET-8 Ship feature",
			"merged":   true,
			"html_url": "https://github.example/Inflection/app/pull/12",
			"head": map[string]string{
				"ref":   "DET-8_Ship_feature",
				"sha":   "abc123",
				"label": "Inflection:DET-8_Ship_feature",
			},
			"base": map[string]string{"ref": "master"},
		},
		"repository": map[string]string{"full_name": "Inflection/app"},
	}
	body, _ := json.Marshal(payload)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/github/events", bytes.NewBuffer(body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", Signature(body, testWebhookSecret))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	stub.waitFor(t, "HandlePullRequestEvent")

	ev := stub.prEvents[0]
	if ev.Number != 12 || !ev.Merged || ev.HeadRef != "DET-8_Ship_feature" || ev.BaseRef != "master" {
		t.Errorf("event = %+v", ev)
	}
	if ev.RepoFullName != "Inflection/app" {
		t.Errorf("repo = %q", ev.RepoFullName)
	}
}

func TestGitHubPushEvent(t *testing.T) {
	stub := newStub()
	s := newTestServer(stub)

	body := []byte(`{
		"ref": "refs/heads/master",
		"deleted": false,
		"compare": "https://github.example/Inflection/app/compare/a...b",
		"head_commit": {"message": "hotfix"},
		"pusher": {"name": "impatient-dev"},
		"repository": {"full_name": "Inflection/app"}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/github/events", bytes.NewBuffer(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", Signature(body, testWebhookSecret))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	stub.waitFor(t, "HandlePushEvent")

	ev := stub.pushes[0]
	if ev.Ref != "refs/heads/master" || ev.Pusher != "impatient-dev" || ev.HeadCommitMessage != "hotfix" {
		t.Errorf("event = %+v", ev)
	}
}

func TestGitHubEventUnhandledType(t *testing.T) {
	stub := newStub()
	s := newTestServer(stub)
	body := []byte(`{}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/github/events", bytes.NewBuffer(body))
	req.Header.Set("X-GitHub-Event", "star")
	req.Header.Set("X-Hub-Signature-256", Signature(body, testWebhookSecret))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d", w.Code)
	}
	select {
	case name := <-stub.calls:
		t.Errorf("unexpected dispatch %s", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommandStartsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	stub := newStub()
	s := newTestServer(stub)

	w := postCommand(t, s, "/api/v1/branch", `{"issue": "DET-1", "user": "Jamie Doe"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	stub.waitFor(t, "CreateBranches")

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() == "broker.command /api/v1/branch" {
			found = true
		}
	}
	if !found {
		t.Errorf("no command span recorded, got %d spans", len(recorder.Ended()))
	}
}

func TestGitHubEventStartsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	stub := newStub()
	s := newTestServer(stub)
	body := []byte(`{
		"ref": "refs/heads/master",
		"pusher": {"name": "impatient-dev"},
		"repository": {"full_name": "Inflection/app"}
	}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/github/events", bytes.NewBuffer(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", Signature(body, testWebhookSecret))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	stub.waitFor(t, "HandlePushEvent")

	deadline := time.After(2 * time.Second)
	for {
		for _, span := range recorder.Ended() {
			if span.Name() == "broker.event push" {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no event span recorded, got %d spans", len(recorder.Ended()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(newStub())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestValidateSignature(t *testing.T) {
	body := []byte("payload")
	secret := []byte("s3cret")

	if err := ValidateSignature(Signature(body, secret), body, secret); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := ValidateSignature(Signature(body, []byte("other")), body, secret); err == nil {
		t.Error("wrong secret accepted")
	}
	if err := ValidateSignature("", body, secret); err == nil {
		t.Error("missing header accepted")
	}
	if err := ValidateSignature("sha1=abc", body, secret); err == nil {
		t.Error("unsupported scheme accepted")
	}
}
