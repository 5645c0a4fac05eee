package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/inflection/broker/internal/broker"
	"github.com/inflection/broker/internal/telemetry"
)

// eventTimeout bounds the background processing of one inbound event,
// covering the slowest path (PR fan-out with mergeability polling).
const eventTimeout = 5 * time.Minute

// Orchestrator is the slice of the orchestration core the HTTP surface
// drives.
type Orchestrator interface {
	CreateBranches(ctx context.Context, cmd broker.Command) error
	DeleteBranches(ctx context.Context, cmd broker.Command) error
	CreatePullRequests(ctx context.Context, cmd broker.Command) error
	RecordDeployment(ctx context.Context, buildID int) error
	HandlePullRequestEvent(ctx context.Context, ev broker.PullRequestEvent) error
	HandlePushEvent(ctx context.Context, ev broker.PushEvent) error
}

// Server handles the broker's inbound HTTP requests.
type Server struct {
	broker        Orchestrator
	webhookSecret []byte
	commandSecret string
	log           *slog.Logger
	mux           *http.ServeMux
	httpServer    *http.Server

	tracer         trace.Tracer
	eventsReceived metric.Int64Counter
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Broker        Orchestrator
	WebhookSecret []byte // HMAC secret for event signature validation
	CommandSecret string // shared secret for command endpoints
	Log           *slog.Logger
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	eventsReceived, _ := telemetry.Meter("webhook").Int64Counter("broker.events.received")

	s := &Server{
		broker:         cfg.Broker,
		webhookSecret:  cfg.WebhookSecret,
		commandSecret:  cfg.CommandSecret,
		log:            cfg.Log,
		mux:            http.NewServeMux(),
		tracer:         telemetry.Tracer("webhook"),
		eventsReceived: eventsReceived,
	}

	s.mux.HandleFunc("/api/v1/branch", s.command(s.broker.CreateBranches))
	s.mux.HandleFunc("/api/v1/branch_delete", s.command(s.broker.DeleteBranches))
	s.mux.HandleFunc("/api/v1/pullrequest", s.command(s.broker.CreatePullRequests))
	s.mux.HandleFunc("/api/v1/deployment", s.handleDeployment)
	s.mux.HandleFunc("/api/v1/github/events", s.handleGitHubEvent)
	s.mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// CommandRequest is the JSON body of the operator command endpoints.
type CommandRequest struct {
	Issue string `json:"issue"` // issue key, e.g. "DET-123"
	User  string `json:"user"`  // display name leading the summary comment
}

// DeploymentRequest is the JSON body the CI deployment notifier sends.
type DeploymentRequest struct {
	BuildID int `json:"build_id"`
}

// StatusResponse is the JSON response body of every endpoint.
type StatusResponse struct {
	Success bool   `json:"success"`
	Issue   string `json:"issue,omitempty"`
	Error   string `json:"error,omitempty"`
}

// command wraps an issue-scoped broker operation into an authenticated
// HTTP handler. Commands run synchronously; the summary comment is on
// the issue by the time the response arrives.
func (s *Server) command(op func(context.Context, broker.Command) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
			return
		}
		if !s.authorized(r) {
			s.writeError(w, http.StatusUnauthorized, "invalid command token")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		defer func() { _ = r.Body.Close() }()

		var req CommandRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		if req.Issue == "" {
			s.writeError(w, http.StatusBadRequest, "missing issue key")
			return
		}
		if req.User == "" {
			req.User = "somebody"
		}

		s.eventsReceived.Add(r.Context(), 1)
		ctx, span := s.tracer.Start(r.Context(), "broker.command "+r.URL.Path)
		defer span.End()
		if err := op(ctx, broker.Command{IssueKey: req.Issue, User: req.User}); err != nil {
			span.RecordError(err)
			s.log.Error("command failed", "path", r.URL.Path, "issue", req.Issue, "error", err)
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(StatusResponse{Success: true, Issue: req.Issue})
	}
}

// handleDeployment handles POST /api/v1/deployment. Reconciliation
// walks the CI build graph and can take a while, so the request is
// acknowledged immediately and processed in the background.
func (s *Server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "invalid command token")
		return
	}

	var req DeploymentRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.BuildID == 0 {
		s.writeError(w, http.StatusBadRequest, "missing build_id")
		return
	}

	s.eventsReceived.Add(r.Context(), 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		ctx, span := s.tracer.Start(ctx, "broker.event deployment")
		defer span.End()
		if err := s.broker.RecordDeployment(ctx, req.BuildID); err != nil {
			span.RecordError(err)
			s.log.Error("deployment reconciliation failed", "build", req.BuildID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(StatusResponse{Success: true})
}

// handleGitHubEvent handles POST /api/v1/github/events. The signature is
// validated against the raw payload before parsing; events are
// acknowledged immediately and dispatched in the background so the
// source never times out waiting on a fan-out.
func (s *Server) handleGitHubEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20)) // 5MB limit
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	if len(s.webhookSecret) > 0 {
		if err := ValidateSignature(r.Header.Get("X-Hub-Signature-256"), body, s.webhookSecret); err != nil {
			s.log.Warn("rejected event", "error", err, "remote", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	event := r.Header.Get("X-GitHub-Event")
	s.eventsReceived.Add(r.Context(), 1)

	switch event {
	case "pull_request":
		var payload pullRequestPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		s.dispatch("pull_request", func(ctx context.Context) error {
			return s.broker.HandlePullRequestEvent(ctx, payload.toEvent())
		})
	case "push":
		var payload pushPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		s.dispatch("push", func(ctx context.Context) error {
			return s.broker.HandlePushEvent(ctx, payload.toEvent())
		})
	default:
		// Unhandled event types are acknowledged so the source does not
		// disable the hook.
		s.log.Debug("ignoring event", "event", event)
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(StatusResponse{Success: true})
}

// dispatch runs an event handler in the background with its own bounded
// context.
func (s *Server) dispatch(event string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		ctx, span := s.tracer.Start(ctx, "broker.event "+event)
		defer span.End()
		if err := fn(ctx); err != nil {
			span.RecordError(err)
			s.log.Error("event handling failed", "event", event, "error", err)
		}
	}()
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authorized checks the shared command secret. An unset secret disables
// the check for local development.
func (s *Server) authorized(r *http.Request) bool {
	if s.commandSecret == "" {
		return true
	}
	return hmac.Equal([]byte(r.Header.Get("X-Broker-Token")), []byte(s.commandSecret))
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(StatusResponse{Error: message})
}
