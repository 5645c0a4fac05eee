// Package connector defines the contracts the orchestration core uses to
// talk to the three external systems (version control, issue tracker, CI
// server), the wire types shared across them, and the error kinds each
// implementation must classify its upstream failures into.
package connector

import "context"

// Mergeable is the tri-state mergeability of a pull request. GitHub
// computes it asynchronously, so a freshly created PR reports Unknown
// until the background merge check finishes.
type Mergeable int

const (
	MergeableUnknown Mergeable = iota
	MergeableYes
	MergeableNo
)

func (m Mergeable) String() string {
	switch m {
	case MergeableYes:
		return "mergeable"
	case MergeableNo:
		return "not mergeable"
	default:
		return "unknown"
	}
}

// Issue is a work item as seen by the orchestration core. Custom fields
// are already resolved to their meaning by the tracker implementation;
// the core never sees raw field identifiers.
type Issue struct {
	Key           string   // stable id, e.g. "DET-123"
	Summary       string
	Type          string   // e.g. "Bug", "Feature"
	Status        string   // current workflow status name
	RepoSelectors []string // raw values of the repo selector field, in field order
	BaseOriginal  string   // branch new work branches fork from
	BaseTarget    string   // branch pull requests merge into
	OpenPRFlag    bool
}

// Branch is a ref in one repository. Name is the ref name as it exists
// upstream; WebURL points at the tree view for comments.
type Branch struct {
	Repo   string // fully qualified "org/name"
	Name   string
	SHA    string
	WebURL string
}

// PullRequest mirrors the subset of the upstream PR resource the core
// acts on.
type PullRequest struct {
	Repo      string
	Number    int
	Title     string
	HeadRef   string
	HeadSHA   string
	HeadLabel string // "org:branch"
	BaseRef   string
	State     string // "open" or "closed"
	Merged    bool
	Mergeable Mergeable
	WebURL    string
}

// Build is a CI build. Properties carries the build's resolved
// parameters (the deploy reconciler reads "deploy.env" from it).
type Build struct {
	ID         int
	Number     int
	BuildType  string
	ProjectID  string
	Status     string
	WebURL     string
	Properties map[string]string
}

// Change is one VCS change (commit set) attached to a build.
type Change struct {
	ID      int
	Version string
	VCSRoot string // vcs-root id of the change's origin
}

// ChangeIssue is an issue reference extracted from a change, tagged with
// the derived project key and the change's VCS root.
type ChangeIssue struct {
	Key        string
	ProjectKey string
	VCSRoot    string
}

// Transition is one available workflow transition on an issue.
type Transition struct {
	ID   string
	Name string
}

// VersionControl is the contract to the source-control host. Repo
// arguments are fully qualified "org/name". Implementations classify
// upstream failures into the error kinds in errors.go.
type VersionControl interface {
	// ListBranches returns all branch names in the repository.
	ListBranches(ctx context.Context, repo string) ([]string, error)
	// ResolveRef returns the head commit SHA of a branch.
	ResolveRef(ctx context.Context, repo, branch string) (string, error)
	// CreateBranch creates a new branch pointing at sha.
	CreateBranch(ctx context.Context, repo, branch, sha string) (Branch, error)
	// DeleteBranch removes a branch. Deleting an absent branch returns
	// ErrNotFound.
	DeleteBranch(ctx context.Context, repo, branch string) error
	// Merge merges head (branch or SHA) into the base branch. A merge
	// conflict returns ErrConflict; an up-to-date base returns ErrNoDiff.
	Merge(ctx context.Context, repo, base, head, message string) error
	// CreatePullRequest opens a PR from head into base. A duplicate
	// returns ErrAlreadyExists, identical branches return ErrNoDiff.
	CreatePullRequest(ctx context.Context, repo, base, head, title string) (PullRequest, error)
	// GetPullRequest fetches a single PR, including its mergeable state.
	GetPullRequest(ctx context.Context, repo string, number int) (PullRequest, error)
	// ListOpenPullRequests returns open PRs in the repository whose head
	// matches the given "org:branch" label.
	ListOpenPullRequests(ctx context.Context, repo, headLabel string) ([]PullRequest, error)
	// CommitAuthor returns the login of a commit's author.
	CommitAuthor(ctx context.Context, repo, sha string) (string, error)
}

// IssueTracker is the contract to the issue tracker.
type IssueTracker interface {
	// GetIssue fetches an issue by key. Absent issues return ErrNotFound.
	GetIssue(ctx context.Context, key string) (Issue, error)
	// Transition executes the first available transition whose name
	// matches pattern (case-insensitive regex, first match in upstream
	// order wins). When fromStatus is non-empty the issue must currently
	// be in that status or ErrPrecondition is returned.
	Transition(ctx context.Context, key, pattern, fromStatus string) error
	// SetOpenPRFlag updates the open-pull-request flag field. Clearing is
	// a no-op when the field is already empty.
	SetOpenPRFlag(ctx context.Context, key string, open bool) error
	// AddComment appends a comment to the issue's trail.
	AddComment(ctx context.Context, key, body string) error
}

// BuildServer is the contract to the CI server.
type BuildServer interface {
	// GetBuild fetches a build by id, including its resolved properties.
	GetBuild(ctx context.Context, id int) (Build, error)
	// ListSuccessfulBuilds returns successful builds of a build type in
	// descending build-number order, optionally bounded below by
	// sinceID (exclusive). sinceID 0 means unbounded.
	ListSuccessfulBuilds(ctx context.Context, buildType string, sinceID int) ([]Build, error)
	// SnapshotDependencies returns the builds the given build snapshot-
	// depends on.
	SnapshotDependencies(ctx context.Context, id int) ([]Build, error)
	// ListChanges returns the changes included in a build.
	ListChanges(ctx context.Context, buildID int) ([]Change, error)
	// ListChangeIssues returns the issue references attached to a change.
	ListChangeIssues(ctx context.Context, changeID int) ([]ChangeIssue, error)
}
