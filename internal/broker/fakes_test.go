package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inflection/broker/internal/config"
	"github.com/inflection/broker/internal/connector"
)

func testConfig() *config.Config {
	return &config.Config{
		Repositories: map[string]string{
			"app":   "Inflection",
			"web":   "Inflection",
			"storm": "Inflection",
			"lib":   "Test",
		},
		DefaultOrg:          "Inflection",
		DefaultRepo:         "Inflection/storm",
		ProtectedBranches:   []string{"master", "preprod", "dev"},
		DevBranch:           "dev",
		ServiceUser:         "srvc-broker",
		MonitoredIssueTypes: []string{"Bug", "Feature"},
		Transitions: config.TransitionsConfig{
			MergedPattern:    "^merge",
			MergedFromStatus: "in manager review",
			ToManagerReview:  "To Manager Review",
			BackToProgress:   "Back to In Progress",
			DeployPattern:    "^deploy",
			DeployFromPrefix: "merged_to_",
		},
		Deploy: config.DeployConfig{
			EnvProperty:      "deploy.env",
			TransitionEnvs:   []string{"beta", "preprod"},
			FlagshipProject:  "STRM",
			ExcludedVCSRoots: []string{"StormDev", "StormMaster"},
		},
		FanOutWorkers:         4,
		MergeablePollInterval: time.Millisecond,
		MergeablePollTimeout:  20 * time.Millisecond,
	}
}

func newTestBroker(vcs connector.VersionControl, tracker connector.IssueTracker, ci connector.BuildServer) *Broker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testConfig(), vcs, tracker, ci, log)
}

// fakeVCS is an in-memory VersionControl. Error injection goes through
// the *Err maps keyed by repository.
type fakeVCS struct {
	mu sync.Mutex

	branches   map[string][]string // repo -> branch names
	refs       map[string]string   // "repo@branch" -> sha
	openPRs    map[string][]connector.PullRequest // "repo@headLabel"
	mergeErr   map[string]error    // repo -> Merge result
	createErr  map[string]error    // repo -> CreatePullRequest error
	listErr    map[string]error    // repo -> ListBranches error
	mergeable  connector.Mergeable // state GetPullRequest reports after creation
	nextNumber int

	createdBranches []connector.Branch
	deletedBranches []string // "repo@branch"
	merges          []string // "repo@base<head"
	createdPRs      []connector.PullRequest
	prByKey         map[string]connector.PullRequest // "repo#number"
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{
		branches:  make(map[string][]string),
		refs:      make(map[string]string),
		openPRs:   make(map[string][]connector.PullRequest),
		mergeErr:  make(map[string]error),
		createErr: make(map[string]error),
		listErr:   make(map[string]error),
		prByKey:   make(map[string]connector.PullRequest),
		mergeable: connector.MergeableYes,
	}
}

func (f *fakeVCS) ListBranches(_ context.Context, repo string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[repo]; err != nil {
		return nil, err
	}
	return append([]string(nil), f.branches[repo]...), nil
}

func (f *fakeVCS) ResolveRef(_ context.Context, repo, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sha, ok := f.refs[repo+"@"+branch]
	if !ok {
		return "", fmt.Errorf("ref %s: %w", branch, connector.ErrNotFound)
	}
	return sha, nil
}

func (f *fakeVCS) CreateBranch(_ context.Context, repo, branch, sha string) (connector.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, name := range f.branches[repo] {
		if name == branch {
			return connector.Branch{}, fmt.Errorf("branch %s: %w", branch, connector.ErrAlreadyExists)
		}
	}
	br := connector.Branch{
		Repo:   repo,
		Name:   branch,
		SHA:    sha,
		WebURL: "https://github.example/" + repo + "/tree/" + branch,
	}
	f.branches[repo] = append(f.branches[repo], branch)
	f.createdBranches = append(f.createdBranches, br)
	return br, nil
}

func (f *fakeVCS) DeleteBranch(_ context.Context, repo, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := f.branches[repo]
	for i, name := range names {
		if name == branch {
			f.branches[repo] = append(names[:i], names[i+1:]...)
			f.deletedBranches = append(f.deletedBranches, repo+"@"+branch)
			return nil
		}
	}
	return fmt.Errorf("branch %s: %w", branch, connector.ErrNotFound)
}

func (f *fakeVCS) Merge(_ context.Context, repo, base, head, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, repo+"@"+base+"<"+head)
	return f.mergeErr[repo]
}

func (f *fakeVCS) CreatePullRequest(_ context.Context, repo, base, head, title string) (connector.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[repo]; err != nil {
		return connector.PullRequest{}, err
	}
	f.nextNumber++
	org, _ := connector.SplitRepo(repo)
	pr := connector.PullRequest{
		Repo:      repo,
		Number:    f.nextNumber,
		Title:     title,
		HeadRef:   head,
		HeadLabel: connector.HeadLabel(org, head),
		BaseRef:   base,
		State:     "open",
		Mergeable: f.mergeable,
		WebURL:    fmt.Sprintf("https://github.example/%s/pull/%d", repo, f.nextNumber),
	}
	f.createdPRs = append(f.createdPRs, pr)
	f.prByKey[fmt.Sprintf("%s#%d", repo, pr.Number)] = pr
	return pr, nil
}

func (f *fakeVCS) GetPullRequest(_ context.Context, repo string, number int) (connector.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prByKey[fmt.Sprintf("%s#%d", repo, number)]
	if !ok {
		return connector.PullRequest{}, fmt.Errorf("pull request %d: %w", number, connector.ErrNotFound)
	}
	pr.Mergeable = f.mergeable
	return pr, nil
}

func (f *fakeVCS) ListOpenPullRequests(_ context.Context, repo, headLabel string) ([]connector.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.PullRequest(nil), f.openPRs[repo+"@"+headLabel]...), nil
}

func (f *fakeVCS) CommitAuthor(_ context.Context, _, _ string) (string, error) {
	return "someone", nil
}

// fakeTracker is an in-memory IssueTracker. Transitions apply the
// status named in the apply map for the matched pattern, so tests can
// model workflow movement.
type fakeTracker struct {
	mu sync.Mutex

	issues map[string]connector.Issue
	apply  map[string]string // pattern -> resulting status

	comments    map[string][]string
	flagCalls   []string // "key=true" / "key=false"
	transitions []string // "key|pattern|fromStatus"
}

func newFakeTracker(issues ...connector.Issue) *fakeTracker {
	f := &fakeTracker{
		issues:   make(map[string]connector.Issue),
		comments: make(map[string][]string),
		apply: map[string]string{
			"^merge":              "Merged",
			"To Manager Review":   "In Manager Review",
			"Back to In Progress": "In Progress",
			"^deploy":             "deployed",
		},
	}
	for _, is := range issues {
		f.issues[is.Key] = is
	}
	return f
}

func (f *fakeTracker) GetIssue(_ context.Context, key string) (connector.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[key]
	if !ok {
		return connector.Issue{}, fmt.Errorf("issue %s: %w", key, connector.ErrNotFound)
	}
	return is, nil
}

func (f *fakeTracker) Transition(_ context.Context, key, pattern, fromStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, key+"|"+pattern+"|"+fromStatus)
	is, ok := f.issues[key]
	if !ok {
		return fmt.Errorf("issue %s: %w", key, connector.ErrNotFound)
	}
	if fromStatus != "" && !strings.EqualFold(is.Status, fromStatus) {
		return fmt.Errorf("issue %s is in status %q: %w", key, is.Status, connector.ErrPrecondition)
	}
	next, ok := f.apply[pattern]
	if !ok {
		return fmt.Errorf("no transition matches %q: %w", pattern, connector.ErrPrecondition)
	}
	is.Status = next
	f.issues[key] = is
	return nil
}

func (f *fakeTracker) SetOpenPRFlag(_ context.Context, key string, open bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagCalls = append(f.flagCalls, fmt.Sprintf("%s=%t", key, open))
	is := f.issues[key]
	is.OpenPRFlag = open
	f.issues[key] = is
	return nil
}

func (f *fakeTracker) AddComment(_ context.Context, key, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func (f *fakeTracker) lastComment(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.comments[key]) == 0 {
		return ""
	}
	return f.comments[key][len(f.comments[key])-1]
}

// fakeCI is an in-memory BuildServer backed by fixture maps.
type fakeCI struct {
	builds       map[int]connector.Build
	deps         map[int][]connector.Build
	successful   map[string][]connector.Build // buildType -> builds, descending number
	changes      map[int][]connector.Change
	changeIssues map[int][]connector.ChangeIssue
}

func newFakeCI() *fakeCI {
	return &fakeCI{
		builds:       make(map[int]connector.Build),
		deps:         make(map[int][]connector.Build),
		successful:   make(map[string][]connector.Build),
		changes:      make(map[int][]connector.Change),
		changeIssues: make(map[int][]connector.ChangeIssue),
	}
}

func (f *fakeCI) GetBuild(_ context.Context, id int) (connector.Build, error) {
	b, ok := f.builds[id]
	if !ok {
		return connector.Build{}, fmt.Errorf("build %d: %w", id, connector.ErrNotFound)
	}
	return b, nil
}

func (f *fakeCI) ListSuccessfulBuilds(_ context.Context, buildType string, sinceID int) ([]connector.Build, error) {
	var out []connector.Build
	for _, b := range f.successful[buildType] {
		if sinceID == 0 || b.ID > sinceID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeCI) SnapshotDependencies(_ context.Context, id int) ([]connector.Build, error) {
	return f.deps[id], nil
}

func (f *fakeCI) ListChanges(_ context.Context, buildID int) ([]connector.Change, error) {
	return f.changes[buildID], nil
}

func (f *fakeCI) ListChangeIssues(_ context.Context, changeID int) ([]connector.ChangeIssue, error) {
	return f.changeIssues[changeID], nil
}
