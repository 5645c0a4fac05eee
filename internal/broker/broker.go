// Package broker is the release-orchestration core. It reacts to inbound
// commands and webhook events and drives multi-repository branch and
// pull-request fan-out, merge propagation, protected-branch monitoring,
// and build-graph based issue-to-deploy mapping against the three
// external service contracts.
//
// Every handler assumes at-least-once delivery: mutating operations
// check the authoritative external state before acting and are safe
// no-ops on retry. The only shared state is the immutable configuration.
package broker

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/inflection/broker/internal/config"
	"github.com/inflection/broker/internal/connector"
	"github.com/inflection/broker/internal/telemetry"
)

// Broker coordinates the orchestration components. All fields are set at
// construction and never mutated.
type Broker struct {
	cfg     *config.Config
	vcs     connector.VersionControl
	tracker connector.IssueTracker
	ci      connector.BuildServer
	log     *slog.Logger

	fanoutFailures  metric.Int64Counter
	transitionsDone metric.Int64Counter
	pushViolations  metric.Int64Counter
}

// New creates a Broker. The logger must not be nil; pass
// slog.Default() when no custom logger is wired.
func New(cfg *config.Config, vcs connector.VersionControl, tracker connector.IssueTracker, ci connector.BuildServer, log *slog.Logger) *Broker {
	meter := telemetry.Meter("broker")
	fanoutFailures, _ := meter.Int64Counter("broker.fanout.failures")
	transitionsDone, _ := meter.Int64Counter("broker.transitions.executed")
	pushViolations, _ := meter.Int64Counter("broker.push.violations")

	return &Broker{
		cfg:             cfg,
		vcs:             vcs,
		tracker:         tracker,
		ci:              ci,
		log:             log,
		fanoutFailures:  fanoutFailures,
		transitionsDone: transitionsDone,
		pushViolations:  pushViolations,
	}
}

// repoResult is the outcome of one repository's step in a fan-out.
type repoResult struct {
	line        string // rendered comment line, empty when nothing to report
	opened      bool   // a PR was created or reused
	unmergeable bool   // a PR resolved to not-mergeable
	failed      bool   // the step was abandoned
}

// forEachRepo runs fn for every repository with a bounded worker pool
// and returns the results in repository iteration order regardless of
// completion order. Individual step failures never abort siblings; fn
// records them in its result.
func (b *Broker) forEachRepo(ctx context.Context, repos []string, fn func(ctx context.Context, repo string) repoResult) []repoResult {
	results := make([]repoResult, len(repos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.FanOutWorkers)
	for i, repo := range repos {
		g.Go(func() error {
			results[i] = fn(gctx, repo)
			if results[i].failed {
				b.fanoutFailures.Add(gctx, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ResolveRepos expands an issue's repo selectors into the fully
// qualified repositories a fan-out targets. An empty selector list
// defaults to every repository of the default organization. Selectors
// containing "all" expand to the organization named by their trailing
// token; the rest map through the repository table. The fixed default
// repository is always included. The result is deduplicated and sorted
// so fan-out order is deterministic.
func (b *Broker) ResolveRepos(selectors []string) []string {
	if len(selectors) == 0 {
		selectors = []string{"all " + b.cfg.DefaultOrg}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(repo string) {
		if !seen[repo] {
			seen[repo] = true
			out = append(out, repo)
		}
	}

	for _, sel := range selectors {
		if isWildcard(sel) {
			org := trailingToken(sel)
			for _, repo := range b.cfg.ReposInOrg(org) {
				add(repo)
			}
			continue
		}
		org, ok := b.cfg.OrgForRepo(sel)
		if !ok {
			b.log.Warn("unknown repository selector", "selector", sel)
			continue
		}
		add(org + "/" + sel)
	}

	add(b.cfg.DefaultRepo)
	sort.Strings(out)
	return out
}
