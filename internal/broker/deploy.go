package broker

import (
	"context"
	"fmt"

	"github.com/inflection/broker/internal/connector"
)

// RecordDeployment maps a finished deploy build back to the issues it
// shipped and transitions them to the environment's deployed status.
//
// The deploy build carries the release build as its single snapshot
// dependency. The previous deploy of the same build type yields the
// previous release, and every successful release build in the half-open
// range between the two contributes its changes' issues. Issues from
// internal tooling VCS roots are dropped unless they belong to the
// flagship project.
func (b *Broker) RecordDeployment(ctx context.Context, buildID int) error {
	deploy, err := b.ci.GetBuild(ctx, buildID)
	if err != nil {
		return fmt.Errorf("record deployment %d: %w", buildID, err)
	}

	env := deploy.Properties[b.cfg.Deploy.EnvProperty]
	if env == "" {
		b.log.Info("build is not a deploy build", "build", deploy.ID, "buildType", deploy.BuildType)
		return nil
	}

	release, err := b.snapshotDependency(ctx, deploy.ID)
	if err != nil {
		return fmt.Errorf("record deployment %d: %w", buildID, err)
	}

	builds, err := b.releasesSince(ctx, deploy, release)
	if err != nil {
		return fmt.Errorf("record deployment %d: %w", buildID, err)
	}

	keys, err := b.collectIssueKeys(ctx, builds)
	if err != nil {
		return fmt.Errorf("record deployment %d: %w", buildID, err)
	}
	b.log.Info("deployment reconciled",
		"build", deploy.ID, "env", env, "releases", len(builds), "issues", len(keys))

	if !contains(b.cfg.Deploy.TransitionEnvs, env) {
		return nil
	}

	comment := fmt.Sprintf("[*%s* Build|%s] was successfully deployed to %s. Issue was moved to deployed status.",
		deploy.ProjectID, deploy.WebURL, env)
	fromStatus := b.cfg.Transitions.DeployFromPrefix + env
	for _, key := range keys {
		if err := b.tracker.Transition(ctx, key, b.cfg.Transitions.DeployPattern, fromStatus); err != nil {
			b.log.Warn("deploy transition skipped", "issue", key, "env", env, "error", err)
			continue
		}
		b.transitionsDone.Add(ctx, 1)
		if err := b.tracker.AddComment(ctx, key, comment); err != nil {
			b.log.Warn("deploy comment failed", "issue", key, "error", err)
		}
	}
	return nil
}

// snapshotDependency returns the build's single snapshot dependency.
// Deploy builds depend on exactly one release build; anything else means
// the build graph changed shape and the mapping would be wrong.
func (b *Broker) snapshotDependency(ctx context.Context, id int) (connector.Build, error) {
	deps, err := b.ci.SnapshotDependencies(ctx, id)
	if err != nil {
		return connector.Build{}, err
	}
	if len(deps) != 1 {
		return connector.Build{}, fmt.Errorf("build %d has %d snapshot dependencies, expected exactly one", id, len(deps))
	}
	return deps[0], nil
}

// releasesSince returns the release builds shipped by this deploy: every
// successful build of the release's build type after the previous
// deploy's release, up to and including the current one. When no
// previous deploy exists, or the release did not advance, only the
// current release is returned.
func (b *Broker) releasesSince(ctx context.Context, deploy, release connector.Build) ([]connector.Build, error) {
	deploys, err := b.ci.ListSuccessfulBuilds(ctx, deploy.BuildType, 0)
	if err != nil {
		return nil, err
	}
	var previous *connector.Build
	for i, d := range deploys {
		if d.Number <= deploy.Number && d.ID != deploy.ID {
			previous = &deploys[i]
			break
		}
	}
	if previous == nil {
		return []connector.Build{release}, nil
	}

	prevRelease, err := b.snapshotDependency(ctx, previous.ID)
	if err != nil {
		return nil, err
	}
	if prevRelease.ID == release.ID {
		return []connector.Build{release}, nil
	}

	list, err := b.ci.ListSuccessfulBuilds(ctx, release.BuildType, prevRelease.ID)
	if err != nil {
		return nil, err
	}
	var out []connector.Build
	for _, r := range list {
		if r.Number <= release.Number {
			out = append(out, r)
		}
	}
	return out, nil
}

// collectIssueKeys gathers the issue keys referenced by the builds'
// changes, applying the VCS root filter and deduplicating while keeping
// first-seen order.
func (b *Broker) collectIssueKeys(ctx context.Context, builds []connector.Build) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string
	for _, build := range builds {
		changes, err := b.ci.ListChanges(ctx, build.ID)
		if err != nil {
			return nil, err
		}
		for _, ch := range changes {
			issues, err := b.ci.ListChangeIssues(ctx, ch.ID)
			if err != nil {
				return nil, err
			}
			for _, is := range issues {
				if !b.deployable(is) || seen[is.Key] {
					continue
				}
				seen[is.Key] = true
				keys = append(keys, is.Key)
			}
		}
	}
	return keys, nil
}

// deployable reports whether a change issue participates in deploy
// transitions. Flagship-project issues always do; others are dropped
// when their change came from an excluded VCS root.
func (b *Broker) deployable(is connector.ChangeIssue) bool {
	if is.ProjectKey == b.cfg.Deploy.FlagshipProject {
		return true
	}
	return !contains(b.cfg.Deploy.ExcludedVCSRoots, is.VCSRoot)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
