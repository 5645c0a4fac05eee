package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveReposEmptySelector(t *testing.T) {
	b := newTestBroker(newFakeVCS(), newFakeTracker(), newFakeCI())

	repos := b.ResolveRepos(nil)

	assert.Equal(t, []string{"Inflection/app", "Inflection/storm", "Inflection/web"}, repos)
}

func TestResolveReposWildcardOtherOrg(t *testing.T) {
	b := newTestBroker(newFakeVCS(), newFakeTracker(), newFakeCI())

	repos := b.ResolveRepos([]string{"all Test"})

	assert.Equal(t, []string{"Inflection/storm", "Test/lib"}, repos)
}

func TestResolveReposNamedSelectorsDedupe(t *testing.T) {
	b := newTestBroker(newFakeVCS(), newFakeTracker(), newFakeCI())

	repos := b.ResolveRepos([]string{"app", "app", "all Inflection", "storm"})

	assert.Equal(t, []string{"Inflection/app", "Inflection/storm", "Inflection/web"}, repos)
}

func TestResolveReposUnknownSelectorSkipped(t *testing.T) {
	b := newTestBroker(newFakeVCS(), newFakeTracker(), newFakeCI())

	repos := b.ResolveRepos([]string{"nonexistent"})

	assert.Equal(t, []string{"Inflection/storm"}, repos)
}
