// Package config loads the broker's process configuration. The resulting
// Config value is immutable: it is read once at startup and injected into
// every component, and is the only state shared across concurrent event
// handlers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full broker configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Jira     JiraConfig     `mapstructure:"jira"`
	TeamCity TeamCityConfig `mapstructure:"teamcity"`

	// Repositories maps repository name to owning organization.
	Repositories map[string]string `mapstructure:"repositories"`
	// Projects maps issue-tracker project key to organization.
	Projects map[string]string `mapstructure:"projects"`

	// DefaultOrg is the organization used when an issue has no repo
	// selector at all.
	DefaultOrg string `mapstructure:"default_org"`
	// DefaultRepo (fully qualified) is always appended to every fan-out.
	DefaultRepo string `mapstructure:"default_repo"`

	// ProtectedBranches are the integration branches guarded against
	// direct pushes and watched for merge propagation.
	ProtectedBranches []string `mapstructure:"protected_branches"`
	// DevBranch is the downstream branch merged PRs propagate into.
	DevBranch string `mapstructure:"dev_branch"`
	// ServiceUser is the automation account; its own pushes are never
	// violations.
	ServiceUser string `mapstructure:"service_user"`

	// MonitoredIssueTypes are the issue types the PR-close handler acts
	// on; events for other types are ignored.
	MonitoredIssueTypes []string `mapstructure:"monitored_issue_types"`

	Fields      FieldsConfig      `mapstructure:"fields"`
	Transitions TransitionsConfig `mapstructure:"transitions"`
	Deploy      DeployConfig      `mapstructure:"deploy"`

	// FanOutWorkers bounds the per-repository worker pool.
	FanOutWorkers int `mapstructure:"fanout_workers"`
	// MergeablePollInterval and MergeablePollTimeout bound the PR
	// mergeability poll.
	MergeablePollInterval time.Duration `mapstructure:"mergeable_poll_interval"`
	MergeablePollTimeout  time.Duration `mapstructure:"mergeable_poll_timeout"`
}

// HTTPConfig configures the inbound webhook server.
type HTTPConfig struct {
	Addr          string `mapstructure:"addr"`
	WebhookSecret string `mapstructure:"webhook_secret"` // HMAC secret for GitHub events
	CommandSecret string `mapstructure:"command_secret"` // shared secret for command endpoints
}

// GitHubConfig configures the version-control connector.
type GitHubConfig struct {
	APIURL string `mapstructure:"api_url"`
	WebURL string `mapstructure:"web_url"`
	Token  string `mapstructure:"token"`
}

// JiraConfig configures the issue-tracker connector.
type JiraConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	APIToken string `mapstructure:"api_token"`
}

// TeamCityConfig configures the CI connector.
type TeamCityConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// FieldsConfig holds the tracker's custom field identifiers. These are
// fixed per deployment, never discovered at runtime.
type FieldsConfig struct {
	RepoSelector   string `mapstructure:"repo_selector"`
	BranchOriginal string `mapstructure:"branch_original"`
	BranchTarget   string `mapstructure:"branch_target"`
	OpenPRFlag     string `mapstructure:"open_pr_flag"`
}

// TransitionsConfig holds transition name patterns and the status
// preconditions the merge/deploy flows rely on.
type TransitionsConfig struct {
	// MergedPattern matches the "merge to ..." transition.
	MergedPattern string `mapstructure:"merged_pattern"`
	// MergedFromStatus is the status the merged transition must start
	// from; when the issue is elsewhere the two-step path applies.
	MergedFromStatus string `mapstructure:"merged_from_status"`
	// ToManagerReview is the intermediate transition of the two-step path.
	ToManagerReview string `mapstructure:"to_manager_review"`
	// BackToProgress is taken when a fan-out produced an unmergeable PR.
	BackToProgress string `mapstructure:"back_to_progress"`
	// DeployPattern matches the post-deployment transition.
	DeployPattern string `mapstructure:"deploy_pattern"`
	// DeployFromPrefix prefixes the status precondition of the deploy
	// transition; the environment name is appended.
	DeployFromPrefix string `mapstructure:"deploy_from_prefix"`
}

// DeployConfig configures the deployment reconciler.
type DeployConfig struct {
	// EnvProperty is the build property marking deploy builds.
	EnvProperty string `mapstructure:"env_property"`
	// TransitionEnvs are the environments whose deploys transition issues.
	TransitionEnvs []string `mapstructure:"transition_envs"`
	// FlagshipProject bypasses the excluded VCS root filter.
	FlagshipProject string `mapstructure:"flagship_project"`
	// ExcludedVCSRoots are internal tooling roots whose issues are
	// dropped unless they belong to the flagship project.
	ExcludedVCSRoots []string `mapstructure:"excluded_vcs_roots"`
}

// Load reads configuration from the given file (empty means
// "broker.yaml" in the working directory or /etc/broker) with BROKER_*
// environment overrides applied on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("broker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/broker")
	}
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.web_url", "https://github.com")
	v.SetDefault("protected_branches", []string{"master", "preprod", "dev"})
	v.SetDefault("dev_branch", "dev")
	v.SetDefault("monitored_issue_types", []string{
		"New Feature", "Bug", "Improvement", "Task",
		"Hotfix", "Hotfix-s", "Feature", "Feature-s", "Bugfix", "Bugfix-s",
	})
	v.SetDefault("transitions.merged_pattern", "^merge")
	v.SetDefault("transitions.merged_from_status", "in manager review")
	v.SetDefault("transitions.to_manager_review", "To Manager Review")
	v.SetDefault("transitions.back_to_progress", "Back to In Progress")
	v.SetDefault("transitions.deploy_pattern", "^deploy")
	v.SetDefault("transitions.deploy_from_prefix", "merged_to_")
	v.SetDefault("deploy.env_property", "deploy.env")
	v.SetDefault("deploy.transition_envs", []string{"beta", "preprod"})
	v.SetDefault("fanout_workers", 4)
	v.SetDefault("mergeable_poll_interval", 2*time.Second)
	v.SetDefault("mergeable_poll_timeout", 60*time.Second)
}

func (c *Config) validate() error {
	if c.DefaultOrg == "" {
		return fmt.Errorf("config: default_org is required")
	}
	if c.DefaultRepo == "" {
		return fmt.Errorf("config: default_repo is required")
	}
	if c.FanOutWorkers < 1 {
		return fmt.Errorf("config: fanout_workers must be positive")
	}
	if c.MergeablePollInterval <= 0 {
		return fmt.Errorf("config: mergeable_poll_interval must be positive")
	}
	// A zero timeout would mean "poll forever" downstream.
	if c.MergeablePollTimeout <= 0 {
		return fmt.Errorf("config: mergeable_poll_timeout must be positive")
	}
	return nil
}

// OrgForRepo returns the organization owning a repository name, or false
// when the repository is not monitored.
func (c *Config) OrgForRepo(repo string) (string, bool) {
	org, ok := c.Repositories[repo]
	return org, ok
}

// OrgForProject returns the organization for a project key, or false
// when the project is not monitored.
func (c *Config) OrgForProject(key string) (string, bool) {
	org, ok := c.Projects[key]
	return org, ok
}

// ReposInOrg returns the fully qualified repositories belonging to an
// organization, sorted for deterministic iteration.
func (c *Config) ReposInOrg(org string) []string {
	var repos []string
	for repo, o := range c.Repositories {
		if o == org {
			repos = append(repos, o+"/"+repo)
		}
	}
	sort.Strings(repos)
	return repos
}

// Monitored reports whether a "org/name" repository is configured.
func (c *Config) Monitored(fullName string) bool {
	name := fullName
	if i := strings.IndexByte(fullName, '/'); i >= 0 {
		name = fullName[i+1:]
	}
	_, ok := c.Repositories[name]
	return ok
}

// MonitoredIssueType reports whether the issue type participates in PR
// lifecycle handling.
func (c *Config) MonitoredIssueType(issueType string) bool {
	for _, t := range c.MonitoredIssueTypes {
		if strings.EqualFold(t, issueType) {
			return true
		}
	}
	return false
}

// IsProtected reports whether branch is one of the protected integration
// branches.
func (c *Config) IsProtected(branch string) bool {
	for _, b := range c.ProtectedBranches {
		if b == branch {
			return true
		}
	}
	return false
}
