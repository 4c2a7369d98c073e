// Package ingest implements the Push/Change Ingestor of spec.md §4.12: a
// webhook HTTP endpoint plus an optional local git polling fallback,
// deduplicated by an in-memory inflight set and a persisted
// last-processed-commit table, dispatching one ChangeEvent per new push,
// pull request, release, or CI workflow run. Grounded on original_source
// integrations/github_integration.py (GitHubIntegration).
package ingest

import (
	"time"
)

// Kind identifies which GitHub event type produced a ChangeEvent.
type Kind string

const (
	KindPush        Kind = "push"
	KindPullRequest Kind = "pull_request"
	KindRelease     Kind = "release"
	KindWorkflowRun Kind = "workflow_run"
)

// Commit is one entry of a push event's commit list.
type Commit struct {
	SHA     string
	Message string
	Author  string
}

// ChangeEvent is the normalized output of the ingestor, handed to a
// Handler for notification, auto-deploy, and summary generation.
type ChangeEvent struct {
	Kind       Kind
	Repo       string
	Branch     string
	Pusher     string
	Commits    []Commit
	HeadSHA    string
	FromPoll   bool
	ReceivedAt time.Time

	// Populated for pull_request/release/workflow_run events.
	Title  string
	Action string
	URL    string
}

// Handler reacts to a deduplicated ChangeEvent. Implementations typically
// send a notification, optionally trigger a deployment, and record the
// commit in the knowledge base.
type Handler interface {
	Handle(event ChangeEvent) error
}

// RepoConfig is one locally-polled repository.
type RepoConfig struct {
	Name         string
	Path         string // local clone used for `git` commands
	Branch       string
	Fetch        bool // run `git fetch` before comparing HEAD
	DeployBranch bool

	// GitHubSlug, when set as "owner/name", routes this repo's polling
	// through GitHub's REST API instead of a local `git` checkout — for
	// monitored remotes this controller has no clone of.
	GitHubSlug string
}

// Config bounds the ingestor's behavior, mirroring
// GitHubIntegration.__init__'s github_config defaults.
type Config struct {
	WebhookSecret      string
	WebhookPort        int
	PollingEnabled     bool
	PollingInterval    time.Duration
	PollingInitialSkip bool
	DedupeTTL          time.Duration
	Repos              []RepoConfig

	// RedisAddr, when set, backs the inflight dedupe set with Redis
	// (SET NX EX) instead of the in-process internal/ttlcache map, so
	// the guard holds across a fleet of controller instances sharing
	// the same repo config.
	RedisAddr string

	// GitHubToken authenticates RepoConfig entries with a GitHubSlug
	// against the REST API via a static oauth2 token source. Empty
	// disables REST polling even if a repo has a GitHubSlug configured.
	GitHubToken string
}

// DefaultConfig mirrors the Python defaults: local_polling_interval=60,
// local_polling_initial_skip=true, a 300s inflight TTL.
func DefaultConfig() Config {
	return Config{
		WebhookPort:        8080,
		PollingEnabled:     true,
		PollingInterval:    60 * time.Second,
		PollingInitialSkip: true,
		DedupeTTL:          300 * time.Second,
	}
}
