package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/aegisops/aegis-controller/pkg/command"
)

// Poller runs the local git polling fallback of _local_polling_loop /
// _poll_local_projects: for each configured repo, compare HEAD against
// the last processed commit and synthesize a push ChangeEvent for any
// new commits. It shares a tracker with Server so the same commit is
// never handled twice regardless of which path observed it first.
//
// Repos with a GitHubSlug and a configured Config.GitHubToken are polled
// through GitHub's REST API over an oauth2 static-token-authenticated
// http.Client instead of shelling out to `git`, per SPEC_FULL §4.12.
type Poller struct {
	cfg        Config
	tracker    *tracker
	exec       *command.Executor
	handler    Handler
	log        *logrus.Logger
	restClient *http.Client
}

// NewPoller shares tracking state with srv so polling and webhook
// delivery dedupe against each other.
func NewPoller(cfg Config, srv *Server, exec *command.Executor, log *logrus.Logger) *Poller {
	p := &Poller{cfg: cfg, tracker: srv.tracker, exec: exec, handler: srv.handler, log: log}
	if cfg.GitHubToken != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		p.restClient = oauth2.NewClient(context.Background(), src)
	}
	return p
}

// Run polls every cfg.PollingInterval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.PollingEnabled {
		return
	}
	for {
		p.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollingInterval):
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, repo := range p.cfg.Repos {
		p.pollRepo(ctx, repo)
	}
}

func (p *Poller) pollRepo(ctx context.Context, repo RepoConfig) {
	if repo.GitHubSlug != "" && p.restClient != nil {
		p.pollRepoViaGitHub(ctx, repo)
		return
	}

	if repo.Fetch {
		if _, err := p.exec.Execute(ctx, "git fetch --quiet origin", command.Options{
			Mode: command.ModeLive, WorkingDir: repo.Path, Timeout: 30 * time.Second,
		}); err != nil {
			p.log.WithError(err).WithField("repo", repo.Name).Warn("git fetch failed")
		}
	}

	headResult, err := p.exec.Execute(ctx, "git rev-parse HEAD", command.Options{
		Mode: command.ModeLive, WorkingDir: repo.Path, Timeout: 10 * time.Second,
	})
	if err != nil || !headResult.Success {
		p.log.WithField("repo", repo.Name).Warn("unable to read HEAD for local polling")
		return
	}
	headSHA := strings.TrimSpace(headResult.Stdout)
	if headSHA == "" {
		return
	}

	lastSHA := p.tracker.lastProcessed(repo.Name, repo.Branch)
	if lastSHA == "" && p.cfg.PollingInitialSkip {
		p.tracker.setBaseline(repo.Name, repo.Branch, headSHA)
		p.log.WithField("repo", repo.Name).Info("local polling baseline set")
		return
	}
	if lastSHA == headSHA {
		return
	}

	if !p.tracker.reserve(repo.Name, repo.Branch, headSHA) {
		return
	}

	commits, err := p.commitsSince(ctx, repo, lastSHA, headSHA)
	if err != nil {
		p.log.WithError(err).WithField("repo", repo.Name).Warn("failed to list new commits")
		p.tracker.release(repo.Name, repo.Branch, headSHA, false)
		return
	}
	if len(commits) == 0 {
		p.tracker.setBaseline(repo.Name, repo.Branch, headSHA)
		p.tracker.release(repo.Name, repo.Branch, headSHA, false)
		return
	}

	event := ChangeEvent{
		Kind: KindPush, Repo: repo.Name, Branch: repo.Branch, Pusher: "local-poll",
		Commits: commits, HeadSHA: headSHA, FromPoll: true, ReceivedAt: time.Now(),
	}
	err = p.handler.Handle(event)
	p.tracker.release(repo.Name, repo.Branch, headSHA, err == nil)
	if err != nil {
		p.log.WithError(err).WithField("repo", repo.Name).Warn("local-poll push handler failed")
	}
}

// commitsSince shells out to `git log lastSHA..headSHA` for the commit
// range, capped at a fixed 50 commits (the default of the original's
// local_polling_max_commits) to bound output on a long-dormant poller.
func (p *Poller) commitsSince(ctx context.Context, repo RepoConfig, lastSHA, headSHA string) ([]Commit, error) {
	const maxCommits = 50
	rangeSpec := headSHA
	if lastSHA != "" {
		rangeSpec = lastSHA + ".." + headSHA
	}

	result, err := p.exec.Execute(ctx,
		"git log --pretty=format:%H%x1f%an%x1f%s -n "+strconv.Itoa(maxCommits)+" "+rangeSpec,
		command.Options{Mode: command.ModeLive, WorkingDir: repo.Path, Timeout: 15 * time.Second})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, nil
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 3)
		if len(fields) != 3 {
			continue
		}
		commits = append(commits, Commit{SHA: fields[0], Author: fields[1], Message: fields[2]})
	}
	return commits, nil
}

type githubCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commit"`
}

// pollRepoViaGitHub mirrors pollRepo's dedupe/baseline/reserve flow but
// sources HEAD and the new-commit list from GitHub's REST API rather
// than a local `git` checkout, for repos with no clone on disk.
func (p *Poller) pollRepoViaGitHub(ctx context.Context, repo RepoConfig) {
	commits, err := p.githubCommits(ctx, repo, "")
	if err != nil || len(commits) == 0 {
		if err != nil {
			p.log.WithError(err).WithField("repo", repo.Name).Warn("github REST poll failed")
		}
		return
	}
	headSHA := commits[0].SHA

	lastSHA := p.tracker.lastProcessed(repo.Name, repo.Branch)
	if lastSHA == "" && p.cfg.PollingInitialSkip {
		p.tracker.setBaseline(repo.Name, repo.Branch, headSHA)
		p.log.WithField("repo", repo.Name).Info("github REST polling baseline set")
		return
	}
	if lastSHA == headSHA {
		return
	}
	if !p.tracker.reserve(repo.Name, repo.Branch, headSHA) {
		return
	}

	newCommits, err := p.githubCommits(ctx, repo, lastSHA)
	if err != nil {
		p.log.WithError(err).WithField("repo", repo.Name).Warn("failed to list new commits via github REST")
		p.tracker.release(repo.Name, repo.Branch, headSHA, false)
		return
	}
	if len(newCommits) == 0 {
		p.tracker.setBaseline(repo.Name, repo.Branch, headSHA)
		p.tracker.release(repo.Name, repo.Branch, headSHA, false)
		return
	}

	event := ChangeEvent{
		Kind: KindPush, Repo: repo.Name, Branch: repo.Branch, Pusher: "github-rest-poll",
		Commits: toCommits(newCommits), HeadSHA: headSHA, FromPoll: true, ReceivedAt: time.Now(),
	}
	err = p.handler.Handle(event)
	p.tracker.release(repo.Name, repo.Branch, headSHA, err == nil)
	if err != nil {
		p.log.WithError(err).WithField("repo", repo.Name).Warn("github-rest-poll push handler failed")
	}
}

// githubCommits fetches the commit list for repo.Branch, optionally
// bounded to everything after sinceSHA, via GET
// /repos/{slug}/commits?sha={branch}. GitHub returns newest-first, so
// element 0 is always HEAD.
func (p *Poller) githubCommits(ctx context.Context, repo RepoConfig, sinceSHA string) ([]githubCommit, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/commits?sha=%s&per_page=50", repo.GitHubSlug, repo.Branch)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.restClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("github commits request failed with status %d: %s", resp.StatusCode, body)
	}

	var commits []githubCommit
	if err := json.NewDecoder(resp.Body).Decode(&commits); err != nil {
		return nil, err
	}

	if sinceSHA == "" {
		return commits, nil
	}
	for i, c := range commits {
		if c.SHA == sinceSHA {
			return commits[:i], nil
		}
	}
	return commits, nil
}

func toCommits(raw []githubCommit) []Commit {
	commits := make([]Commit, 0, len(raw))
	for _, c := range raw {
		commits = append(commits, Commit{SHA: c.SHA, Author: c.Commit.Author.Name, Message: c.Commit.Message})
	}
	return commits
}
