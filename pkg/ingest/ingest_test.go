package ingest_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/ingest"
)

func TestIngest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ingest suite")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

type recordingHandler struct {
	mu     sync.Mutex
	events []ingest.ChangeEvent
	fail   bool
}

var errFakeHandler = errors.New("fake handler failure")

func (h *recordingHandler) Handle(e ingest.ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	if h.fail {
		return errFakeHandler
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushPayload(repo, branch, headSHA string, messages []string) []byte {
	commits := make([]map[string]any, 0, len(messages))
	for i, m := range messages {
		commits = append(commits, map[string]any{
			"id": headSHA[:6] + string(rune('a'+i)), "message": m, "author": map[string]string{"name": "alice"},
		})
	}
	payload := map[string]any{
		"ref":        "refs/heads/" + branch,
		"repository": map[string]string{"name": repo, "html_url": "https://example.test/" + repo},
		"pusher":     map[string]string{"name": "alice"},
		"commits":    commits,
		"head_commit": map[string]any{
			"id": headSHA, "message": messages[len(messages)-1], "author": map[string]string{"name": "alice"},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

var _ = Describe("Server webhook handling", func() {
	var (
		handler *recordingHandler
		srv     *ingest.Server
		ts      *httptest.Server
	)

	BeforeEach(func() {
		handler = &recordingHandler{}
		cfg := ingest.DefaultConfig()
		cfg.WebhookSecret = "topsecret"
		srv = ingest.NewServer(cfg, handler, "", newLogger())
		ts = httptest.NewServer(srv)
	})

	AfterEach(func() { ts.Close() })

	postWebhook := func(eventType, secret string, body []byte) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", eventType)
		if secret != "" {
			req.Header.Set("X-Hub-Signature-256", sign(secret, body))
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("rejects a push with an invalid signature", func() {
		body := pushPayload("widget-api", "main", "abc123def456", []string{"feat: add endpoint"})
		resp := postWebhook("push", "wrong-secret", body)
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(handler.count()).To(Equal(0))
	})

	It("accepts a correctly signed push and dispatches once", func() {
		body := pushPayload("widget-api", "main", "abc123def456", []string{"feat: add endpoint"})
		resp := postWebhook("push", "topsecret", body)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		Eventually(handler.count).Should(Equal(1))
	})

	It("ignores a push event carrying no commits", func() {
		payload := map[string]any{
			"ref":        "refs/heads/main",
			"repository": map[string]string{"name": "widget-api"},
			"pusher":     map[string]string{"name": "alice"},
			"commits":    []any{},
		}
		data, _ := json.Marshal(payload)
		resp := postWebhook("push", "topsecret", data)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		Expect(handler.count()).To(Equal(0))
	})

	It("dedupes a commit delivered twice", func() {
		body := pushPayload("widget-api", "main", "deadbeef0000", []string{"fix: crash on startup"})
		postWebhook("push", "topsecret", body)
		Eventually(handler.count).Should(Equal(1))

		resp := postWebhook("push", "topsecret", body)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Consistently(handler.count, "100ms").Should(Equal(1))
	})

	It("dispatches concurrently delivered pushes for distinct commits without dropping any", func() {
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			sha := fmt.Sprintf("%07d%33s", i, "")
			body := pushPayload("widget-api", "main", sha, []string{fmt.Sprintf("fix: change %d", i)})
			g.Go(func() error {
				resp := postWebhook("push", "topsecret", body)
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
				return nil
			})
		}
		Expect(g.Wait()).To(Succeed())
		Eventually(handler.count).Should(Equal(8))
	})
})

var _ = Describe("Server webhook handling with a Redis-backed inflight set", func() {
	It("dedupes a commit delivered twice across a miniredis instance", func() {
		redisServer, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		defer redisServer.Close()

		handler := &recordingHandler{}
		cfg := ingest.DefaultConfig()
		cfg.WebhookSecret = "topsecret"
		cfg.RedisAddr = redisServer.Addr()
		srv := ingest.NewServer(cfg, handler, "", newLogger())
		ts := httptest.NewServer(srv)
		defer ts.Close()

		body := pushPayload("widget-api", "main", "feedface0000", []string{"fix: redis dedup"})
		post := func() *http.Response {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhook", bytes.NewReader(body))
			req.Header.Set("X-GitHub-Event", "push")
			req.Header.Set("X-Hub-Signature-256", sign("topsecret", body))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		post()
		Eventually(handler.count).Should(Equal(1))

		resp := post()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Consistently(handler.count, "100ms").Should(Equal(1))
	})
})

var _ = Describe("LexicalSummarizer", func() {
	It("groups commits into features/fixes/improvements/other", func() {
		event := ingest.ChangeEvent{
			Repo: "widget-api", Branch: "main", Pusher: "alice",
			Commits: []ingest.Commit{
				{SHA: "aaa1111", Message: "feat: add webhook ingestor"},
				{SHA: "bbb2222", Message: "fix: handle missing head_commit"},
				{SHA: "ccc3333", Message: "chore: bump deps"},
				{SHA: "ddd4444", Message: "whatever"},
			},
		}
		summary, err := (ingest.LexicalSummarizer{}).Summarize(context.Background(), event)
		Expect(err).NotTo(HaveOccurred())
		Expect(summary).To(ContainSubstring("Features:"))
		Expect(summary).To(ContainSubstring("Fixes:"))
		Expect(summary).To(ContainSubstring("Improvements:"))
		Expect(summary).To(ContainSubstring("Other:"))
	})
})

var _ = Describe("Poller", func() {
	It("synthesizes a push event for new local commits", func() {
		repoPath := GinkgoT().TempDir()
		runGit(repoPath, "init", "-q", "-b", "main")
		runGit(repoPath, "config", "user.email", "test@example.com")
		runGit(repoPath, "config", "user.name", "test")
		writeCommit(repoPath, "first")

		handler := &recordingHandler{}
		cfg := ingest.DefaultConfig()
		cfg.PollingInitialSkip = true
		cfg.Repos = []ingest.RepoConfig{{Name: "local-repo", Path: repoPath, Branch: "main"}}

		srv := ingest.NewServer(cfg, handler, "", newLogger())
		exec := command.New(command.DefaultConfig(), newLogger())
		poller := ingest.NewPoller(cfg, srv, exec, newLogger())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		poller.Run(ctx)
		cancel()
		Expect(handler.count()).To(Equal(0), "first poll should only set the baseline")

		writeCommit(repoPath, "second")
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
		poller.Run(ctx2)
		cancel2()

		Expect(handler.count()).To(Equal(1))
	})
})

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	_ = cmd.Run()
}

func writeCommit(dir, content string) {
	path := filepath.Join(dir, "file.txt")
	_ = exec.Command("sh", "-c", "echo '"+content+"' >> "+path).Run()
	runGit(dir, "add", ".")
	runGit(dir, "commit", "-q", "-m", "change: "+content)
}

