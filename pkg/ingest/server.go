package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// Server is the webhook HTTP endpoint half of the ingestor, grounded on
// GitHubIntegration.webhook_handler/_verify_signature. It shares a
// tracker with any local Poller so a commit delivered by both the
// webhook and a poll cycle is only handled once.
type Server struct {
	cfg     Config
	tracker *tracker
	handler Handler
	log     *logrus.Logger
	router  chi.Router
}

// NewServer builds the chi router for the webhook endpoint. persistPath
// may be empty to keep the last-processed-commit table in memory only.
func NewServer(cfg Config, handler Handler, persistPath string, log *logrus.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		tracker: newTracker(persistPath, cfg.DedupeTTL, cfg.RedisAddr, log),
		handler: handler,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
	}))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post("/webhook", s.webhookHandler)
	return r
}

// ServeHTTP makes Server usable directly with http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if s.cfg.WebhookSecret != "" {
		if !verifySignature(s.cfg.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			s.log.Warn("rejected webhook with invalid signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	event, ok, err := parsePayload(eventType, body)
	if err != nil {
		s.log.WithError(err).WithField("event_type", eventType).Warn("failed to parse webhook payload")
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	event.ReceivedAt = time.Now()

	s.dispatch(event)
	w.WriteHeader(http.StatusAccepted)
}

// dispatch applies the dual dedup guard before calling the Handler,
// mirroring handle_push_event's reserve/handle/finally-release sequence.
func (s *Server) dispatch(event ChangeEvent) {
	if event.Kind != KindPush || event.HeadSHA == "" {
		if err := s.handler.Handle(event); err != nil {
			s.log.WithError(err).WithField("kind", event.Kind).Warn("change event handler failed")
		}
		return
	}

	if !s.tracker.reserve(event.Repo, event.Branch, event.HeadSHA) {
		s.log.WithFields(logrus.Fields{"repo": event.Repo, "branch": event.Branch, "sha": shortSHA(event.HeadSHA)}).
			Info("push already processed or in flight, skipping")
		return
	}

	err := s.handler.Handle(event)
	s.tracker.release(event.Repo, event.Branch, event.HeadSHA, err == nil)
	if err != nil {
		s.log.WithError(err).WithField("repo", event.Repo).Warn("push handler failed")
	}
}

// verifySignature reproduces _verify_signature: expects "sha256=<hex>"
// and compares in constant time.
func verifySignature(secret string, body []byte, signature string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	expected := strings.TrimPrefix(signature, prefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	calculated := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(calculated), []byte(expected))
}

type ghRepository struct {
	Name     string `json:"name"`
	HTMLURL  string `json:"html_url"`
	FullName string `json:"full_name"`
}

type ghCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name string `json:"name"`
	} `json:"author"`
}

type ghPushPayload struct {
	Ref        string       `json:"ref"`
	Repository ghRepository `json:"repository"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits    []ghCommit `json:"commits"`
	HeadCommit *ghCommit  `json:"head_commit"`
	Created    bool       `json:"created"`
}

type ghPullRequestPayload struct {
	Action      string       `json:"action"`
	Repository  ghRepository `json:"repository"`
	PullRequest struct {
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
	} `json:"pull_request"`
}

type ghReleasePayload struct {
	Action     string       `json:"action"`
	Repository ghRepository `json:"repository"`
	Release    struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	} `json:"release"`
}

type ghWorkflowRunPayload struct {
	Action      string       `json:"action"`
	Repository  ghRepository `json:"repository"`
	WorkflowRun struct {
		Name       string `json:"name"`
		HTMLURL    string `json:"html_url"`
		Conclusion string `json:"conclusion"`
	} `json:"workflow_run"`
}

// parsePayload decodes body according to eventType, returning ok=false
// for event types we don't act on (e.g. ping) or a push with no commits,
// mirroring handle_push_event's "Skipping push event ... (no commits)".
func parsePayload(eventType string, body []byte) (ChangeEvent, bool, error) {
	switch eventType {
	case "push":
		var p ghPushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ChangeEvent{}, false, err
		}
		if len(p.Commits) == 0 {
			return ChangeEvent{}, false, nil
		}
		head := ""
		if p.HeadCommit != nil {
			head = p.HeadCommit.ID
		}
		if head == "" {
			head = p.Commits[len(p.Commits)-1].ID
		}
		commits := make([]Commit, 0, len(p.Commits))
		for _, c := range p.Commits {
			commits = append(commits, Commit{SHA: c.ID, Message: c.Message, Author: c.Author.Name})
		}
		parts := strings.Split(p.Ref, "/")
		return ChangeEvent{
			Kind: KindPush, Repo: p.Repository.Name, Branch: parts[len(parts)-1],
			Pusher: p.Pusher.Name, Commits: commits, HeadSHA: head,
		}, true, nil

	case "pull_request":
		var p ghPullRequestPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ChangeEvent{}, false, err
		}
		return ChangeEvent{
			Kind: KindPullRequest, Repo: p.Repository.Name, Action: p.Action,
			Title: p.PullRequest.Title, URL: p.PullRequest.HTMLURL,
		}, true, nil

	case "release":
		var p ghReleasePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ChangeEvent{}, false, err
		}
		return ChangeEvent{
			Kind: KindRelease, Repo: p.Repository.Name, Action: p.Action,
			Title: p.Release.TagName, URL: p.Release.HTMLURL,
		}, true, nil

	case "workflow_run":
		var p ghWorkflowRunPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return ChangeEvent{}, false, err
		}
		return ChangeEvent{
			Kind: KindWorkflowRun, Repo: p.Repository.Name, Action: fmt.Sprintf("%s:%s", p.Action, p.WorkflowRun.Conclusion),
			Title: p.WorkflowRun.Name, URL: p.WorkflowRun.HTMLURL,
		}, true, nil

	default:
		return ChangeEvent{}, false, nil
	}
}
