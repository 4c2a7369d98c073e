package ingest

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/internal/ttlcache"
)

// dedupeKey scopes a repo/branch pair for the persisted commit table.
func dedupeKey(repo, branch string) string { return repo + ":" + branch }

func inflightKey(repo, branch, sha string) string { return repo + ":" + branch + ":" + sha }

// inflightSet is the pluggable backend behind the commit-level inflight
// guard: SeenRecently reports whether key was already reserved within
// the TTL window, reserving it as a side effect when it was not.
type inflightSet interface {
	SeenRecently(key string) bool
}

// redisInflight backs the inflight set with Redis SET NX EX, so the
// guard against concurrent webhook+poll delivery of the same commit
// holds across a fleet of controller instances sharing one repo config,
// per SPEC_FULL §4.12. Falls back to reporting "not seen" (reserve
// succeeds) on a Redis error rather than blocking ingestion.
type redisInflight struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

func newRedisInflight(addr string, ttl time.Duration, log *logrus.Logger) *redisInflight {
	return &redisInflight{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
		log:    log,
	}
}

func (r *redisInflight) SeenRecently(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reserved, err := r.client.SetNX(ctx, "aegis:ingest:inflight:"+key, 1, r.ttl).Result()
	if err != nil {
		r.log.WithError(err).Warn("redis inflight check failed, treating commit as new")
		return false
	}
	return !reserved
}

// memoryInflight adapts internal/ttlcache.Cache to inflightSet for the
// no-redis deployment, per SPEC_FULL §4.12's documented fallback.
type memoryInflight struct {
	cache *ttlcache.Cache
}

func newMemoryInflight(ttl time.Duration) *memoryInflight {
	return &memoryInflight{cache: ttlcache.New(ttl)}
}

func (m *memoryInflight) SeenRecently(key string) bool { return m.cache.SeenRecently(key) }

// tracker implements GitHubIntegration's dual dedup layers: an inflight
// set with a TTL (_inflight_commits/_cleanup_inflight, backed by
// inflightSet) guarding against concurrent webhook+poll delivery of the
// same commit, and a persisted last-processed-commit table
// (_get/_set_last_processed_commit) guarding against redelivery across
// restarts.
type tracker struct {
	path     string
	log      *logrus.Logger
	inflight inflightSet

	mu         sync.Mutex
	lastCommit map[string]string
}

func newTracker(path string, ttl time.Duration, redisAddr string, log *logrus.Logger) *tracker {
	var inflight inflightSet
	if redisAddr != "" {
		inflight = newRedisInflight(redisAddr, ttl, log)
	} else {
		inflight = newMemoryInflight(ttl)
	}

	t := &tracker{path: path, log: log, inflight: inflight, lastCommit: make(map[string]string)}
	if path == "" {
		return t
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	if err := json.Unmarshal(data, &t.lastCommit); err != nil {
		log.WithError(err).WithField("path", path).Warn("ingest commit state corrupted, starting fresh")
	}
	return t
}

func (t *tracker) lastProcessed(repo, branch string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCommit[dedupeKey(repo, branch)]
}

// reserve mirrors _reserve_commit_processing: returns false (already
// handled or in flight) without mutating state, or true after marking
// the commit inflight.
func (t *tracker) reserve(repo, branch, sha string) bool {
	t.mu.Lock()
	alreadyProcessed := t.lastCommit[dedupeKey(repo, branch)] == sha
	t.mu.Unlock()
	if alreadyProcessed {
		return false
	}

	return !t.inflight.SeenRecently(inflightKey(repo, branch, sha))
}

// release persists sha as the last processed commit for the repo/branch
// on success, mirroring the try/finally around
// _set_last_processed_commit in handle_push_event. The inflight entry
// is left to expire on its own TTL rather than actively cleared, since
// both backends (Redis key, ttlcache entry) only support check-and-set.
func (t *tracker) release(repo, branch, sha string, succeeded bool) {
	t.mu.Lock()
	if succeeded {
		t.lastCommit[dedupeKey(repo, branch)] = sha
	}
	snapshot := make(map[string]string, len(t.lastCommit))
	for k, v := range t.lastCommit {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if t.path == "" {
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		t.log.WithError(err).Warn("failed to persist ingest commit state")
	}
}

// setBaseline directly records sha as already processed without
// reserving it, mirroring the local-polling-initial-skip baseline write.
func (t *tracker) setBaseline(repo, branch, sha string) {
	t.mu.Lock()
	t.lastCommit[dedupeKey(repo, branch)] = sha
	snapshot := make(map[string]string, len(t.lastCommit))
	for k, v := range t.lastCommit {
		snapshot[k] = v
	}
	t.mu.Unlock()

	if t.path == "" {
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(t.path, data, 0o644)
}

func shortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}
	return sha[:7]
}
