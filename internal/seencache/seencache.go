// Package seencache implements the Event Watcher's persisted dedup table:
// signature -> last-seen epoch seconds, with per-persistence-class expiry
// windows and a write buffer that coalesces disk flushes within a 500ms
// window, per spec §3 SeenEventCache and §4.2 concurrency notes.
package seencache

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

const (
	// PersistentWindow is the dedup window for events whose underlying
	// condition does not self-resolve (vulnerabilities, integrity
	// violations): it may reappear after a failed fix.
	PersistentWindow = 12 * time.Hour

	// SelfResolvingWindow is the dedup window for events the originating
	// tool has already mitigated (bans, threat decisions).
	SelfResolvingWindow = 24 * time.Hour

	flushCoalesceWindow = 500 * time.Millisecond
)

// Cache is a mutex-guarded signature -> last-seen map with coalesced,
// best-effort disk persistence. The zero value is not usable; use New.
type Cache struct {
	path string
	log  *logrus.Logger

	mu      sync.Mutex
	entries map[string]int64 // signature -> unix seconds

	flushMu      sync.Mutex
	flushPending bool
	flushTimer   *time.Timer
}

// New loads path (seen_events.json) if present, starting empty otherwise.
// A corrupt file is quarantined (renamed with a timestamp suffix) rather
// than causing startup failure, per spec §7 state-corruption policy.
func New(path string, log *logrus.Logger) (*Cache, error) {
	c := &Cache{path: path, log: log, entries: make(map[string]int64)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, aerrors.Wrapf(err, "read seen events cache %s", path)
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		quarantined := path + "." + time.Now().UTC().Format("20060102T150405") + ".corrupt"
		log.WithError(err).WithField("quarantined_as", quarantined).
			Error("seen events cache corrupted, quarantining and starting fresh")
		_ = os.Rename(path, quarantined)
		c.entries = make(map[string]int64)
		return c, aerrors.Wrap(aerrors.ErrStateCorrupted, "seen events cache corrupted")
	}

	return c, nil
}

// IsNew reports whether signature has been seen within its window, and
// records it as seen (now) when it has not. The read-modify-write is
// atomic under the cache mutex, satisfying spec §4.2's concurrency
// requirement. An expired entry on read counts as new and is overwritten.
func (c *Cache) IsNew(signature string, persistent bool) bool {
	window := SelfResolvingWindow
	if persistent {
		window = PersistentWindow
	}

	now := time.Now()

	c.mu.Lock()
	last, ok := c.entries[signature]
	isNew := !ok || now.Sub(time.Unix(last, 0)) > window
	if isNew {
		c.entries[signature] = now.Unix()
	}
	c.mu.Unlock()

	if isNew {
		c.scheduleFlush()
	}
	return isNew
}

// scheduleFlush coalesces writes within flushCoalesceWindow: repeated
// calls within the window collapse into a single flush at its end.
func (c *Cache) scheduleFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if c.flushPending {
		return
	}
	c.flushPending = true
	c.flushTimer = time.AfterFunc(flushCoalesceWindow, func() {
		c.flushMu.Lock()
		c.flushPending = false
		c.flushMu.Unlock()

		if err := c.Flush(); err != nil {
			c.log.WithError(err).Warn("seen events cache flush failed")
		}
	})
}

// Flush writes the current cache contents to disk immediately.
func (c *Cache) Flush() error {
	c.mu.Lock()
	snapshot := make(map[string]int64, len(c.entries))
	for k, v := range c.entries {
		snapshot[k] = v
	}
	c.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return aerrors.Wrap(err, "marshal seen events cache")
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return aerrors.Wrapf(err, "write seen events cache %s", tmp)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return aerrors.Wrapf(err, "rename seen events cache into place %s", c.path)
	}
	return nil
}

// Len returns the number of tracked signatures, for diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
