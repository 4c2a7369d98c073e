// Package watcher implements the Event Watcher of spec.md §4.2:
// per-adapter scheduling at source-specific cadences, signature-based
// deduplication via internal/seencache, consecutive-failure tracking
// that emits a meta-event without ever stopping other adapters, and
// hand-off of new events to the Orchestrator. Grounded on
// original_source event_watcher.py's SecurityEventWatcher (start/stop,
// one watch loop per source, per-source stats).
package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aegisops/aegis-controller/internal/seencache"
	"github.com/aegisops/aegis-controller/pkg/adapters"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// defaultIntervals mirrors spec.md §4.2's stated per-source cadences.
var defaultIntervals = map[types.Source]time.Duration{
	types.SourceVulnerabilityScan: 6 * time.Hour,
	types.SourceFileIntegrity:     15 * time.Minute,
	types.SourceHostIPS:           30 * time.Second,
	types.SourceNetworkIPS:        30 * time.Second,
}

// consecutiveFailureThreshold is spec.md §4.2's "three consecutive
// failures" meta-event trigger.
const consecutiveFailureThreshold = 3

// Submitter is the narrow interface the watcher needs from the
// Orchestrator (pkg/orchestration.Orchestrator satisfies it without
// either package importing the other).
type Submitter interface {
	Submit(event types.SecurityEvent)
}

// sourceState tracks one adapter's scheduling loop.
type sourceState struct {
	adapter  adapters.Adapter
	interval time.Duration

	scans      int64
	events     int64
	lastScan   atomic.Value // time.Time
	failures   int
	cancelLoop context.CancelFunc
}

// Watcher schedules every registered adapter on its own cadence,
// deduplicates new findings, and hands them to the Orchestrator.
type Watcher struct {
	cache     *seencache.Cache
	submitter Submitter
	log       *logrus.Logger

	mu      sync.Mutex
	sources map[types.Source]*sourceState
	running bool
	wg      sync.WaitGroup
}

// New constructs a Watcher with no sources; each adapter and its poll
// interval are added with Register.
func New(cache *seencache.Cache, submitter Submitter, log *logrus.Logger) *Watcher {
	return &Watcher{
		cache:     cache,
		submitter: submitter,
		log:       log,
		sources:   make(map[types.Source]*sourceState),
	}
}

// Register adds adapter to the schedule at interval (or the spec
// default for its source when interval is zero). Must be called before
// Start.
func (w *Watcher) Register(adapter adapters.Adapter, interval time.Duration) {
	if interval <= 0 {
		interval = defaultIntervals[adapter.Source()]
		if interval <= 0 {
			interval = time.Minute
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources[adapter.Source()] = &sourceState{adapter: adapter, interval: interval}
}

// Start begins one polling loop per registered adapter. A no-op if
// already running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	states := make([]*sourceState, 0, len(w.sources))
	for _, st := range w.sources {
		states = append(states, st)
	}
	w.mu.Unlock()

	w.log.Info("starting security event watcher")

	// Poll every adapter once, concurrently, so the first batch of events
	// surfaces immediately instead of trickling in as each adapter's
	// ticker first fires.
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range states {
		st := st
		g.Go(func() error {
			w.poll(gctx, st)
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range states {
		loopCtx, cancel := context.WithCancel(ctx)
		st.cancelLoop = cancel
		w.wg.Add(1)
		go w.runLoop(loopCtx, st)
	}
}

// Stop halts every polling loop and waits for them to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for _, st := range w.sources {
		if st.cancelLoop != nil {
			st.cancelLoop()
		}
	}
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("security event watcher stopped")
}

func (w *Watcher) runLoop(ctx context.Context, st *sourceState) {
	defer w.wg.Done()

	source := st.adapter.Source()
	w.log.WithFields(logrus.Fields{"source": source, "interval": st.interval}).Info("starting source watch loop")

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx, st)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, st *sourceState) {
	source := st.adapter.Source()
	atomic.AddInt64(&st.scans, 1)
	st.lastScan.Store(time.Now())

	events, err := st.adapter.Poll(ctx)
	if err != nil {
		w.handleFailure(source, st, err)
		return
	}
	st.failures = 0

	newCount := 0
	for _, event := range events {
		signature := types.Signature(event)
		if !w.cache.IsNew(signature, event.IsPersistent()) {
			continue
		}
		newCount++
		atomic.AddInt64(&st.events, 1)
		w.log.WithFields(logrus.Fields{"source": source, "severity": event.Severity, "signature": signature}).
			Info("new security event")
		w.submitter.Submit(event)
	}

	if newCount > 0 {
		w.log.WithFields(logrus.Fields{"source": source, "count": newCount}).Info("handed off new events to orchestrator")
	}
}

// handleFailure logs and counts an adapter error without stopping other
// loops, emitting a HIGH severity meta-event after three consecutive
// failures of the same adapter, per spec.md §4.2.
func (w *Watcher) handleFailure(source types.Source, st *sourceState, err error) {
	st.failures++
	w.log.WithFields(logrus.Fields{"source": source, "error": err, "consecutive_failures": st.failures}).
		Error("adapter poll failed")

	if st.failures != consecutiveFailureThreshold {
		return
	}

	now := time.Now()
	metaEvent := types.SecurityEvent{
		EventID:   types.NewEventID(source, "adapter_failure", now),
		Source:    source,
		EventType: "adapter_failure",
		Severity:  types.SeverityHigh,
		Timestamp: now,
		Details: types.AdapterFailureDetails{
			FailingSource:     source,
			ConsecutiveErrors: st.failures,
			LastError:         err.Error(),
		},
	}
	w.submitter.Submit(metaEvent)
}

// Stats is a per-source snapshot for diagnostics/health endpoints.
type Stats struct {
	Source   types.Source
	Scans    int64
	Events   int64
	LastScan time.Time
	Failures int
}

// Statistics returns a snapshot of every registered source's counters.
func (w *Watcher) Statistics() []Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Stats, 0, len(w.sources))
	for source, st := range w.sources {
		last, _ := st.lastScan.Load().(time.Time)
		out = append(out, Stats{
			Source:   source,
			Scans:    atomic.LoadInt64(&st.scans),
			Events:   atomic.LoadInt64(&st.events),
			LastScan: last,
			Failures: st.failures,
		})
	}
	return out
}
