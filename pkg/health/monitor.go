package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/notify"
)

const startupGraceDefault = 10 * time.Second
const dashboardUpdateInterval = 5 * time.Minute

// Monitor runs one independent polling goroutine per configured
// project, tracking uptime and dispatching incident/recovery
// notifications. It never touches the remediation pipeline directly —
// spec.md §5 requires the health monitor stay strictly independent of
// the orchestrator, so its only output is the Notifier and, on repeated
// failure, a configured shell command.
type Monitor struct {
	exec     *command.Executor
	notifier notify.Notifier
	log      *logrus.Logger
	client   *http.Client

	startupGrace time.Duration

	mu       sync.Mutex
	statuses map[string]*Status
	configs  map[string]Config
}

// New constructs a Monitor for the given project configs.
func New(configs []Config, exec *command.Executor, notifier notify.Notifier, log *logrus.Logger) *Monitor {
	m := &Monitor{
		exec:         exec,
		notifier:     notifier,
		log:          log,
		client:       &http.Client{},
		startupGrace: startupGraceDefault,
		statuses:     make(map[string]*Status),
		configs:      make(map[string]Config),
	}
	for _, cfg := range configs {
		m.statuses[cfg.Name] = newStatus(cfg.Name)
		m.configs[cfg.Name] = cfg
	}
	return m
}

// SetStartupGrace overrides the default 10s startup grace period each
// project's polling loop waits before its first check. Exposed mainly
// for tests; production callers can leave the default in place.
func (m *Monitor) SetStartupGrace(d time.Duration) { m.startupGrace = d }

// Run starts one goroutine per configured project plus the dashboard
// loop, blocking until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	m.mu.Lock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.monitorProject(ctx, name)
		}(name)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.dashboardLoop(ctx)
	}()

	wg.Wait()
}

func (m *Monitor) monitorProject(ctx context.Context, name string) {
	select {
	case <-time.After(m.startupGrace):
	case <-ctx.Done():
		return
	}

	for {
		cfg := m.configs[name]
		m.checkLogs(ctx, name, cfg)
		m.checkHealth(ctx, name, cfg)

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.CheckInterval):
		}
	}
}

// Probe runs one concurrent round of checkHealth across every configured
// project and returns the resulting snapshots, independent of each
// project's persistent CheckInterval loop started by Run. Backs the
// `aegisctl status` command's fleet-wide on-demand check.
func (m *Monitor) Probe(ctx context.Context) []Snapshot {
	m.mu.Lock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		cfg := m.configs[name]
		g.Go(func() error {
			m.checkHealth(gctx, name, cfg)
			return nil
		})
	}
	_ = g.Wait()

	return m.AllStatuses()
}

func (m *Monitor) checkHealth(ctx context.Context, name string, cfg Config) {
	if cfg.URL == "" {
		return
	}
	status := m.statuses[name]

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		m.handleFailure(ctx, name, cfg, status, err.Error())
		return
	}

	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	elapsedMs := float64(elapsed.Microseconds()) / 1000.0
	ProjectResponseSeconds.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		reason := "connection error: " + err.Error()
		if reqCtx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("timeout after %s", cfg.Timeout)
		}
		m.handleFailure(ctx, name, cfg, status, reason)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != cfg.ExpectedStatus {
		m.handleFailure(ctx, name, cfg, status,
			fmt.Sprintf("status %d (expected %d)", resp.StatusCode, cfg.ExpectedStatus))
		return
	}

	wasRecovering := status.updateOnline(elapsedMs)
	ProjectUp.WithLabelValues(name).Set(1)
	m.log.WithFields(logrus.Fields{"project": name, "ms": elapsedMs}).Info("project healthy")
	if wasRecovering {
		m.sendRecovery(ctx, name, status.snapshot())
	}
}

func (m *Monitor) handleFailure(ctx context.Context, name string, cfg Config, status *Status, reason string) {
	wasNewIncident := status.updateOffline(reason)
	ProjectUp.WithLabelValues(name).Set(0)
	m.log.WithFields(logrus.Fields{"project": name, "reason": reason}).Warn("project unhealthy")
	if wasNewIncident {
		m.sendIncident(ctx, name, status.snapshot(), reason)
	}
	m.attemptRemediation(ctx, name, cfg, status, reason)
}

// checkLogs scans the configured tail of a log file for a literal
// substring, mirroring project_monitor.py's _check_project_logs.
func (m *Monitor) checkLogs(ctx context.Context, name string, cfg Config) {
	if cfg.LogFile == "" || cfg.LogPattern == "" {
		return
	}
	info, err := os.Stat(cfg.LogFile)
	if err != nil {
		return
	}

	f, err := os.Open(cfg.LogFile)
	if err != nil {
		m.log.WithError(err).WithField("project", name).Warn("could not open log file")
		return
	}
	defer f.Close()

	startPos := int64(0)
	if info.Size() > cfg.LogTailBytes {
		startPos = info.Size() - cfg.LogTailBytes
	}
	if _, err := f.Seek(startPos, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return
	}

	if bytes.Contains(data, []byte(cfg.LogPattern)) {
		m.log.WithFields(logrus.Fields{"project": name, "pattern": cfg.LogPattern}).Warn("detected log pattern")
		status := m.statuses[name]
		if cfg.RemediationCommand != "" {
			m.attemptRemediation(ctx, name, cfg, status, "log pattern detected: "+cfg.LogPattern)
		}
	}
}

// attemptRemediation runs the configured shell command once per downtime
// episode after remediationThreshold consecutive failures, mirroring
// project_monitor.py's _attempt_remediation.
func (m *Monitor) attemptRemediation(ctx context.Context, name string, cfg Config, status *Status, reason string) {
	if cfg.RemediationCommand == "" {
		return
	}
	if !status.shouldRemediate(cfg.RemediationThreshold) {
		return
	}

	m.log.WithFields(logrus.Fields{"project": name, "reason": reason, "command": cfg.RemediationCommand}).
		Warn("running auto-remediation")

	result, err := m.exec.Execute(ctx, cfg.RemediationCommand, command.Options{Mode: command.ModeLive, Timeout: 5 * time.Minute})
	if err != nil || !result.Success {
		m.log.WithFields(logrus.Fields{"project": name, "error": err}).Error("remediation command failed")
	}
}

func (m *Monitor) sendIncident(ctx context.Context, name string, snap Snapshot, reason string) {
	if m.notifier == nil {
		return
	}
	_, err := m.notifier.Send(ctx, notify.ChannelCustomerAlerts, notify.Message{
		Title:    fmt.Sprintf("%s is DOWN", name),
		Body:     reason,
		Severity: "critical",
		Fields: map[string]string{
			"consecutive_failures": fmt.Sprintf("%d", snap.ConsecutiveFailures),
			"uptime_before":        fmt.Sprintf("%.2f%%", snap.UptimePercentage),
		},
	})
	if err != nil {
		m.log.WithError(err).WithField("project", name).Warn("failed to send incident notification")
	}
}

func (m *Monitor) sendRecovery(ctx context.Context, name string, snap Snapshot) {
	if m.notifier == nil {
		return
	}
	_, err := m.notifier.Send(ctx, notify.ChannelCustomerAlerts, notify.Message{
		Title:    fmt.Sprintf("%s is BACK ONLINE", name),
		Body:     fmt.Sprintf("recovered, avg response %.0fms", snap.AverageResponseTimeMs),
		Severity: "info",
		Fields: map[string]string{
			"uptime": fmt.Sprintf("%.2f%%", snap.UptimePercentage),
		},
	})
	if err != nil {
		m.log.WithError(err).WithField("project", name).Warn("failed to send recovery notification")
	}
}

func (m *Monitor) dashboardLoop(ctx context.Context) {
	for {
		m.sendDashboard(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(dashboardUpdateInterval):
		}
	}
}

func (m *Monitor) sendDashboard(ctx context.Context) {
	if m.notifier == nil {
		return
	}
	snapshots := m.AllStatuses()

	online := 0
	var lines []string
	for _, s := range snapshots {
		if s.IsOnline {
			online++
		}
		state := "offline"
		if s.IsOnline {
			state = "online"
		}
		lines = append(lines, fmt.Sprintf("%s: %s (%.1f%% uptime)", s.Name, state, s.UptimePercentage))
	}

	_, err := m.notifier.Send(ctx, notify.ChannelProjectUpdates, notify.Message{
		Title: fmt.Sprintf("%d/%d projects online", online, len(snapshots)),
		Body:  strings.Join(lines, "\n"),
	})
	if err != nil {
		m.log.WithError(err).Warn("failed to send dashboard update")
	}
}

// Status returns a point-in-time snapshot for name, or false if name is
// not configured.
func (m *Monitor) Status(name string) (Snapshot, bool) {
	m.mu.Lock()
	status, ok := m.statuses[name]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return status.snapshot(), true
}

// AllStatuses returns a snapshot for every configured project.
func (m *Monitor) AllStatuses() []Snapshot {
	m.mu.Lock()
	statuses := make([]*Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		statuses = append(statuses, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.snapshot())
	}
	return out
}
