// Package service implements the Service Manager of spec.md §4.9: start,
// stop, restart, and health-verify a fixed set of services. Grounded on
// original_source service_manager.py (ServiceManager, ServiceInfo,
// ServiceState).
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/command"
)

// State mirrors service_manager.py's ServiceState enum.
type State string

const (
	StateRunning  State = "RUNNING"
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateStopping State = "STOPPING"
	StateFailed   State = "FAILED"
	StateUnknown  State = "UNKNOWN"
)

// Info describes one managed service, translated from
// service_manager.py's ServiceInfo dataclass.
type Info struct {
	Name                    string
	Project                 string
	CheckCommand            string // pgrep-style process check
	StartCommand            string
	StopCommand             string
	HealthCheckURL          string
	GracefulShutdownTimeout time.Duration
}

// DefaultServices mirrors the five services service_manager.py tracks.
func DefaultServices() map[string]Info {
	return map[string]Info{
		"shadowops-bot": {
			Name: "shadowops-bot", Project: "shadowops-bot",
			CheckCommand: "pgrep -f 'python.*shadowops'",
			StartCommand: "systemctl start shadowops-bot",
			StopCommand:  "systemctl stop shadowops-bot",
			GracefulShutdownTimeout: 30 * time.Second,
		},
		"guildscout": {
			Name: "guildscout", Project: "guildscout",
			CheckCommand: "pgrep -f 'guildscout'",
			StartCommand: "systemctl start guildscout",
			StopCommand:  "systemctl stop guildscout",
			GracefulShutdownTimeout: 15 * time.Second,
		},
		"sicherheitstool": {
			Name: "sicherheitstool", Project: "sicherheitstool",
			CheckCommand:   "pgrep -f 'node.*project'",
			StartCommand:   "npm --prefix /home/cmdshadow/project start",
			StopCommand:    "pkill -f 'node.*project'",
			HealthCheckURL: "http://localhost:3001/health",
			// longer timeout: this is the production system
			GracefulShutdownTimeout: 60 * time.Second,
		},
		"nexus": {
			Name: "nexus", Project: "nexus",
			CheckCommand: "systemctl is-active nexus",
			StartCommand: "systemctl start nexus",
			StopCommand:  "systemctl stop nexus",
			GracefulShutdownTimeout: 120 * time.Second,
		},
		"postgresql": {
			Name: "postgresql", Project: "sicherheitstool",
			CheckCommand: "systemctl is-active postgresql",
			StartCommand: "systemctl start postgresql",
			StopCommand:  "systemctl stop postgresql",
			GracefulShutdownTimeout: 30 * time.Second,
		},
	}
}

// Manager starts, stops, and health-checks the registered services.
type Manager struct {
	services map[string]Info
	exec     *command.Executor
	http     *http.Client
	log      *logrus.Logger
	sleep    func(time.Duration)

	stops  int
	starts int
}

// New constructs a Manager over services (DefaultServices() for the
// standard registry).
func New(services map[string]Info, exec *command.Executor, log *logrus.Logger) *Manager {
	return &Manager{
		services: services,
		exec:     exec,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
		sleep:    time.Sleep,
	}
}

func (m *Manager) lookup(name string) (Info, error) {
	info, ok := m.services[name]
	if !ok {
		return Info{}, aerrors.Wrapf(aerrors.ErrNotFound, "service %q is not registered", name)
	}
	return info, nil
}

// GetState reports a service's current state by running its check
// command; pgrep/systemctl success means RUNNING, failure means STOPPED,
// an execution error means UNKNOWN.
func (m *Manager) GetState(ctx context.Context, name string) (State, error) {
	info, err := m.lookup(name)
	if err != nil {
		return StateUnknown, err
	}
	result, err := m.exec.Execute(ctx, info.CheckCommand, command.Options{Mode: command.ModeLive, Timeout: 5 * time.Second})
	if err != nil {
		return StateUnknown, nil
	}
	if result.Success {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Stop runs the service's stop command, polling state once per second up
// to GracefulShutdownTimeout; on timeout it force-kills the process.
// Returns true iff the final state is STOPPED.
func (m *Manager) Stop(ctx context.Context, name string) (bool, error) {
	info, err := m.lookup(name)
	if err != nil {
		return false, err
	}

	m.log.WithField("service", name).Info("stopping service")
	m.stops++

	if _, err := m.exec.Execute(ctx, info.StopCommand, command.Options{Mode: command.ModeLive, Sudo: boolPtr(true)}); err != nil {
		m.log.WithError(err).WithField("service", name).Warn("stop command failed to run")
	}

	deadline := time.Now().Add(info.GracefulShutdownTimeout)
	for time.Now().Before(deadline) {
		state, err := m.GetState(ctx, name)
		if err == nil && state == StateStopped {
			return true, nil
		}
		m.sleep(time.Second)
	}

	m.log.WithField("service", name).Warn("graceful stop timed out, force killing")
	if info.CheckCommand != "" {
		_, _ = m.exec.Execute(ctx, "pkill -9 -f '"+info.Name+"'", command.Options{Mode: command.ModeLive, Sudo: boolPtr(true)})
	}

	state, err := m.GetState(ctx, name)
	if err != nil {
		return false, err
	}
	return state == StateStopped, nil
}

// Start runs the service's start command, polls state up to 30s, and if
// waitForHealthy and a health-check URL are both set, polls health up to
// 60s. Returns true iff the service ends up running (and healthy).
func (m *Manager) Start(ctx context.Context, name string, waitForHealthy bool) (bool, error) {
	info, err := m.lookup(name)
	if err != nil {
		return false, err
	}

	m.log.WithField("service", name).Info("starting service")
	m.starts++

	result, err := m.exec.Execute(ctx, info.StartCommand, command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 60 * time.Second})
	if err != nil || !result.Success {
		return false, aerrors.Wrapf(aerrors.ErrVerificationFailed, "start command failed for %s", name)
	}

	if !m.waitForState(ctx, name, StateRunning, 30*time.Second) {
		return false, nil
	}

	if waitForHealthy && info.HealthCheckURL != "" {
		return m.waitForHealthy(ctx, info.HealthCheckURL, 60*time.Second), nil
	}
	return true, nil
}

func (m *Manager) waitForState(ctx context.Context, name string, want State, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		state, err := m.GetState(ctx, name)
		if err == nil && state == want {
			return true
		}
		m.sleep(time.Second)
	}
	return false
}

func (m *Manager) waitForHealthy(ctx context.Context, url string, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := m.http.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return true
				}
			}
		}
		m.sleep(time.Second)
	}
	return false
}

// Restart stops, waits 2s, then starts the service.
func (m *Manager) Restart(ctx context.Context, name string) (bool, error) {
	if _, err := m.Stop(ctx, name); err != nil {
		return false, err
	}
	m.sleep(2 * time.Second)
	return m.Start(ctx, name, true)
}

// StopBatch stops names in reverse order when reverseOrder is true (in
// the given order otherwise), ignoring individual
// failures and continuing through the whole list.
func (m *Manager) StopBatch(ctx context.Context, names []string, reverseOrder bool) map[string]bool {
	ordered := orderNames(names, reverseOrder)
	results := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		ok, err := m.Stop(ctx, name)
		if err != nil {
			m.log.WithError(err).WithField("service", name).Error("batch stop failed, continuing")
		}
		results[name] = ok
	}
	return results
}

// StartBatch starts names in the given order when forwardOrder is true
// (reversed otherwise), halting the batch
// on the first failure — an intentional asymmetry with StopBatch, per
// service_manager.py's start_services_batch.
func (m *Manager) StartBatch(ctx context.Context, names []string, forwardOrder bool) map[string]bool {
	ordered := orderNames(names, !forwardOrder)
	results := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		ok, err := m.Start(ctx, name, true)
		results[name] = ok
		if err != nil || !ok {
			m.log.WithField("service", name).Error("batch start failed, halting remaining services")
			break
		}
	}
	return results
}

func orderNames(names []string, reverse bool) []string {
	out := make([]string, len(names))
	copy(out, names)
	if !reverse {
		return out
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Stats summarizes service-manager activity.
type Stats struct {
	RegisteredServices int
	StopCalls          int
	StartCalls         int
}

func (m *Manager) Stats() Stats {
	return Stats{RegisteredServices: len(m.services), StopCalls: m.stops, StartCalls: m.starts}
}

func boolPtr(b bool) *bool { return &b }
