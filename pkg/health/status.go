// Package health implements the Project Health Monitor of spec.md
// §4.11: an independent per-project HTTP polling loop that tracks
// uptime, detects incidents and recoveries, runs threshold-gated
// remediation, and emits a periodic dashboard snapshot. Grounded on
// original_source integrations/project_monitor.py, with the Discord
// dashboard/incident-manager wiring replaced by the generic
// pkg/notify.Notifier.
package health

import (
	"sync"
	"time"
)

// Config is one monitored project's polling configuration, mirroring
// project_monitor.py's ProjectStatus constructor defaults.
type Config struct {
	Name                  string
	URL                   string
	ExpectedStatus        int
	CheckInterval         time.Duration
	Timeout               time.Duration
	RemediationCommand    string
	RemediationThreshold  int
	LogFile               string
	LogPattern            string
	LogTailBytes          int64
}

// DefaultConfig returns a Config for name and url carrying
// project_monitor.py's literal defaults.
func DefaultConfig(name, url string) Config {
	return Config{
		Name:                 name,
		URL:                  url,
		ExpectedStatus:       200,
		CheckInterval:        60 * time.Second,
		Timeout:              10 * time.Second,
		RemediationThreshold: 3,
		LogTailBytes:         50000,
	}
}

// Status is the live, mutex-guarded state of one monitored project —
// the Go translation of project_monitor.py's ProjectStatus instance
// fields plus its uptime_percentage/average_response_time properties.
type Status struct {
	mu sync.Mutex

	name string

	isOnline             bool
	lastCheckTime        time.Time
	lastOnlineTime       time.Time
	lastOfflineTime      time.Time
	currentDowntimeStart time.Time
	remediationTriggered bool

	totalChecks      int
	successfulChecks int
	failedChecks     int
	responseTimes    []float64

	consecutiveFailures int
	lastError           string
}

const maxResponseTimes = 100

func newStatus(name string) *Status { return &Status{name: name} }

// Snapshot is an immutable copy of Status for reporting/dashboards.
type Snapshot struct {
	Name                    string
	IsOnline                bool
	UptimePercentage        float64
	TotalChecks             int
	SuccessfulChecks        int
	FailedChecks            int
	AverageResponseTimeMs   float64
	ConsecutiveFailures     int
	LastCheckTime           time.Time
	LastOnlineTime          time.Time
	LastOfflineTime         time.Time
	CurrentDowntimeDuration time.Duration
	LastError               string
}

func (s *Status) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	uptime := 0.0
	if s.totalChecks > 0 {
		uptime = float64(s.successfulChecks) / float64(s.totalChecks) * 100
	}

	avgResponse := 0.0
	if len(s.responseTimes) > 0 {
		sum := 0.0
		for _, t := range s.responseTimes {
			sum += t
		}
		avgResponse = sum / float64(len(s.responseTimes))
	}

	var downtime time.Duration
	if !s.isOnline && !s.currentDowntimeStart.IsZero() {
		downtime = time.Since(s.currentDowntimeStart)
	}

	return Snapshot{
		Name:                    s.name,
		IsOnline:                s.isOnline,
		UptimePercentage:        uptime,
		TotalChecks:             s.totalChecks,
		SuccessfulChecks:        s.successfulChecks,
		FailedChecks:            s.failedChecks,
		AverageResponseTimeMs:   avgResponse,
		ConsecutiveFailures:     s.consecutiveFailures,
		LastCheckTime:           s.lastCheckTime,
		LastOnlineTime:          s.lastOnlineTime,
		LastOfflineTime:         s.lastOfflineTime,
		CurrentDowntimeDuration: downtime,
		LastError:               s.lastError,
	}
}

// updateOnline records a successful check and reports whether the
// project was recovering from consecutive failures, mirroring
// ProjectStatus.update_online.
func (s *Status) updateOnline(responseTimeMs float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasRecovering := s.consecutiveFailures > 0

	s.isOnline = true
	now := time.Now()
	s.lastCheckTime = now
	s.lastOnlineTime = now
	s.totalChecks++
	s.successfulChecks++
	s.consecutiveFailures = 0
	s.currentDowntimeStart = time.Time{}
	s.remediationTriggered = false

	s.responseTimes = append(s.responseTimes, responseTimeMs)
	if len(s.responseTimes) > maxResponseTimes {
		s.responseTimes = s.responseTimes[1:]
	}

	return wasRecovering
}

// updateOffline records a failed check and reports whether this is a
// new incident (the project was previously online, or this is its first
// check), mirroring ProjectStatus.update_offline.
func (s *Status) updateOffline(errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline || s.totalChecks == 0

	s.isOnline = false
	now := time.Now()
	s.lastCheckTime = now
	s.lastOfflineTime = now
	s.totalChecks++
	s.failedChecks++
	s.consecutiveFailures++
	s.lastError = errMsg

	if wasOnline {
		s.currentDowntimeStart = now
	}

	return wasOnline
}

func (s *Status) shouldRemediate(threshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remediationTriggered || s.consecutiveFailures < threshold {
		return false
	}
	s.remediationTriggered = true
	return true
}
