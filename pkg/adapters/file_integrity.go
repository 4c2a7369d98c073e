package adapters

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// defaultCriticalPaths mirrors fixers' aide_fixer.py-derived critical path
// table used when no override is configured.
var defaultCriticalPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/ssh/sshd_config",
	"/boot",
	"/etc/systemd/system",
}

var aideSectionPattern = regexp.MustCompile(`(?i)^(added|changed|removed)\s+entries:?\s*$`)

// FileIntegrityAdapter polls `aide --check` and reports new file changes,
// classifying severity per spec.md §4.1: CRITICAL under a configured
// critical-path prefix, HIGH otherwise. Grounded on original_source
// event_watcher.py's _get_aide_changes/_is_critical_file and
// fixers/aide_fixer.py's ChangeRecord shape.
type FileIntegrityAdapter struct {
	exec          *command.Executor
	criticalPaths []string
	log           *logrus.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func NewFileIntegrityAdapter(exec *command.Executor, criticalPaths []string, log *logrus.Logger) *FileIntegrityAdapter {
	if len(criticalPaths) == 0 {
		criticalPaths = defaultCriticalPaths
	}
	return &FileIntegrityAdapter{exec: exec, criticalPaths: criticalPaths, log: log, seen: make(map[string]bool)}
}

func (a *FileIntegrityAdapter) Source() types.Source { return types.SourceFileIntegrity }

func (a *FileIntegrityAdapter) Poll(ctx context.Context) ([]types.SecurityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, PollTimeout)
	defer cancel()

	// aide --check exits non-zero when changes are found; that is not a
	// tool failure, so the exit code is ignored and only stdout is parsed.
	result, err := a.exec.Execute(ctx, "aide --check", command.Options{
		Mode: command.ModeLive, Timeout: PollTimeout,
	})
	if err != nil {
		return nil, err
	}

	changes := parseAideOutput(result.Stdout)
	return a.newChanges(changes), nil
}

type aideChange struct {
	path string
	kind types.ChangeKind
}

func parseAideOutput(output string) []aideChange {
	var changes []aideChange
	var current types.ChangeKind

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := aideSectionPattern.FindStringSubmatch(line); m != nil {
			switch strings.ToLower(m[1]) {
			case "added":
				current = types.ChangeAdded
			case "changed":
				current = types.ChangeChanged
			case "removed":
				current = types.ChangeRemoved
			}
			continue
		}
		if current == "" || line == "" || strings.HasPrefix(line, "---") {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		if !strings.HasPrefix(path, "/") {
			continue
		}
		changes = append(changes, aideChange{path: path, kind: current})
	}
	return changes
}

func (a *FileIntegrityAdapter) newChanges(changes []aideChange) []types.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var events []types.SecurityEvent
	for _, c := range changes {
		key := fmt.Sprintf("%s:%s", c.path, c.kind)
		if a.seen[key] {
			continue
		}
		a.seen[key] = true

		now := time.Now()
		events = append(events, types.SecurityEvent{
			EventID:   types.NewEventID(types.SourceFileIntegrity, "integrity_violation", now),
			Source:    types.SourceFileIntegrity,
			EventType: "integrity_violation",
			Severity:  a.severityFor(c.path),
			Timestamp: now,
			Details: types.FileIntegrityDetails{
				Path:           c.path,
				Kind:           c.kind,
				ContentChanged: c.kind == types.ChangeChanged,
			},
		})
	}
	return events
}

func (a *FileIntegrityAdapter) severityFor(path string) types.Severity {
	for _, prefix := range a.criticalPaths {
		if strings.HasPrefix(path, prefix) {
			return types.SeverityCritical
		}
	}
	return types.SeverityHigh
}
