// Package impact implements the Impact Analyzer of spec.md §4.8: mapping
// an event's source, affected paths, and a proposed fix strategy to a
// severity, downtime estimate, service ordering, and approval gate.
// Grounded on original_source impact_analyzer.py (ImpactAnalyzer,
// PROJECTS registry, PROTECTED_PATHS).
package impact

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// Severity mirrors spec.md §4.8's impact_severity enum.
type Severity string

const (
	SeverityNone        Severity = "NONE"
	SeverityMinimal     Severity = "MINIMAL"
	SeverityModerate    Severity = "MODERATE"
	SeveritySignificant Severity = "SIGNIFICANT"
	SeverityCritical    Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityNone: 0, SeverityMinimal: 1, SeverityModerate: 2, SeveritySignificant: 3, SeverityCritical: 4,
}

func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// downtimeBaseSeconds mirrors impact_analyzer.py's per-severity base
// estimate.
var downtimeBaseSeconds = map[Severity]int{
	SeverityNone: 0, SeverityMinimal: 0, SeverityModerate: 30, SeveritySignificant: 60, SeverityCritical: 120,
}

// Project describes one managed application in the fixed project
// registry, translated verbatim from impact_analyzer.py's PROJECTS map.
type Project struct {
	Name             string
	Path             string
	Priority         int // 1 = highest priority
	Production       bool
	Processes        []string
	Dependencies     []string
	Ports            []int
	CriticalPaths    map[string]bool
	SafeOperations   map[string]bool
	RequiresApproval map[string]bool
}

// ProtectedPaths are system paths that must never be touched without
// CRITICAL severity and mandatory approval.
var ProtectedPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/ssh",
	"/boot",
	"/etc/systemd/system",
	"/etc/postgresql",
}

// DefaultProjects mirrors the four projects impact_analyzer.py tracks:
// shadowops-bot and guildscout are internal tooling, sicherheitstool is
// the sole production/customer-facing project, nexus is a backend service.
func DefaultProjects() map[string]Project {
	return map[string]Project{
		"shadowops-bot": {
			Name: "shadowops-bot", Path: "/home/cmdshadow/shadowops-bot", Priority: 1,
			Processes: []string{"python.*shadowops"},
			SafeOperations: map[string]bool{"restart": true, "update_dependencies": true},
		},
		"guildscout": {
			Name: "guildscout", Path: "/home/cmdshadow/GuildScout", Priority: 2,
			Processes: []string{"python.*guildscout", "node.*guildscout"},
			SafeOperations: map[string]bool{"restart": true},
		},
		"sicherheitstool": {
			Name: "sicherheitstool", Path: "/home/cmdshadow/project", Priority: 3, Production: true,
			Processes:        []string{"node.*project", "npm.*project"},
			Dependencies:     []string{"postgresql"},
			Ports:            []int{3001},
			CriticalPaths:    map[string]bool{"/home/cmdshadow/project/.env": true, "/home/cmdshadow/project/database": true},
			RequiresApproval: map[string]bool{"database": true, "migration": true, "schema": true},
		},
		"nexus": {
			Name: "nexus", Path: "/home/cmdshadow/nexus", Priority: 2,
			Processes: []string{"java.*nexus"},
			Ports:     []int{8081},
		},
	}
}

// Assessment is the structured result spec.md §4.8 names ImpactAssessment.
type Assessment struct {
	AffectedProjects        []string
	Severity                Severity
	DowntimeEstimateSeconds int
	Risks                   []string
	MitigationSteps         []string
	ServiceOrder            []string
	RequiresApproval        bool
	ApprovalReason          string
}

// Analyzer evaluates the blast radius of a proposed remediation before it
// runs.
type Analyzer struct {
	projects map[string]Project
	exec     *command.Executor
	log      *logrus.Logger
}

// New constructs an Analyzer over projects (DefaultProjects() for the
// standard registry). exec is used for pgrep-based project status checks.
func New(projects map[string]Project, exec *command.Executor, log *logrus.Logger) *Analyzer {
	return &Analyzer{projects: projects, exec: exec, log: log}
}

// Analyze implements spec.md §4.8's analyze operation. affectedPaths and
// fixStrategy are both optional; planConfidence is the upstream plan's
// confidence score, used by the approval gate.
func (a *Analyzer) Analyze(ctx context.Context, source types.Source, affectedPaths []string, fixStrategy string, planConfidence float64) Assessment {
	strategy := strings.ToLower(fixStrategy)

	affected := a.determineAffectedProjects(source, affectedPaths, strategy)
	severity := a.assessSeverity(source, affected, affectedPaths, strategy)
	downtime := a.estimateDowntime(severity, len(affected), strategy)
	risks, mitigations := a.identifyRisksAndMitigation(affected, severity, strategy)
	order := a.determineServiceOrder(affected)
	requiresApproval, reason := a.checkApprovalRequirement(severity, affected, affectedPaths, strategy, planConfidence, source)

	return Assessment{
		AffectedProjects:        affected,
		Severity:                severity,
		DowntimeEstimateSeconds: downtime,
		Risks:                   risks,
		MitigationSteps:         mitigations,
		ServiceOrder:            order,
		RequiresApproval:        requiresApproval,
		ApprovalReason:          reason,
	}
}

// ProjectStatus mirrors impact_analyzer.py's ProjectStatus enum.
type ProjectStatus string

const (
	StatusRunning ProjectStatus = "RUNNING"
	StatusStopped ProjectStatus = "STOPPED"
	StatusUnknown ProjectStatus = "UNKNOWN"
)

// CheckProjectStatus pgreps each registered project's process patterns
// concurrently and reports RUNNING/STOPPED/UNKNOWN per project. Grounded
// on impact_analyzer.py's check_all_project_status /
// _check_single_project_status, which run the same per-project checks via
// asyncio.gather; goroutines plus a WaitGroup are the Go idiom for the
// same "independent, no shared state" concurrency.
func (a *Analyzer) CheckProjectStatus(ctx context.Context) map[string]ProjectStatus {
	results := make(map[string]ProjectStatus, len(a.projects))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, project := range a.projects {
		wg.Add(1)
		go func(name string, project Project) {
			defer wg.Done()
			status := a.checkSingleProjectStatus(ctx, project)
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, project)
	}
	wg.Wait()
	return results
}

func (a *Analyzer) checkSingleProjectStatus(ctx context.Context, project Project) ProjectStatus {
	for _, pattern := range project.Processes {
		result, err := a.exec.Execute(ctx, fmt.Sprintf("pgrep -f %q", pattern), command.Options{
			Mode: command.ModeLive, Timeout: 5 * time.Second,
		})
		if err != nil {
			a.log.WithError(err).WithField("project", project.Name).Warn("failed to check project status")
			return StatusUnknown
		}
		if result.Success {
			return StatusRunning
		}
	}
	return StatusStopped
}

// determineAffectedProjects: (a) path-prefix match against project roots
// and declared critical paths, (b) source-specific defaults, (c) textual
// match of project names in the strategy description. Falls back to
// {shadowops-bot} when nothing else matched, per impact_analyzer.py.
func (a *Analyzer) determineAffectedProjects(source types.Source, affectedPaths []string, strategy string) []string {
	matched := make(map[string]bool)

	for _, path := range affectedPaths {
		for name, p := range a.projects {
			if strings.HasPrefix(path, p.Path) {
				matched[name] = true
				continue
			}
			for critical := range p.CriticalPaths {
				if strings.HasPrefix(path, critical) {
					matched[name] = true
				}
			}
		}
	}

	for name := range a.projects {
		if strings.Contains(strategy, strings.ToLower(name)) {
			matched[name] = true
		}
	}

	if len(matched) == 0 {
		switch source {
		case types.SourceVulnerabilityScan:
			matched["shadowops-bot"] = true
			matched["guildscout"] = true
		case types.SourceNetworkIPS, types.SourceHostIPS:
			matched["shadowops-bot"] = true
		case types.SourceFileIntegrity:
			for _, path := range affectedPaths {
				for name, p := range a.projects {
					if strings.HasPrefix(path, p.Path) {
						matched[name] = true
					}
				}
			}
		}
	}

	if len(matched) == 0 {
		matched["shadowops-bot"] = true
	}

	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var dbStrategyPattern = regexp.MustCompile(`database|schema|migration`)
var restartStrategyPattern = regexp.MustCompile(`restart|reload|stop`)
var upgradeStrategyPattern = regexp.MustCompile(`update|upgrade|rebuild`)

// assessSeverity implements impact_analyzer.py's _assess_severity decision
// table, in priority order.
func (a *Analyzer) assessSeverity(source types.Source, affected []string, affectedPaths []string, strategy string) Severity {
	for _, path := range affectedPaths {
		for _, protected := range ProtectedPaths {
			if strings.HasPrefix(path, protected) {
				return SeverityCritical
			}
		}
	}

	if a.anyProduction(affected) {
		return SeveritySignificant
	}

	if dbStrategyPattern.MatchString(strategy) {
		return SeverityCritical
	}

	severity := SeverityMinimal
	if restartStrategyPattern.MatchString(strategy) || upgradeStrategyPattern.MatchString(strategy) {
		severity = maxSeverity(severity, SeverityModerate)
	}

	switch source {
	case types.SourceFileIntegrity:
		severity = maxSeverity(severity, SeveritySignificant)
	case types.SourceVulnerabilityScan:
		severity = maxSeverity(severity, SeverityModerate)
	case types.SourceNetworkIPS, types.SourceHostIPS:
		severity = maxSeverity(severity, SeverityMinimal)
	}

	return severity
}

func (a *Analyzer) anyProduction(affected []string) bool {
	for _, name := range affected {
		if p, ok := a.projects[name]; ok && p.Production {
			return true
		}
	}
	return false
}

// estimateDowntime mirrors impact_analyzer.py's _estimate_downtime
// formula.
func (a *Analyzer) estimateDowntime(severity Severity, affectedCount int, strategy string) int {
	total := downtimeBaseSeconds[severity]
	total += 10 * affectedCount
	if strings.Contains(strategy, "rebuild") || strings.Contains(strategy, "compile") {
		total += 120
	}
	if strings.Contains(strategy, "database") {
		total += 60
	}
	if strings.Contains(strategy, "restart") {
		total += 15
	}
	return total
}

// identifyRisksAndMitigation produces human-readable risk/mitigation
// narratives, grounded on impact_analyzer.py's _identify_risks /
// _generate_mitigation.
func (a *Analyzer) identifyRisksAndMitigation(affected []string, severity Severity, strategy string) ([]string, []string) {
	var risks, mitigation []string

	mitigation = append(mitigation, "always backup before applying changes")

	if severity == SeverityCritical {
		risks = append(risks, "change touches a system-protected path")
		mitigation = append(mitigation, "require explicit human approval before proceeding")
	}

	for _, name := range affected {
		p, ok := a.projects[name]
		if !ok {
			continue
		}
		if p.Production {
			risks = append(risks, name+" is a production system; downtime affects customers")
			mitigation = append(mitigation, "gracefully stop "+name+" and notify customers of maintenance window")
		}
		if len(p.Dependencies) > 0 {
			risks = append(risks, name+" depends on "+strings.Join(p.Dependencies, ", ")+"; ordering matters")
		}
	}

	if strings.Contains(strategy, "rebuild") || strings.Contains(strategy, "compile") {
		risks = append(risks, "rebuild may fail or take significantly longer than estimated")
		mitigation = append(mitigation, "verify build succeeds before replacing the running image")
	}
	if strings.Contains(strategy, "database") {
		risks = append(risks, "database operation carries data-loss risk")
		mitigation = append(mitigation, "take a database backup and verify restore path before proceeding")
	}

	mitigation = append(mitigation, "verify service health after each step before continuing")

	return risks, mitigation
}

// determineServiceOrder returns one ordering of the affected projects:
// descending Priority value (least important first), with each project's
// dependencies placed ahead of it. The orchestrator stops and later
// restarts services in this same order; no separate start order is built.
func (a *Analyzer) determineServiceOrder(affected []string) []string {
	type ranked struct {
		name     string
		priority int
	}
	ordered := make([]ranked, 0, len(affected))
	for _, name := range affected {
		p := a.projects[name]
		ordered = append(ordered, ranked{name: name, priority: p.Priority})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority > ordered[j].priority })

	var order []string
	placed := make(map[string]bool)
	var place func(name string)
	place = func(name string) {
		if placed[name] {
			return
		}
		p, ok := a.projects[name]
		if ok {
			for _, dep := range p.Dependencies {
				if !placed[dep] {
					place(dep)
				}
			}
		}
		order = append(order, name)
		placed[name] = true
	}
	for _, r := range ordered {
		place(r.name)
	}
	return order
}

// checkApprovalRequirement implements impact_analyzer.py's
// _check_approval_requirement, including its final PARANOID-mode
// default-true fallback (spec.md §4.1's default operating mode).
func (a *Analyzer) checkApprovalRequirement(severity Severity, affected []string, affectedPaths []string, strategy string, planConfidence float64, source types.Source) (bool, string) {
	if severity == SeverityCritical {
		for _, path := range affectedPaths {
			for _, protected := range ProtectedPaths {
				if strings.HasPrefix(path, protected) {
					return true, "Protected system path: " + path
				}
			}
		}
		return true, "Critical severity change"
	}

	if a.anyProduction(affected) {
		return true, "Production system affected"
	}

	for _, name := range affected {
		p, ok := a.projects[name]
		if !ok {
			continue
		}
		for keyword := range p.RequiresApproval {
			if strings.Contains(strategy, keyword) {
				return true, name + " requires approval for " + keyword + " changes"
			}
		}
	}

	if planConfidence < 0.85 {
		return true, "plan confidence below threshold"
	}

	if source == types.SourceFileIntegrity {
		return true, "file integrity events always require approval"
	}

	return true, "PARANOID mode: all changes require approval"
}
