// Package fixers implements the four source-specific remediation fixers
// of spec.md §4.10: vulnerability (Trivy), network_ips (CrowdSec),
// host_ips (Fail2ban), and file_integrity (AIDE). Each follows the common
// shape spec.md names: extract a normalized view, compute a fix plan from
// the plan text, back up anything about to change, execute via
// pkg/command/pkg/service, verify, and roll back on verification failure.
package fixers

import (
	"context"
	"strings"

	"github.com/aegisops/aegis-controller/pkg/backup"
)

// Outcome is the common result shape every fixer returns.
type Outcome struct {
	Success    bool
	Message    string
	Method     string
	RolledBack bool
	Extra      map[string]string
}

// rollbackAll restores every backup taken for one fix attempt, in reverse
// order, continuing past individual restore failures — the shape every
// fixer's own `_rollback` follows in original_source.
func rollbackAll(ctx context.Context, m *backup.Manager, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	return m.RollbackBatch(ctx, ids)
}

// strategyHasAny reports whether any of keywords occurs in the
// lower-cased strategy text.
func strategyHasAny(strategy string, keywords ...string) bool {
	strategy = strings.ToLower(strategy)
	for _, kw := range keywords {
		if strings.Contains(strategy, kw) {
			return true
		}
	}
	return false
}
