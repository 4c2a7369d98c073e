// Package adapters implements the four Source Adapters of spec.md §4.1:
// a narrow poll-only interface over the vulnerability scanner, network
// threat feed, host intrusion-prevention tool, and file-integrity
// monitor. Grounded on original_source event_watcher.py's
// _get_trivy_results/_get_crowdsec_decisions/_get_fail2ban_bans/
// _get_aide_changes and the matching fixers/*.py files for payload
// shape; the shell invocations themselves (trivy/cscli/fail2ban-client/
// aide) are new, since the original only ever called in-process
// integration objects rather than shelling out.
package adapters

import (
	"context"
	"time"

	"github.com/aegisops/aegis-controller/pkg/types"
)

// Adapter polls one security tool and returns every event observed since
// the last call. Implementations must be idempotent (no underlying
// change ⇒ empty result) and must not deduplicate across process
// restarts; that is the Event Watcher's job.
type Adapter interface {
	Source() types.Source
	Poll(ctx context.Context) ([]types.SecurityEvent, error)
}

// PollTimeout is the default bound every adapter's Poll must respect, per
// spec.md §4.1; a caller that exceeds it treats the error as "no new
// events this cycle" rather than a fatal condition.
const PollTimeout = 30 * time.Second
