package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// resultsQuery normalizes the two JSON shapes trivy has shipped for
// `--format json`: older releases emit a bare array of per-target
// results, current releases wrap it in a top-level object under
// "Results". `.Results // .` takes the field when present and falls
// back to the root document otherwise, so scanImage never needs to
// special-case trivy's output version.
var resultsQuery = gojq.MustParse(".Results // .")

// trivyResult mirrors the subset of `trivy image --format json` this
// adapter reads: one entry per target, each carrying its own findings.
type trivyResult struct {
	Target          string           `json:"Target"`
	Vulnerabilities []trivyVulnEntry `json:"Vulnerabilities"`
}

type trivyVulnEntry struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
}

// VulnerabilityAdapter polls `trivy image` for each configured image and
// reports each new CVE finding as its own event, carrying that finding's
// own severity; it emits no per-image event rated at the scan's highest
// finding. Grounded on original_source
// event_watcher.py's _get_trivy_results and fixers/trivy_fixer.py for the
// payload fields a fix needs.
type VulnerabilityAdapter struct {
	exec   *command.Executor
	images []string
	log    *logrus.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewVulnerabilityAdapter constructs an adapter that scans images in
// order on each Poll.
func NewVulnerabilityAdapter(exec *command.Executor, images []string, log *logrus.Logger) *VulnerabilityAdapter {
	return &VulnerabilityAdapter{exec: exec, images: images, log: log, seen: make(map[string]bool)}
}

func (a *VulnerabilityAdapter) Source() types.Source { return types.SourceVulnerabilityScan }

func (a *VulnerabilityAdapter) Poll(ctx context.Context) ([]types.SecurityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, PollTimeout)
	defer cancel()

	var events []types.SecurityEvent
	for _, image := range a.images {
		results, err := a.scanImage(ctx, image)
		if err != nil {
			a.log.WithError(err).WithField("image", image).Warn("trivy scan failed, skipping image this cycle")
			continue
		}
		events = append(events, a.newFindings(image, results)...)
	}
	return events, nil
}

func (a *VulnerabilityAdapter) scanImage(ctx context.Context, image string) ([]trivyResult, error) {
	result, err := a.exec.Execute(ctx, fmt.Sprintf("trivy image --format json --quiet %s", image), command.Options{
		Mode: command.ModeLive, Timeout: PollTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, aerrors.Wrapf(aerrors.ErrTransient, "trivy image exited non-zero: %s", result.ErrorMessage)
	}

	var raw any
	if err := json.Unmarshal([]byte(result.Stdout), &raw); err != nil {
		return nil, aerrors.Wrap(err, "parse trivy json output")
	}

	resultsAny, ok := resultsQuery.Run(raw).Next()
	if !ok {
		return nil, aerrors.Wrap(aerrors.ErrTransient, "trivy json output had no Results field")
	}
	if jqErr, ok := resultsAny.(error); ok {
		return nil, aerrors.Wrap(jqErr, "evaluate trivy results query")
	}

	normalized, err := json.Marshal(resultsAny)
	if err != nil {
		return nil, aerrors.Wrap(err, "re-marshal trivy results")
	}

	var results []trivyResult
	if err := json.Unmarshal(normalized, &results); err != nil {
		return nil, aerrors.Wrap(err, "decode trivy results")
	}
	return results, nil
}

// newFindings emits one event per CVE finding not yet returned by a prior
// Poll of this image, enforcing this adapter's own idempotency (distinct
// from the Event Watcher's cross-restart dedup cache).
func (a *VulnerabilityAdapter) newFindings(image string, results []trivyResult) []types.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var events []types.SecurityEvent
	for _, result := range results {
		for _, v := range result.Vulnerabilities {
			key := fmt.Sprintf("%s:%s:%s", v.VulnerabilityID, v.PkgName, v.InstalledVersion)
			if a.seen[key] {
				continue
			}
			a.seen[key] = true

			now := time.Now()
			events = append(events, types.SecurityEvent{
				EventID:   types.NewEventID(types.SourceVulnerabilityScan, "vulnerability", now),
				Source:    types.SourceVulnerabilityScan,
				EventType: "vulnerability",
				Severity:  normalizeSeverity(v.Severity),
				Timestamp: now,
				Details: types.VulnerabilityDetails{
					CVE:              v.VulnerabilityID,
					Package:          v.PkgName,
					InstalledVersion: v.InstalledVersion,
					FixedVersion:     v.FixedVersion,
					Image:            image,
				},
			})
		}
	}
	return events
}

func normalizeSeverity(s string) types.Severity {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return types.SeverityCritical
	case "HIGH":
		return types.SeverityHigh
	case "MEDIUM":
		return types.SeverityMedium
	case "LOW":
		return types.SeverityLow
	default:
		return types.SeverityUnknown
	}
}
