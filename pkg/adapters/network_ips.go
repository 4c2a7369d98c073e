package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

// crowdsecDecision mirrors the subset of `cscli decisions list -o json`
// this adapter reads.
type crowdsecDecision struct {
	Value    string `json:"value"`
	Scenario string `json:"scenario"`
	Duration string `json:"duration"`
}

// NetworkIPSAdapter polls CrowdSec's active decisions list. Every
// decision is HIGH severity per spec.md §4.1's fixed per-source rule.
// Grounded on original_source event_watcher.py's _get_crowdsec_decisions
// and fixers/crowdsec_fixer.py for the payload fields a fix needs.
type NetworkIPSAdapter struct {
	exec *command.Executor
	log  *logrus.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func NewNetworkIPSAdapter(exec *command.Executor, log *logrus.Logger) *NetworkIPSAdapter {
	return &NetworkIPSAdapter{exec: exec, log: log, seen: make(map[string]bool)}
}

func (a *NetworkIPSAdapter) Source() types.Source { return types.SourceNetworkIPS }

func (a *NetworkIPSAdapter) Poll(ctx context.Context) ([]types.SecurityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, PollTimeout)
	defer cancel()

	result, err := a.exec.Execute(ctx, "cscli decisions list -o json", command.Options{
		Mode: command.ModeLive, Timeout: PollTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, aerrors.Wrapf(aerrors.ErrTransient, "cscli decisions list exited non-zero: %s", result.ErrorMessage)
	}

	var decisions []crowdsecDecision
	if err := json.Unmarshal([]byte(result.Stdout), &decisions); err != nil {
		return nil, aerrors.Wrap(err, "parse cscli json output")
	}

	return a.newDecisions(decisions), nil
}

func (a *NetworkIPSAdapter) newDecisions(decisions []crowdsecDecision) []types.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var events []types.SecurityEvent
	for _, d := range decisions {
		key := fmt.Sprintf("%s:%s", d.Value, d.Scenario)
		if a.seen[key] {
			continue
		}
		a.seen[key] = true

		now := time.Now()
		events = append(events, types.SecurityEvent{
			EventID:   types.NewEventID(types.SourceNetworkIPS, "threat", now),
			Source:    types.SourceNetworkIPS,
			EventType: "threat",
			Severity:  types.SeverityHigh,
			Timestamp: now,
			Details: types.NetworkIPSDetails{
				IP:       d.Value,
				Scenario: d.Scenario,
				BanDur:   d.Duration,
			},
		})
	}
	return events
}
