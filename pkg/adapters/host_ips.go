package adapters

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

var bannedIPv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// HostIPSAdapter polls `fail2ban-client status <jail>` for each
// configured jail and reports newly banned IPs, always MEDIUM severity
// per spec.md §4.1's fixed per-source rule. Grounded on original_source
// event_watcher.py's _get_fail2ban_bans and fixers/fail2ban_fixer.py for
// the payload fields a fix needs.
type HostIPSAdapter struct {
	exec  *command.Executor
	jails []string
	log   *logrus.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func NewHostIPSAdapter(exec *command.Executor, jails []string, log *logrus.Logger) *HostIPSAdapter {
	if len(jails) == 0 {
		jails = []string{"sshd"}
	}
	return &HostIPSAdapter{exec: exec, jails: jails, log: log, seen: make(map[string]bool)}
}

func (a *HostIPSAdapter) Source() types.Source { return types.SourceHostIPS }

func (a *HostIPSAdapter) Poll(ctx context.Context) ([]types.SecurityEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, PollTimeout)
	defer cancel()

	var events []types.SecurityEvent
	for _, jail := range a.jails {
		ips, err := a.bannedIPs(ctx, jail)
		if err != nil {
			a.log.WithError(err).WithField("jail", jail).Warn("fail2ban-client status failed, skipping jail this cycle")
			continue
		}
		events = append(events, a.newBans(jail, ips)...)
	}
	return events, nil
}

func (a *HostIPSAdapter) bannedIPs(ctx context.Context, jail string) ([]string, error) {
	result, err := a.exec.Execute(ctx, "fail2ban-client status "+jail, command.Options{
		Mode: command.ModeLive, Timeout: PollTimeout,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, nil
	}
	return bannedIPv4Pattern.FindAllString(result.Stdout, -1), nil
}

func (a *HostIPSAdapter) newBans(jail string, ips []string) []types.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	var events []types.SecurityEvent
	for _, ip := range ips {
		key := fmt.Sprintf("%s:%s", jail, ip)
		if a.seen[key] {
			continue
		}
		a.seen[key] = true

		now := time.Now()
		events = append(events, types.SecurityEvent{
			EventID:   types.NewEventID(types.SourceHostIPS, "ban", now),
			Source:    types.SourceHostIPS,
			EventType: "ban",
			Severity:  types.SeverityMedium,
			Timestamp: now,
			Details:   types.HostIPSDetails{IP: ip, Jail: jail},
		})
	}
	return events
}
