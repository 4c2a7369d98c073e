package fixers

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/backup"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

type networkMethod string

const (
	networkMethodUFWPermanent   networkMethod = "ufw_permanent"
	networkMethodCrowdSecExtend networkMethod = "crowdsec_extended"
	networkMethodRangeBlocking  networkMethod = "range_blocking"
	networkMethodCombined       networkMethod = "combined"
)

// NetworkIPSFixer blocks malicious IPs reported by the network threat
// feed: a permanent UFW deny, an extended CrowdSec ban decision, a
// subnet-wide block when enough offenders share a /24, or a combination.
// Grounded on original_source fixers/crowdsec_fixer.py.
type NetworkIPSFixer struct {
	exec      *command.Executor
	backup    *backup.Manager
	log       *logrus.Logger
	whitelist map[string]bool
}

// NewNetworkIPSFixer constructs a NetworkIPSFixer with the upstream's
// default whitelist (loopback addresses).
func NewNetworkIPSFixer(exec *command.Executor, bm *backup.Manager, log *logrus.Logger) *NetworkIPSFixer {
	return &NetworkIPSFixer{
		exec:   exec,
		backup: bm,
		log:    log,
		whitelist: map[string]bool{
			"127.0.0.1": true,
			"::1":       true,
		},
	}
}

// AddToWhitelist marks ip as never to be blocked.
func (f *NetworkIPSFixer) AddToWhitelist(ip string) { f.whitelist[ip] = true }

// RemoveFromWhitelist reverses AddToWhitelist.
func (f *NetworkIPSFixer) RemoveFromWhitelist(ip string) { delete(f.whitelist, ip) }

// Whitelist returns the current whitelist set.
func (f *NetworkIPSFixer) Whitelist() []string {
	out := make([]string, 0, len(f.whitelist))
	for ip := range f.whitelist {
		out = append(out, ip)
	}
	return out
}

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// Fix blocks the IPs carried by events according to the strategy text.
// Whitelisted IPs are refused with ErrRefusedUnsafe rather than silently
// dropped, per spec.md §4.10's validation rule.
func (f *NetworkIPSFixer) Fix(ctx context.Context, events []types.SecurityEvent, strategy string) (Outcome, error) {
	ips := f.extractIPs(events, strategy)
	if len(ips) == 0 {
		return Outcome{Success: false, Message: "no IPs found in event"}, aerrors.Wrap(aerrors.ErrNotFound, "no IPs to block")
	}

	valid, err := f.validateIPs(ips)
	if err != nil {
		return Outcome{Success: false, Message: err.Error()}, err
	}
	if len(valid) == 0 {
		return Outcome{Success: false, Message: "no valid, non-whitelisted IPs to block"}, nil
	}

	method := f.determineMethod(strategy)
	f.log.WithFields(logrus.Fields{"method": method, "ips": valid}).Info("starting network IPS fix")

	var backupID string
	if id, err := f.backupUFW(ctx); err == nil {
		backupID = id
	}

	var fixErr error
	switch method {
	case networkMethodUFWPermanent:
		fixErr = f.blockIPsUFW(ctx, valid)
	case networkMethodCrowdSecExtend:
		fixErr = f.extendCrowdSecDecisions(ctx, valid, strategy)
	case networkMethodRangeBlocking:
		fixErr = f.blockIPRanges(ctx, valid)
	case networkMethodCombined:
		ufwErr := f.blockIPsUFW(ctx, valid)
		csErr := f.extendCrowdSecDecisions(ctx, valid, strategy)
		if ufwErr != nil && csErr != nil {
			fixErr = aerrors.Wrap(ufwErr, "combined block failed on both ufw and crowdsec")
		}
	}

	if fixErr != nil {
		if backupID != "" {
			rollbackAll(ctx, f.backup, []string{backupID})
		}
		return Outcome{Success: false, Message: fixErr.Error(), Method: string(method), RolledBack: backupID != ""}, fixErr
	}

	verified := f.verifyBlocking(ctx, valid)
	if !verified {
		if backupID != "" {
			rollbackAll(ctx, f.backup, []string{backupID})
		}
		return Outcome{Success: false, Message: "verification failed: firewall rule not found", Method: string(method), RolledBack: backupID != ""},
			aerrors.Wrap(aerrors.ErrVerificationFailed, "ufw rule not found after block")
	}

	return Outcome{
		Success: true,
		Message: fmt.Sprintf("blocked %d IP(s) via %s", len(valid), method),
		Method:  string(method),
		Extra:   map[string]string{"blocked_count": strconv.Itoa(len(valid))},
	}, nil
}

func (f *NetworkIPSFixer) extractIPs(events []types.SecurityEvent, strategy string) []string {
	seen := make(map[string]bool)
	var ips []string
	add := func(ip string) {
		if ip != "" && !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	for _, e := range events {
		if d, ok := e.Details.(types.NetworkIPSDetails); ok {
			add(d.IP)
		}
	}
	for _, ip := range ipv4Pattern.FindAllString(strategy, -1) {
		add(ip)
	}
	return ips
}

// validateIPs checks IP syntax and refuses whitelisted/loopback entries
// with a distinct error rather than dropping them silently. Private IPs
// are allowed through with a logged warning, matching crowdsec_fixer.py.
func (f *NetworkIPSFixer) validateIPs(ips []string) ([]string, error) {
	var valid []string
	for _, raw := range ips {
		parsed := net.ParseIP(raw)
		if parsed == nil {
			f.log.WithField("ip", raw).Warn("skipping malformed IP")
			continue
		}
		if f.whitelist[raw] {
			return nil, aerrors.Wrapf(aerrors.ErrRefusedUnsafe, "refusing to block whitelisted IP %s", raw)
		}
		if parsed.IsLoopback() {
			return nil, aerrors.Wrapf(aerrors.ErrRefusedUnsafe, "refusing to block loopback IP %s", raw)
		}
		if parsed.IsPrivate() {
			f.log.WithField("ip", raw).Warn("blocking private IP, proceeding anyway")
		}
		valid = append(valid, raw)
	}
	return valid, nil
}

// determineMethod mirrors crowdsec_fixer.py's _determine_fix_method,
// including the literal "both" synonym for combined that the upstream
// source uses (unlike the other fixers, which only recognize
// "combined" — see DESIGN.md Open Question 1).
func (f *NetworkIPSFixer) determineMethod(strategy string) networkMethod {
	strategy = strings.ToLower(strategy)
	switch {
	case strategyHasAny(strategy, "combined", "both"):
		return networkMethodCombined
	case strategyHasAny(strategy, "range", "subnet"):
		return networkMethodRangeBlocking
	case strategyHasAny(strategy, "extended", "duration"):
		return networkMethodCrowdSecExtend
	case strategyHasAny(strategy, "ufw", "firewall"):
		return networkMethodUFWPermanent
	default:
		return networkMethodUFWPermanent
	}
}

// backupUFW snapshots `ufw status numbered` to a temp file and backs that
// file up, mirroring crowdsec_fixer.py's _create_backup.
func (f *NetworkIPSFixer) backupUFW(ctx context.Context) (string, error) {
	snapshot, err := f.exec.Execute(ctx, "ufw status numbered", command.Options{Mode: command.ModeLive, Timeout: 10 * time.Second})
	if err != nil || !snapshot.Success {
		return "", aerrors.Wrap(aerrors.ErrVerificationFailed, "could not capture ufw status for backup")
	}

	tmp, err := os.CreateTemp("", "ufw_status_*.txt")
	if err != nil {
		return "", aerrors.Wrap(err, "create ufw snapshot temp file")
	}
	defer tmp.Close()
	if _, err := tmp.WriteString(snapshot.Stdout); err != nil {
		return "", aerrors.Wrap(err, "write ufw snapshot")
	}

	info, err := f.backup.Create(ctx, tmp.Name(), backup.TypeFile, map[string]string{"fixer": "network_ips"})
	if err != nil {
		return "", err
	}
	return info.BackupID, nil
}

func (f *NetworkIPSFixer) blockIPsUFW(ctx context.Context, ips []string) error {
	for _, ip := range ips {
		result, err := f.exec.Execute(ctx, "ufw deny from "+ip, command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
		if err != nil || !result.Success {
			f.log.WithField("ip", ip).Warn("ufw deny failed, continuing")
		}
	}
	result, err := f.exec.Execute(ctx, "ufw reload", command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	if !result.Success {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "ufw reload failed")
	}
	return nil
}

var durationPattern = regexp.MustCompile(`(\d+)\s*(h|hour|d|day)`)

func (f *NetworkIPSFixer) extendCrowdSecDecisions(ctx context.Context, ips []string, strategy string) error {
	duration := "24h"
	if m := durationPattern.FindStringSubmatch(strategy); len(m) > 2 {
		unit := "h"
		if strings.HasPrefix(m[2], "d") {
			unit = "d"
		}
		duration = m[1] + unit
	}
	for _, ip := range ips {
		cmd := fmt.Sprintf("cscli decisions add --ip %s --duration %s --type ban --reason 'automated remediation'", ip, duration)
		if _, err := f.exec.Execute(ctx, cmd, command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 15 * time.Second}); err != nil {
			f.log.WithField("ip", ip).Warn("crowdsec decision add failed, continuing")
		}
	}
	return nil
}

// blockIPRanges groups IPs by /24 subnet, blocking subnets shared by >= 2
// offending IPs and falling back to individual blocking for the rest.
func (f *NetworkIPSFixer) blockIPRanges(ctx context.Context, ips []string) error {
	bySubnet := make(map[string][]string)
	for _, ip := range ips {
		bySubnet[subnet24(ip)] = append(bySubnet[subnet24(ip)], ip)
	}

	var individual []string
	for subnet, members := range bySubnet {
		if len(members) >= 2 {
			result, err := f.exec.Execute(ctx, "ufw deny from "+subnet, command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
			if err != nil || !result.Success {
				f.log.WithField("subnet", subnet).Warn("subnet block failed, falling back to individual")
				individual = append(individual, members...)
			}
		} else {
			individual = append(individual, members...)
		}
	}
	if len(individual) > 0 {
		return f.blockIPsUFW(ctx, individual)
	}
	result, err := f.exec.Execute(ctx, "ufw reload", command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	if !result.Success {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "ufw reload failed")
	}
	return nil
}

func subnet24(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	return strings.Join(parts[:3], ".") + ".0/24"
}

func (f *NetworkIPSFixer) verifyBlocking(ctx context.Context, ips []string) bool {
	result, err := f.exec.Execute(ctx, "ufw status", command.Options{Mode: command.ModeLive, Timeout: 10 * time.Second})
	if err != nil || !result.Success {
		return false
	}
	output := strings.ToLower(result.Stdout)
	for _, ip := range ips {
		if !strings.Contains(output, strings.ToLower(ip)) || !strings.Contains(output, "deny") {
			return false
		}
	}
	return true
}
