package fixers

import (
	"context"
	"fmt"
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

type hostMethod string

const (
	hostMethodHardenConfig   hostMethod = "harden_config"
	hostMethodPermanentBan   hostMethod = "permanent_ban"
	hostMethodFilterOptimize hostMethod = "filter_optimization"
	hostMethodCombined       hostMethod = "combined"
)

// hardenedDefaults mirrors fail2ban_fixer.py's Fail2banFixer.hardened_config.
var hardenedDefaults = struct {
	MaxRetry int
	BanTime  int
	FindTime int
}{MaxRetry: 3, BanTime: 3600, FindTime: 600}

const jailLocalPath = "/etc/fail2ban/jail.local"
const jailConfPath = "/etc/fail2ban/jail.conf"

// HostIPSFixer hardens or bans against host intrusion events reported by
// the local jail daemon (fail2ban in the reference deployment). Grounded
// on original_source fixers/fail2ban_fixer.py.
type HostIPSFixer struct {
	exec   *command.Executor
	backup *backup.Manager
	log    *logrus.Logger
}

// NewHostIPSFixer constructs a HostIPSFixer.
func NewHostIPSFixer(exec *command.Executor, bm *backup.Manager, log *logrus.Logger) *HostIPSFixer {
	return &HostIPSFixer{exec: exec, backup: bm, log: log}
}

var jailNamePattern = regexp.MustCompile(`\[(\w+(?:-\w+)*)\]`)

// Fix hardens, permanently bans, or does both for the jail the events or
// strategy text name (defaulting to sshd), verifying the jail is active
// afterward.
func (f *HostIPSFixer) Fix(ctx context.Context, events []types.SecurityEvent, strategy string) (Outcome, error) {
	jail := f.detectJail(events, strategy)
	method := f.determineMethod(strategy)

	f.log.WithFields(logrus.Fields{"jail": jail, "method": method}).Info("starting host IPS fix")

	backupID := f.backupJailConfig(ctx)

	var fixErr error
	switch method {
	case hostMethodHardenConfig:
		fixErr = f.hardenJailConfig(ctx, jail, strategy)
	case hostMethodPermanentBan:
		fixErr = f.applyPermanentBans(ctx, events, strategy)
	case hostMethodFilterOptimize:
		// No concrete filter-tuning action in original_source; it is a
		// documented placeholder there too.
	case hostMethodCombined:
		hardenErr := f.hardenJailConfig(ctx, jail, strategy)
		banErr := f.applyPermanentBans(ctx, events, strategy)
		if hardenErr != nil && banErr != nil {
			fixErr = aerrors.Wrap(hardenErr, "combined fix failed on both harden and ban")
		}
	}

	if fixErr != nil {
		if backupID != "" {
			rollbackAll(ctx, f.backup, []string{backupID})
			f.reloadFail2ban(ctx)
		}
		return Outcome{Success: false, Message: fixErr.Error(), Method: string(method), RolledBack: backupID != "", Extra: map[string]string{"jail": jail}}, fixErr
	}

	if err := f.reloadFail2ban(ctx); err != nil {
		if backupID != "" {
			rollbackAll(ctx, f.backup, []string{backupID})
			f.reloadFail2ban(ctx)
		}
		return Outcome{Success: false, Message: "fail2ban reload failed", Method: string(method), RolledBack: backupID != "", Extra: map[string]string{"jail": jail}}, err
	}

	if !f.verifyJail(ctx, jail) {
		if backupID != "" {
			rollbackAll(ctx, f.backup, []string{backupID})
			f.reloadFail2ban(ctx)
		}
		return Outcome{Success: false, Message: "verification failed: jail not active", Method: string(method), RolledBack: backupID != "", Extra: map[string]string{"jail": jail}},
			aerrors.Wrap(aerrors.ErrVerificationFailed, "jail not active after fix")
	}

	return Outcome{
		Success: true,
		Message: fmt.Sprintf("applied %s to jail %s", method, jail),
		Method:  string(method),
		Extra:   map[string]string{"jail": jail},
	}, nil
}

func (f *HostIPSFixer) detectJail(events []types.SecurityEvent, strategy string) string {
	for _, e := range events {
		if d, ok := e.Details.(types.HostIPSDetails); ok && d.Jail != "" {
			return d.Jail
		}
	}
	lower := strings.ToLower(strategy)
	if m := jailNamePattern.FindStringSubmatch(strategy); len(m) > 1 {
		return m[1]
	}
	switch {
	case strings.Contains(lower, "sshd") || strings.Contains(lower, "ssh"):
		return "sshd"
	case strings.Contains(lower, "nginx"):
		return "nginx-limit-req"
	case strings.Contains(lower, "apache"):
		return "apache-auth"
	default:
		return "sshd"
	}
}

func (f *HostIPSFixer) determineMethod(strategy string) hostMethod {
	strategy = strings.ToLower(strategy)
	switch {
	case strategyHasAny(strategy, "combined"):
		return hostMethodCombined
	case strategyHasAny(strategy, "harden", "config", "maxretry"):
		return hostMethodHardenConfig
	case strategyHasAny(strategy, "permanent", "ban"):
		return hostMethodPermanentBan
	case strategyHasAny(strategy, "filter", "regex"):
		return hostMethodFilterOptimize
	default:
		return hostMethodHardenConfig
	}
}

func (f *HostIPSFixer) backupJailConfig(ctx context.Context) string {
	source := jailLocalPath
	if _, err := os.Stat(source); err != nil {
		source = jailConfPath
		if _, err := os.Stat(source); err != nil {
			return ""
		}
	}
	info, err := f.backup.Create(ctx, source, backup.TypeFile, map[string]string{"fixer": "host_ips"})
	if err != nil {
		f.log.WithError(err).Warn("jail config backup failed, continuing without it")
		return ""
	}
	return info.BackupID
}

var maxretryPattern = regexp.MustCompile(`maxretry\s*[=:]\s*(\d+)`)
var bantimePattern = regexp.MustCompile(`bantime\s*[=:]\s*(\d+)`)

// hardenJailConfig regex-edits jail.local's section for jail, applying
// hardenedDefaults overridable by values named explicitly in strategy,
// mirroring fail2ban_fixer.py's _harden_jail_config.
func (f *HostIPSFixer) hardenJailConfig(ctx context.Context, jail, strategy string) error {
	maxRetry := hardenedDefaults.MaxRetry
	banTime := hardenedDefaults.BanTime
	findTime := hardenedDefaults.FindTime
	if m := maxretryPattern.FindStringSubmatch(strategy); len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			maxRetry = n
		}
	}
	if m := bantimePattern.FindStringSubmatch(strategy); len(m) > 1 {
		if n, err := strconv.Atoi(m[1]); err == nil {
			banTime = n
		}
	}

	content, err := os.ReadFile(jailLocalPath)
	if err != nil {
		content = []byte{}
	}
	text := string(content)

	section := fmt.Sprintf("[%s]\nenabled = true\nmaxretry = %d\nbantime = %d\nfindtime = %d\n",
		jail, maxRetry, banTime, findTime)

	sectionPattern := regexp.MustCompile(`(?s)\[` + regexp.QuoteMeta(jail) + `\].*?(\n\[|\z)`)
	if sectionPattern.MatchString(text) {
		text = sectionPattern.ReplaceAllString(text, section+"$1")
	} else {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += "\n" + section
	}

	if err := os.WriteFile(jailLocalPath, []byte(text), 0o644); err != nil {
		return aerrors.Wrap(err, "write jail.local")
	}
	return nil
}

var hostIPv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

func (f *HostIPSFixer) extractIPs(events []types.SecurityEvent) []string {
	seen := make(map[string]bool)
	var ips []string
	for _, e := range events {
		if d, ok := e.Details.(types.HostIPSDetails); ok && d.IP != "" && !seen[d.IP] {
			seen[d.IP] = true
			ips = append(ips, d.IP)
		}
	}
	return ips
}

// applyPermanentBans bans every offending IP via fail2ban-client plus a
// redundant ufw deny, succeeding if at least one ban landed.
func (f *HostIPSFixer) applyPermanentBans(ctx context.Context, events []types.SecurityEvent, strategy string) error {
	jail := f.detectJail(events, strategy)
	ips := f.extractIPs(events)
	for _, ip := range hostIPv4Pattern.FindAllString(strategy, -1) {
		ips = append(ips, ip)
	}

	banned := 0
	for _, ip := range ips {
		result, err := f.exec.Execute(ctx, fmt.Sprintf("fail2ban-client set %s banip %s", jail, ip),
			command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
		if err != nil || !result.Success {
			f.log.WithField("ip", ip).Warn("fail2ban-client banip failed, continuing")
			continue
		}
		banned++
		_, _ = f.exec.Execute(ctx, "ufw deny from "+ip,
			command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
	}

	if banned == 0 {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "no IPs were banned")
	}
	return nil
}

func (f *HostIPSFixer) reloadFail2ban(ctx context.Context) error {
	result, err := f.exec.Execute(ctx, "fail2ban-client reload",
		command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 60 * time.Second})
	if err != nil {
		return err
	}
	if !result.Success {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "fail2ban-client reload failed")
	}
	return nil
}

func (f *HostIPSFixer) verifyJail(ctx context.Context, jail string) bool {
	result, err := f.exec.Execute(ctx, "fail2ban-client status "+jail,
		command.Options{Mode: command.ModeLive, Timeout: 10 * time.Second})
	if err != nil || !result.Success {
		return false
	}
	output := strings.ToLower(result.Stdout)
	return strings.Contains(output, "active") || strings.Contains(output, "currently banned")
}
