package fixers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
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

// vulnerabilityMethod selects how VulnerabilityFixer applies a fix,
// mirroring trivy_fixer.py's _determine_fix_method keyword table.
type vulnerabilityMethod string

const (
	methodNPMAudit   vulnerabilityMethod = "npm_audit"
	methodAptUpgrade vulnerabilityMethod = "apt_upgrade"
	methodBaseImage  vulnerabilityMethod = "base_image"
	methodCombined   vulnerabilityMethod = "combined"
)

// projectRoots mirrors trivy_fixer.py's hardcoded project-path table used
// to locate the Dockerfile/package.json to patch.
var projectRoots = map[string]string{
	"shadowops":       "/home/cmdshadow/shadowops-bot",
	"guildscout":      "/home/cmdshadow/GuildScout",
	"sicherheitstool": "/home/cmdshadow/project",
	"project":         "/home/cmdshadow/project",
}

// VulnerabilityFixer remediates Trivy vulnerability findings via npm
// audit, apt upgrade, a base-image bump, or a combination, rebuilding the
// Docker image and re-scanning to verify. Grounded on original_source
// fixers/trivy_fixer.py.
type VulnerabilityFixer struct {
	exec   *command.Executor
	backup *backup.Manager
	log    *logrus.Logger
}

// NewVulnerabilityFixer constructs a VulnerabilityFixer.
func NewVulnerabilityFixer(exec *command.Executor, bm *backup.Manager, log *logrus.Logger) *VulnerabilityFixer {
	return &VulnerabilityFixer{exec: exec, backup: bm, log: log}
}

// Fix applies a vulnerability remediation strategy against projectPath
// (auto-detected from events/strategy when empty), verifying by
// re-scanning with trivy.
func (f *VulnerabilityFixer) Fix(ctx context.Context, events []types.SecurityEvent, strategy string, projectPath string) (Outcome, error) {
	if projectPath == "" {
		projectPath = f.detectProjectPath(events, strategy)
	}
	method := f.determineMethod(strategy)

	f.log.WithFields(logrus.Fields{"project": projectPath, "method": method}).Info("starting vulnerability fix")

	var backupIDs []string
	backupFor := func(source, typ string) {
		fp := filepath.Join(projectPath, source)
		if _, err := os.Stat(fp); err != nil {
			return
		}
		info, err := f.backup.Create(ctx, fp, backup.Type(typ), map[string]string{"fixer": "vulnerability"})
		if err != nil {
			f.log.WithError(err).WithField("path", fp).Warn("backup failed, continuing without it")
			return
		}
		backupIDs = append(backupIDs, info.BackupID)
	}

	switch method {
	case methodNPMAudit, methodCombined:
		backupFor("package.json", string(backup.TypeFile))
		backupFor("package-lock.json", string(backup.TypeFile))
	case methodBaseImage:
		backupFor("Dockerfile", string(backup.TypeFile))
	}

	originalCount := f.countVulnerabilities(ctx, events)

	var fixErr error
	switch method {
	case methodNPMAudit:
		fixErr = f.fixNPM(ctx, projectPath)
	case methodAptUpgrade:
		fixErr = f.fixAPT(ctx, events)
	case methodBaseImage:
		fixErr = f.fixBaseImage(ctx, projectPath, strategy)
	case methodCombined:
		npmErr := f.fixNPM(ctx, projectPath)
		aptErr := f.fixAPT(ctx, events)
		if npmErr != nil && aptErr != nil {
			fixErr = aerrors.Wrap(npmErr, "combined fix failed on both npm and apt")
		}
	}

	if fixErr != nil {
		rollbackAll(ctx, f.backup, backupIDs)
		return Outcome{Success: false, Message: fixErr.Error(), Method: string(method), RolledBack: true}, fixErr
	}

	image := f.rebuildImage(ctx, projectPath)

	if image != "" {
		newCount, err := f.verify(ctx, image)
		if err == nil && newCount >= originalCount && originalCount > 0 {
			rollbackAll(ctx, f.backup, backupIDs)
			return Outcome{Success: false, Message: "verification failed: vulnerability count did not decrease", Method: string(method), RolledBack: true}, aerrors.Wrap(aerrors.ErrVerificationFailed, "vulnerability count unchanged after fix")
		}
	}

	return Outcome{
		Success: true,
		Message: fmt.Sprintf("applied %s fix to %s", method, projectPath),
		Method:  string(method),
		Extra:   map[string]string{"project_path": projectPath},
	}, nil
}

func (f *VulnerabilityFixer) detectProjectPath(events []types.SecurityEvent, strategy string) string {
	text := strings.ToLower(strategy)
	for _, e := range events {
		if d, ok := e.Details.(types.VulnerabilityDetails); ok {
			text += " " + strings.ToLower(d.Image)
		}
	}
	for keyword, path := range projectRoots {
		if strings.Contains(text, keyword) {
			return path
		}
	}
	return projectRoots["shadowops"]
}

func (f *VulnerabilityFixer) determineMethod(strategy string) vulnerabilityMethod {
	strategy = strings.ToLower(strategy)
	hasNPM := strings.Contains(strategy, "npm") || strings.Contains(strategy, "package.json")
	hasAPT := strings.Contains(strategy, "apt") || strings.Contains(strategy, "debian") || strings.Contains(strategy, "ubuntu")
	hasBase := strings.Contains(strategy, "base image") || strings.Contains(strategy, "from")

	switch {
	case hasNPM && hasAPT:
		return methodCombined
	case hasNPM:
		return methodNPMAudit
	case hasAPT:
		return methodAptUpgrade
	case hasBase:
		return methodBaseImage
	default:
		return methodNPMAudit
	}
}

func (f *VulnerabilityFixer) fixNPM(ctx context.Context, projectPath string) error {
	opts := command.Options{Mode: command.ModeLive, WorkingDir: projectPath, Timeout: 5 * time.Minute}
	result, err := f.exec.Execute(ctx, "npm audit fix", opts)
	if err != nil || !result.Success {
		result, err = f.exec.Execute(ctx, "npm audit fix --force", opts)
		if err != nil || !result.Success {
			return aerrors.Wrap(aerrors.ErrVerificationFailed, "npm audit fix failed")
		}
	}
	_, _ = f.exec.Execute(ctx, "npm install", opts)
	return nil
}

func (f *VulnerabilityFixer) fixAPT(ctx context.Context, events []types.SecurityEvent) error {
	opts := command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 5 * time.Minute}
	if _, err := f.exec.Execute(ctx, "apt-get update", opts); err != nil {
		return aerrors.Wrap(err, "apt-get update failed")
	}

	packages := uniquePackages(events)
	if len(packages) == 0 {
		result, err := f.exec.Execute(ctx, "apt-get upgrade -y", opts)
		if err != nil || !result.Success {
			return aerrors.Wrap(aerrors.ErrVerificationFailed, "apt-get upgrade failed")
		}
		return nil
	}

	for _, pkg := range packages {
		result, err := f.exec.Execute(ctx, "apt-get install --only-upgrade -y "+pkg, opts)
		if err != nil || !result.Success {
			f.log.WithField("package", pkg).Warn("apt package upgrade failed, continuing")
		}
	}
	return nil
}

var fromLinePattern = regexp.MustCompile(`(?im)^FROM\s+(\S+)`)
var tagUpdatePattern = regexp.MustCompile(`(?i)update.*to\s+(\S+)`)

func (f *VulnerabilityFixer) fixBaseImage(ctx context.Context, projectPath, strategy string) error {
	dockerfile := filepath.Join(projectPath, "Dockerfile")
	content, err := os.ReadFile(dockerfile)
	if err != nil {
		return aerrors.Wrap(err, "read Dockerfile")
	}

	match := fromLinePattern.FindStringSubmatchIndex(content2str(content))
	if match == nil {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "no FROM line found in Dockerfile")
	}

	newTag := ""
	if m := tagUpdatePattern.FindStringSubmatch(strategy); len(m) > 1 {
		newTag = m[1]
	}

	text := content2str(content)
	fromLine := text[match[0]:match[1]]
	image, currentTag := splitImageTag(text[match[2]:match[3]])
	if newTag == "" {
		newTag = incrementVersion(currentTag)
	}

	newFromLine := "FROM " + image + ":" + newTag
	updated := strings.Replace(text, fromLine, newFromLine, 1)

	if err := os.WriteFile(dockerfile, []byte(updated), 0o644); err != nil {
		return aerrors.Wrap(err, "write updated Dockerfile")
	}
	return nil
}

func content2str(b []byte) string { return string(b) }

func splitImageTag(ref string) (image, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return ref, "latest"
	}
	return ref[:idx], ref[idx+1:]
}

// incrementVersion bumps the last numeric segment of a dotted version tag,
// e.g. "3.9" -> "3.10"; falls back to "latest" for non-numeric tags.
func incrementVersion(tag string) string {
	parts := strings.Split(tag, ".")
	last := len(parts) - 1
	if last < 0 {
		return "latest"
	}
	n, err := strconv.Atoi(parts[last])
	if err != nil {
		return "latest"
	}
	parts[last] = strconv.Itoa(n + 1)
	return strings.Join(parts, ".")
}

func (f *VulnerabilityFixer) rebuildImage(ctx context.Context, projectPath string) string {
	dockerfile := filepath.Join(projectPath, "Dockerfile")
	if _, err := os.Stat(dockerfile); err != nil {
		f.log.WithField("project", projectPath).Info("no Dockerfile present, skipping rebuild")
		return ""
	}
	name := filepath.Base(projectPath)
	image := name + ":latest"
	result, err := f.exec.Execute(ctx, "docker build -t "+image+" .", command.Options{
		Mode: command.ModeLive, WorkingDir: projectPath, Timeout: 10 * time.Minute,
	})
	if err != nil || !result.Success {
		f.log.WithField("project", projectPath).Warn("docker rebuild failed")
		return ""
	}
	return image
}

func (f *VulnerabilityFixer) verify(ctx context.Context, image string) (int, error) {
	result, err := f.exec.Execute(ctx, "trivy image --format json --quiet "+image, command.Options{
		Mode: command.ModeLive, Timeout: 5 * time.Minute,
	})
	if err != nil || !result.Success {
		return 0, aerrors.Wrap(aerrors.ErrVerificationFailed, "trivy re-scan failed")
	}
	return strings.Count(result.Stdout, `"VulnerabilityID"`), nil
}

func (f *VulnerabilityFixer) countVulnerabilities(ctx context.Context, events []types.SecurityEvent) int {
	count := 0
	for _, e := range events {
		if d, ok := e.Details.(types.VulnerabilityDetails); ok {
			if d.IsSummary {
				count += d.Critical + d.High + d.Medium
			} else {
				count++
			}
		}
	}
	return count
}

func uniquePackages(events []types.SecurityEvent) []string {
	seen := make(map[string]bool)
	var packages []string
	for _, e := range events {
		if d, ok := e.Details.(types.VulnerabilityDetails); ok && d.Package != "" && !seen[d.Package] {
			seen[d.Package] = true
			packages = append(packages, d.Package)
		}
	}
	return packages
}

func boolPtr(b bool) *bool { return &b }
