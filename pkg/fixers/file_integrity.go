package fixers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/backup"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/types"
)

type fileDisposition string

const (
	dispositionUnauthorized fileDisposition = "unauthorized"
	dispositionSuspicious   fileDisposition = "suspicious"
	dispositionLegitimate   fileDisposition = "legitimate"
)

// criticalPaths mirrors aide_fixer.py's AideFixer.critical_paths.
var criticalPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/etc/ssh/sshd_config",
	"/boot",
	"/etc/systemd/system",
}

// fileIntegrityProjectRoots mirrors aide_fixer.py's project-path set used
// to classify changes under a tracked project as legitimate.
var fileIntegrityProjectRoots = []string{
	"/home/cmdshadow/shadowops-bot",
	"/home/cmdshadow/GuildScout",
	"/home/cmdshadow/project",
}

var safePathPrefixes = []string{"/tmp", "/var/log"}

const quarantineDir = "/tmp/aide_quarantine"

// FileIntegrityFixer categorizes and remediates file-integrity findings
// reported by a baseline scanner (AIDE in the reference deployment):
// restoring unauthorized changes, quarantining suspicious new files, and
// recording legitimate ones. Grounded on original_source
// fixers/aide_fixer.py.
type FileIntegrityFixer struct {
	exec   *command.Executor
	backup *backup.Manager
	log    *logrus.Logger
}

// NewFileIntegrityFixer constructs a FileIntegrityFixer.
func NewFileIntegrityFixer(exec *command.Executor, bm *backup.Manager, log *logrus.Logger) *FileIntegrityFixer {
	return &FileIntegrityFixer{exec: exec, backup: bm, log: log}
}

// Fix categorizes every file-integrity event and restores, quarantines,
// or records it accordingly, refusing to auto-restore a critical-path
// change unless strategy explicitly contains approval text.
func (f *FileIntegrityFixer) Fix(ctx context.Context, events []types.SecurityEvent, strategy string) (Outcome, error) {
	approved := strategyHasAny(strategy, "approve")

	var restored, quarantined, legitimated []string
	var backupIDs []string
	var refusals []string

	for _, e := range events {
		d, ok := e.Details.(types.FileIntegrityDetails)
		if !ok {
			continue
		}
		disposition := f.categorize(d, approved)

		if _, err := os.Stat(d.Path); err == nil && d.Kind != types.ChangeAdded {
			if info, err := f.backup.Create(ctx, d.Path, backup.TypeFile, map[string]string{"fixer": "file_integrity"}); err == nil {
				backupIDs = append(backupIDs, info.BackupID)
			}
		}

		switch disposition {
		case dispositionUnauthorized:
			if f.isCritical(d.Path) && !approved {
				refusals = append(refusals, d.Path)
				continue
			}
			if f.restoreUnauthorized(ctx, d.Path) {
				restored = append(restored, d.Path)
			}
		case dispositionSuspicious:
			if f.quarantineSuspicious(ctx, d.Path) {
				quarantined = append(quarantined, d.Path)
			}
		case dispositionLegitimate:
			legitimated = append(legitimated, d.Path)
		}
	}

	if len(refusals) > 0 && len(restored) == 0 && len(quarantined) == 0 && len(legitimated) == 0 {
		return Outcome{Success: false, Message: fmt.Sprintf("refused to auto-restore %d critical path(s) without approval", len(refusals))},
			aerrors.Wrapf(aerrors.ErrRefusedUnsafe, "critical path change requires explicit approval: %s", strings.Join(refusals, ", "))
	}

	successCount := len(restored) + len(quarantined) + len(legitimated)
	if successCount == 0 {
		rollbackAll(ctx, f.backup, backupIDs)
		return Outcome{Success: false, Message: "no file-integrity changes were remediated", RolledBack: len(backupIDs) > 0},
			aerrors.Wrap(aerrors.ErrVerificationFailed, "no changes remediated")
	}

	if err := f.updateAideDatabase(ctx); err != nil {
		f.log.WithError(err).Warn("aide database update failed, proceeding with remediation result")
	}

	return Outcome{
		Success: true,
		Message: fmt.Sprintf("restored %d, quarantined %d, approved %d", len(restored), len(quarantined), len(legitimated)),
		Extra: map[string]string{
			"restored":    strings.Join(restored, ","),
			"quarantined": strings.Join(quarantined, ","),
			"legitimate":  strings.Join(legitimated, ","),
			"refused":     strings.Join(refusals, ","),
		},
	}, nil
}

func (f *FileIntegrityFixer) isCritical(path string) bool {
	for _, p := range criticalPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (f *FileIntegrityFixer) isProject(path string) bool {
	for _, p := range fileIntegrityProjectRoots {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (f *FileIntegrityFixer) isSafe(path string) bool {
	for _, p := range safePathPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// categorize mirrors aide_fixer.py's _categorize_changes decision table.
func (f *FileIntegrityFixer) categorize(d types.FileIntegrityDetails, approved bool) fileDisposition {
	switch d.Kind {
	case types.ChangeAdded:
		if approved {
			return dispositionLegitimate
		}
		return dispositionSuspicious
	case types.ChangeRemoved:
		if f.isCritical(d.Path) {
			return dispositionUnauthorized
		}
		if f.isSafe(d.Path) {
			return dispositionLegitimate
		}
		return dispositionSuspicious
	default: // ChangeChanged
		if f.isCritical(d.Path) {
			if approved {
				return dispositionLegitimate
			}
			return dispositionUnauthorized
		}
		if f.isProject(d.Path) || f.isSafe(d.Path) {
			return dispositionLegitimate
		}
		return dispositionSuspicious
	}
}

// restoreUnauthorized tries a git checkout of the file first, falling
// back to a system backup copy under /var/backups.
func (f *FileIntegrityFixer) restoreUnauthorized(ctx context.Context, path string) bool {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	check, err := f.exec.Execute(ctx, "git rev-parse --is-inside-work-tree",
		command.Options{Mode: command.ModeLive, WorkingDir: dir, Timeout: 5 * time.Second})
	if err == nil && check.Success {
		result, err := f.exec.Execute(ctx, "git checkout HEAD -- "+base,
			command.Options{Mode: command.ModeLive, WorkingDir: dir, Timeout: 10 * time.Second})
		if err == nil && result.Success {
			return true
		}
	}

	sysBackup := filepath.Join("/var/backups", base)
	if _, err := os.Stat(sysBackup); err == nil {
		if data, err := os.ReadFile(sysBackup); err == nil {
			if err := os.WriteFile(path, data, 0o644); err == nil {
				return true
			}
		}
	}

	f.log.WithField("path", path).Warn("could not restore unauthorized change")
	return false
}

// quarantineSuspicious moves an unexpectedly-added file to a timestamped
// location under quarantineDir and scans it, mirroring
// aide_fixer.py's _quarantine_suspicious_files.
func (f *FileIntegrityFixer) quarantineSuspicious(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.MkdirAll(quarantineDir, 0o700); err != nil {
		f.log.WithError(err).Warn("could not create quarantine directory")
		return false
	}

	sanitized := strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
	dest := filepath.Join(quarantineDir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), sanitized))

	if err := os.Rename(path, dest); err != nil {
		f.log.WithError(err).WithField("path", path).Warn("could not quarantine file")
		return false
	}

	result, err := f.exec.Execute(ctx, "clamscan --no-summary "+dest,
		command.Options{Mode: command.ModeLive, Timeout: 30 * time.Second})
	if err == nil && result.Success && strings.Contains(result.Stdout, "FOUND") {
		f.log.WithField("path", dest).Warn("quarantined file flagged by malware scan")
	}
	return true
}

func (f *FileIntegrityFixer) updateAideDatabase(ctx context.Context) error {
	result, err := f.exec.Execute(ctx, "aide --update",
		command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 5 * time.Minute})
	if err != nil {
		return err
	}
	if !result.Success {
		return aerrors.Wrap(aerrors.ErrVerificationFailed, "aide --update failed")
	}
	_, err = f.exec.Execute(ctx, "mv /var/lib/aide/aide.db.new /var/lib/aide/aide.db",
		command.Options{Mode: command.ModeLive, Sudo: boolPtr(true), Timeout: 10 * time.Second})
	return err
}
