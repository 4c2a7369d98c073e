// Package backup implements the Backup Manager of SPEC_FULL §4.7:
// automatic backup-before-modify for fixers, with per-type backup/restore
// and a retention policy. Grounded on original_source backup_manager.py,
// shelling out via pkg/command.Executor the same way trivy/crowdsec fixers
// do for database dumps and compressed file copies.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/command"
)

// Type identifies what kind of thing a backup captures.
type Type string

const (
	TypeFile      Type = "file"
	TypeDirectory Type = "directory"
	TypeDocker    Type = "docker"
	TypeDatabase  Type = "database"
)

// Info describes a completed backup.
type Info struct {
	BackupID   string
	Type       Type
	SourcePath string
	BackupPath string
	Timestamp  time.Time
	SizeBytes  int64
	Metadata   map[string]string
}

// Config bounds a Manager's behavior; defaults mirror the upstream
// shadowops backup manager.
type Config struct {
	BackupRoot        string
	RetentionDays     int
	MaxBackupSizeMB   int64
	Compression       bool
	VerifyAfterBackup bool
	ProtectedPaths    map[string]bool
}

// DefaultConfig mirrors the Python BackupConfig defaults.
func DefaultConfig() Config {
	return Config{
		BackupRoot:        "/tmp/aegis_backups",
		RetentionDays:     7,
		MaxBackupSizeMB:   1000,
		Compression:       true,
		VerifyAfterBackup: true,
		ProtectedPaths: map[string]bool{
			"/etc/fail2ban":       true,
			"/etc/crowdsec":       true,
			"/etc/ufw":            true,
			"/etc/nginx":          true,
			"/etc/systemd/system": true,
		},
	}
}

// Manager creates, tracks, and restores backups ahead of any remediation
// that touches disk, Docker images, or a database.
type Manager struct {
	cfg      Config
	exec     *command.Executor
	log      *logrus.Logger
	clock    func() time.Time
	idSuffix func() string

	mu      sync.Mutex
	active  map[string]Info
	history []Info
}

// New constructs a Manager. exec is reused for shell-backed backup types
// (pg_dump, gzip); pass the same Executor the rest of the
// remediation pipeline uses so history and stats stay unified.
func New(cfg Config, exec *command.Executor, log *logrus.Logger) (*Manager, error) {
	if cfg.BackupRoot == "" {
		cfg.BackupRoot = DefaultConfig().BackupRoot
	}
	if err := os.MkdirAll(cfg.BackupRoot, 0o755); err != nil {
		return nil, aerrors.Wrap(err, "create backup root")
	}
	return &Manager{
		cfg:      cfg,
		exec:     exec,
		log:      log,
		clock:    time.Now,
		active:   make(map[string]Info),
		idSuffix: func() string { return time.Now().UTC().Format("20060102_150405.000000000") },
	}, nil
}

// Create backs up source, auto-detecting its Type when typ is empty.
// "docker:" and "db:" prefixes select the docker/database paths exactly as
// upstream; otherwise the filesystem is consulted.
func (m *Manager) Create(ctx context.Context, source string, typ Type, metadata map[string]string) (Info, error) {
	if typ == "" {
		typ = m.detectType(source)
	}

	id := m.generateID(source)
	m.log.WithFields(logrus.Fields{"type": typ, "source": source, "backup_id": id}).Info("creating backup")

	var (
		info Info
		err  error
	)
	switch typ {
	case TypeFile:
		info, err = m.backupFile(ctx, source, id, metadata)
	case TypeDirectory:
		info, err = m.backupDirectory(source, id, metadata)
	case TypeDocker:
		info, err = m.backupDocker(ctx, source, id, metadata)
	case TypeDatabase:
		info, err = m.backupDatabase(ctx, source, id, metadata)
	default:
		return Info{}, aerrors.Wrapf(aerrors.ErrRefusedUnsafe, "unknown backup type %q", typ)
	}
	if err != nil {
		return Info{}, err
	}

	if m.cfg.VerifyAfterBackup {
		if err := m.verify(info); err != nil {
			return Info{}, err
		}
	}

	sizeMB := float64(info.SizeBytes) / (1024 * 1024)
	if m.cfg.MaxBackupSizeMB > 0 && int64(sizeMB) > m.cfg.MaxBackupSizeMB {
		m.log.WithFields(logrus.Fields{"size_mb": sizeMB, "limit_mb": m.cfg.MaxBackupSizeMB}).
			Warn("backup size exceeds configured limit")
	}

	m.mu.Lock()
	m.active[id] = info
	m.history = append(m.history, info)
	m.mu.Unlock()

	return info, nil
}

// CreateBatch backs up every source concurrently, continuing past
// individual failures the way the upstream batch helper does, and
// returns only the successes.
func (m *Manager) CreateBatch(ctx context.Context, sources []string, types map[string]Type) map[string]Info {
	out := make(map[string]Info, len(sources))
	var mu sync.Mutex

	var g errgroup.Group
	for _, src := range sources {
		src := src
		g.Go(func() error {
			info, err := m.Create(ctx, src, types[src], nil)
			if err != nil {
				m.log.WithError(err).WithField("source", src).Error("batch backup failed, continuing")
				return nil
			}
			mu.Lock()
			out[src] = info
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Restore restores backupID in place, dispatching on its recorded Type.
func (m *Manager) Restore(ctx context.Context, backupID string) error {
	m.mu.Lock()
	info, ok := m.active[backupID]
	m.mu.Unlock()
	if !ok {
		return aerrors.Wrapf(aerrors.ErrNotFound, "backup %q not found", backupID)
	}

	m.log.WithFields(logrus.Fields{"backup_id": backupID, "type": info.Type}).Info("restoring backup")

	var err error
	switch info.Type {
	case TypeFile:
		err = m.restoreFile(ctx, info)
	case TypeDirectory:
		err = m.restoreDirectory(info)
	case TypeDocker:
		err = m.restoreDocker(ctx, info)
	case TypeDatabase:
		err = m.restoreDatabase(ctx, info)
	default:
		err = aerrors.Wrapf(aerrors.ErrRefusedUnsafe, "unknown backup type %q", info.Type)
	}
	if err != nil {
		m.log.WithError(err).WithField("backup_id", backupID).Error("restore failed")
	}
	return err
}

// RollbackBatch restores backupIDs in reverse order, undoing the most
// recent change first, and keeps going even if one restore fails.
func (m *Manager) RollbackBatch(ctx context.Context, backupIDs []string) bool {
	allOK := true
	for i := len(backupIDs) - 1; i >= 0; i-- {
		if err := m.Restore(ctx, backupIDs[i]); err != nil {
			allOK = false
			m.log.WithError(err).WithField("backup_id", backupIDs[i]).Error("rollback step failed, continuing")
		}
	}
	return allOK
}

// CleanupOld removes backups older than RetentionDays and returns the
// count removed.
func (m *Manager) CleanupOld() int {
	cutoff := m.clock().AddDate(0, 0, -m.cfg.RetentionDays)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, info := range m.active {
		if info.Timestamp.After(cutoff) {
			continue
		}
		if fi, err := os.Stat(info.BackupPath); err == nil {
			if fi.IsDir() {
				_ = os.RemoveAll(info.BackupPath)
			} else {
				_ = os.Remove(info.BackupPath)
			}
		}
		delete(m.active, id)
		removed++
	}
	return removed
}

// Get returns a tracked backup by ID.
func (m *Manager) Get(backupID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.active[backupID]
	return info, ok
}

// List returns all currently-tracked backups.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.active))
	for _, info := range m.active {
		out = append(out, info)
	}
	return out
}

// Stats summarizes the manager's tracked state.
type Stats struct {
	ActiveBackups int
	TotalHistory  int
	TotalSizeMB   float64
	RetentionDays int
	BackupRoot    string
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, info := range m.active {
		total += info.SizeBytes
	}
	return Stats{
		ActiveBackups: len(m.active),
		TotalHistory:  len(m.history),
		TotalSizeMB:   float64(total) / (1024 * 1024),
		RetentionDays: m.cfg.RetentionDays,
		BackupRoot:    m.cfg.BackupRoot,
	}
}

func (m *Manager) detectType(source string) Type {
	switch {
	case strings.HasPrefix(source, "docker:"):
		return TypeDocker
	case strings.HasPrefix(source, "db:"):
		return TypeDatabase
	}
	if fi, err := os.Stat(source); err == nil {
		if fi.IsDir() {
			return TypeDirectory
		}
		return TypeFile
	}
	return TypeFile
}

func (m *Manager) generateID(source string) string {
	safe := strings.NewReplacer("/", "_", " ", "_").Replace(filepath.Base(source))
	return fmt.Sprintf("backup_%s_%s", safe, m.idSuffix())
}

func (m *Manager) backupFile(ctx context.Context, source, id string, metadata map[string]string) (Info, error) {
	fi, err := os.Stat(source)
	if err != nil || fi.IsDir() {
		return Info{}, aerrors.Wrapf(aerrors.ErrNotFound, "file not found: %s", source)
	}

	filename := filepath.Base(source)
	if m.cfg.Compression {
		filename += ".gz"
	}
	backupPath := filepath.Join(m.cfg.BackupRoot, id+"_"+filename)

	if m.cfg.Compression {
		result, err := m.exec.Execute(ctx, fmt.Sprintf("gzip -c %q > %q", source, backupPath), command.Options{
			Mode: command.ModeLive, Timeout: 5 * time.Minute,
		})
		if err != nil || !result.Success {
			return Info{}, aerrors.Wrapf(aerrors.ErrVerificationFailed, "gzip backup failed: %s", result.ErrorMessage)
		}
	} else if err := copyFile(source, backupPath); err != nil {
		return Info{}, aerrors.Wrap(err, "copy file backup")
	}

	size, err := fileSize(backupPath)
	if err != nil {
		return Info{}, err
	}
	return Info{BackupID: id, Type: TypeFile, SourcePath: source, BackupPath: backupPath, Timestamp: m.clock(), SizeBytes: size, Metadata: metadata}, nil
}

func (m *Manager) backupDirectory(source, id string, metadata map[string]string) (Info, error) {
	fi, err := os.Stat(source)
	if err != nil || !fi.IsDir() {
		return Info{}, aerrors.Wrapf(aerrors.ErrNotFound, "directory not found: %s", source)
	}

	ext := ".tar"
	if m.cfg.Compression {
		ext = ".tar.gz"
	}
	backupPath := filepath.Join(m.cfg.BackupRoot, id+ext)

	if err := tarDirectory(source, backupPath, m.cfg.Compression); err != nil {
		return Info{}, aerrors.Wrap(err, "archive directory backup")
	}

	size, err := fileSize(backupPath)
	if err != nil {
		return Info{}, err
	}
	return Info{BackupID: id, Type: TypeDirectory, SourcePath: source, BackupPath: backupPath, Timestamp: m.clock(), SizeBytes: size, Metadata: metadata}, nil
}

// backupDocker retags image as backupTag in its registry via
// go-containerregistry's remote package, instead of shelling out to the
// docker CLI: the
// image is read and re-pushed through the registry's HTTP API, so the
// backup survives independently of whatever local daemon state produced
// it.
func (m *Manager) backupDocker(ctx context.Context, source, id string, metadata map[string]string) (Info, error) {
	image := strings.TrimPrefix(source, "docker:")
	backupTag := fmt.Sprintf("%s_backup_%s", image, id)

	ref, err := name.ParseReference(image)
	if err != nil {
		return Info{}, aerrors.Wrapf(aerrors.ErrVerificationFailed, "parse docker image reference %s: %v", image, err)
	}
	img, err := remote.Image(ref, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return Info{}, aerrors.Wrapf(aerrors.ErrVerificationFailed, "pull %s from registry: %v", image, err)
	}

	backupRef, err := name.NewTag(backupTag)
	if err != nil {
		return Info{}, aerrors.Wrapf(aerrors.ErrVerificationFailed, "parse backup tag %s: %v", backupTag, err)
	}
	if err := remote.Write(backupRef, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return Info{}, aerrors.Wrapf(aerrors.ErrVerificationFailed, "docker tag backup failed: %v", err)
	}

	var size int64
	if manifest, err := img.Manifest(); err == nil {
		size = manifest.Config.Size
		for _, layer := range manifest.Layers {
			size += layer.Size
		}
	}

	return Info{BackupID: id, Type: TypeDocker, SourcePath: image, BackupPath: backupTag, Timestamp: m.clock(), SizeBytes: size, Metadata: metadata}, nil
}

func (m *Manager) backupDatabase(ctx context.Context, source, id string, metadata map[string]string) (Info, error) {
	dbName := strings.TrimPrefix(source, "db:")
	backupPath := filepath.Join(m.cfg.BackupRoot, id+".sql.gz")

	result, err := m.exec.Execute(ctx, fmt.Sprintf("pg_dump %s | gzip > %q", dbName, backupPath), command.Options{Mode: command.ModeLive, Timeout: 10 * time.Minute})
	if err != nil || !result.Success {
		return Info{}, aerrors.Wrapf(aerrors.ErrVerificationFailed, "database backup failed: %s", result.ErrorMessage)
	}

	size, err := fileSize(backupPath)
	if err != nil {
		return Info{}, err
	}
	return Info{BackupID: id, Type: TypeDatabase, SourcePath: dbName, BackupPath: backupPath, Timestamp: m.clock(), SizeBytes: size, Metadata: metadata}, nil
}

func (m *Manager) restoreFile(ctx context.Context, info Info) error {
	if strings.HasSuffix(info.BackupPath, ".gz") {
		result, err := m.exec.Execute(ctx, fmt.Sprintf("gzip -dc %q > %q", info.BackupPath, info.SourcePath), command.Options{Mode: command.ModeLive, Timeout: 5 * time.Minute})
		if err != nil || !result.Success {
			return aerrors.Wrapf(aerrors.ErrVerificationFailed, "gzip restore failed: %s", result.ErrorMessage)
		}
		return nil
	}
	return copyFile(info.BackupPath, info.SourcePath)
}

func (m *Manager) restoreDirectory(info Info) error {
	if _, err := os.Stat(info.SourcePath); err == nil {
		if err := os.RemoveAll(info.SourcePath); err != nil {
			return aerrors.Wrap(err, "remove existing directory before restore")
		}
	}
	return untarDirectory(info.BackupPath, filepath.Dir(info.SourcePath))
}

func (m *Manager) restoreDocker(ctx context.Context, info Info) error {
	backupRef, err := name.ParseReference(info.BackupPath)
	if err != nil {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "parse backup tag %s: %v", info.BackupPath, err)
	}
	img, err := remote.Image(backupRef, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "pull backup image %s: %v", info.BackupPath, err)
	}

	sourceRef, err := name.NewTag(info.SourcePath)
	if err != nil {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "parse source tag %s: %v", info.SourcePath, err)
	}
	if err := remote.Write(sourceRef, img, remote.WithContext(ctx), remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "docker restore failed: %v", err)
	}
	return nil
}

func (m *Manager) restoreDatabase(ctx context.Context, info Info) error {
	result, err := m.exec.Execute(ctx, fmt.Sprintf("gzip -dc %q | psql %s", info.BackupPath, info.SourcePath), command.Options{Mode: command.ModeLive, Timeout: 10 * time.Minute})
	if err != nil || !result.Success {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "database restore failed: %s", result.ErrorMessage)
	}
	return nil
}

func (m *Manager) verify(info Info) error {
	fi, err := os.Stat(info.BackupPath)
	if err != nil {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "backup file not found: %s", info.BackupPath)
	}
	if fi.Size() == 0 && info.Type != TypeDocker {
		return aerrors.Wrapf(aerrors.ErrVerificationFailed, "backup file is empty: %s", info.BackupPath)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, aerrors.Wrap(err, "stat backup file")
	}
	return fi.Size(), nil
}
