package backup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/pkg/backup"
	"github.com/aegisops/aegis-controller/pkg/command"
)

func TestBackup(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "backup suite")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

func newManager(root string, compression bool) *backup.Manager {
	cfg := backup.DefaultConfig()
	cfg.BackupRoot = root
	cfg.Compression = compression
	exec := command.New(command.DefaultConfig(), newLogger())
	m, err := backup.New(cfg, exec, newLogger())
	Expect(err).NotTo(HaveOccurred())
	return m
}

var _ = Describe("file backups", func() {
	It("backs up and restores a plain file without compression", func() {
		dir := GinkgoT().TempDir()
		src := filepath.Join(dir, "target.txt")
		Expect(os.WriteFile(src, []byte("original"), 0o644)).To(Succeed())

		m := newManager(filepath.Join(dir, "backups"), false)
		info, err := m.Create(context.Background(), src, backup.TypeFile, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Type).To(Equal(backup.TypeFile))
		Expect(info.SizeBytes).To(BeNumerically(">", 0))

		Expect(os.WriteFile(src, []byte("corrupted"), 0o644)).To(Succeed())
		Expect(m.Restore(context.Background(), info.BackupID)).To(Succeed())

		content, err := os.ReadFile(src)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("original"))
	})

	It("errors for a source file that does not exist", func() {
		dir := GinkgoT().TempDir()
		m := newManager(filepath.Join(dir, "backups"), false)
		_, err := m.Create(context.Background(), filepath.Join(dir, "missing.txt"), backup.TypeFile, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("directory backups", func() {
	It("backs up and restores a directory tree", func() {
		dir := GinkgoT().TempDir()
		src := filepath.Join(dir, "project")
		Expect(os.MkdirAll(filepath.Join(src, "sub"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("hello"), 0o644)).To(Succeed())

		m := newManager(filepath.Join(dir, "backups"), true)
		info, err := m.Create(context.Background(), src, backup.TypeDirectory, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Type).To(Equal(backup.TypeDirectory))

		Expect(os.RemoveAll(src)).To(Succeed())
		Expect(m.Restore(context.Background(), info.BackupID)).To(Succeed())

		content, err := os.ReadFile(filepath.Join(src, "sub", "file.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("hello"))
	})
})

var _ = Describe("type detection", func() {
	It("auto-detects file vs directory from the filesystem", func() {
		dir := GinkgoT().TempDir()
		filePath := filepath.Join(dir, "a.txt")
		Expect(os.WriteFile(filePath, []byte("x"), 0o644)).To(Succeed())
		dirPath := filepath.Join(dir, "adir")
		Expect(os.Mkdir(dirPath, 0o755)).To(Succeed())

		m := newManager(filepath.Join(dir, "backups"), false)

		fileInfo, err := m.Create(context.Background(), filePath, "", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(fileInfo.Type).To(Equal(backup.TypeFile))

		dirInfo, err := m.Create(context.Background(), dirPath, "", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(dirInfo.Type).To(Equal(backup.TypeDirectory))
	})
})

var _ = Describe("batch operations", func() {
	It("continues past individual failures in CreateBatch", func() {
		dir := GinkgoT().TempDir()
		ok := filepath.Join(dir, "ok.txt")
		Expect(os.WriteFile(ok, []byte("x"), 0o644)).To(Succeed())
		missing := filepath.Join(dir, "missing.txt")

		m := newManager(filepath.Join(dir, "backups"), false)
		results := m.CreateBatch(context.Background(), []string{ok, missing}, nil)
		Expect(results).To(HaveLen(1))
		Expect(results).To(HaveKey(ok))
	})

	It("rolls back a batch in reverse order and keeps going after a failure", func() {
		dir := GinkgoT().TempDir()
		a := filepath.Join(dir, "a.txt")
		b := filepath.Join(dir, "b.txt")
		Expect(os.WriteFile(a, []byte("a1"), 0o644)).To(Succeed())
		Expect(os.WriteFile(b, []byte("b1"), 0o644)).To(Succeed())

		m := newManager(filepath.Join(dir, "backups"), false)
		infoA, err := m.Create(context.Background(), a, backup.TypeFile, nil)
		Expect(err).NotTo(HaveOccurred())
		infoB, err := m.Create(context.Background(), b, backup.TypeFile, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(os.WriteFile(a, []byte("a2"), 0o644)).To(Succeed())
		Expect(os.WriteFile(b, []byte("b2"), 0o644)).To(Succeed())

		ok := m.RollbackBatch(context.Background(), []string{infoA.BackupID, infoB.BackupID, "does-not-exist"})
		Expect(ok).To(BeFalse())

		content, _ := os.ReadFile(a)
		Expect(string(content)).To(Equal("a1"))
	})
})

var _ = Describe("Stats and List", func() {
	It("reports active backup count and total size", func() {
		dir := GinkgoT().TempDir()
		src := filepath.Join(dir, "a.txt")
		Expect(os.WriteFile(src, []byte("hello world"), 0o644)).To(Succeed())

		m := newManager(filepath.Join(dir, "backups"), false)
		_, err := m.Create(context.Background(), src, backup.TypeFile, nil)
		Expect(err).NotTo(HaveOccurred())

		stats := m.Stats()
		Expect(stats.ActiveBackups).To(Equal(1))
		Expect(stats.TotalSizeMB).To(BeNumerically(">", 0))
		Expect(m.List()).To(HaveLen(1))
	})
})
