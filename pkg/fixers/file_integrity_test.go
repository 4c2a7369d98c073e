package fixers_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aegisops/aegis-controller/internal/errors"
	"github.com/aegisops/aegis-controller/pkg/command"
	"github.com/aegisops/aegis-controller/pkg/fixers"
	"github.com/aegisops/aegis-controller/pkg/types"
)

var _ = Describe("FileIntegrityFixer", func() {
	var f *fixers.FileIntegrityFixer

	BeforeEach(func() {
		exec := command.New(command.DefaultConfig(), newLogger())
		bm := newBackupManager(filepath.Join(GinkgoT().TempDir(), "backups"))
		f = fixers.NewFileIntegrityFixer(exec, bm, newLogger())
	})

	It("refuses to restore a critical path change without approval", func() {
		events := []types.SecurityEvent{{
			Source: types.SourceFileIntegrity,
			Details: types.FileIntegrityDetails{
				Path: "/etc/passwd",
				Kind: types.ChangeChanged,
			},
		}}

		_, err := f.Fix(context.Background(), events, "investigate the change")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, errors.ErrRefusedUnsafe)).To(BeTrue())
	})

	It("quarantines a newly added file", func() {
		dir := GinkgoT().TempDir()
		target := filepath.Join(dir, "dropped.sh")
		Expect(os.WriteFile(target, []byte("#!/bin/sh\necho hi\n"), 0o755)).To(Succeed())

		events := []types.SecurityEvent{{
			Source: types.SourceFileIntegrity,
			Details: types.FileIntegrityDetails{
				Path: target,
				Kind: types.ChangeAdded,
			},
		}}

		outcome, err := f.Fix(context.Background(), events, "quarantine the suspicious file")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success).To(BeTrue())
		Expect(outcome.Extra["quarantined"]).To(ContainSubstring(target))

		_, statErr := os.Stat(target)
		Expect(statErr).To(HaveOccurred())
	})

	It("records a legitimate change under a safe path without restoring it", func() {
		events := []types.SecurityEvent{{
			Source: types.SourceFileIntegrity,
			Details: types.FileIntegrityDetails{
				Path:           "/var/log/app.log",
				Kind:           types.ChangeChanged,
				ContentChanged: true,
			},
		}}

		outcome, err := f.Fix(context.Background(), events, "no action needed")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome.Success).To(BeTrue())
		Expect(outcome.Extra["legitimate"]).To(Equal("/var/log/app.log"))
	})
})
