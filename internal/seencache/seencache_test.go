package seencache_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/aegisops/aegis-controller/internal/seencache"
)

func TestSeenCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "seencache suite")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(GinkgoWriter)
	return log
}

var _ = Describe("IsNew", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "seen_events.json")
	})

	It("is idempotent within the same window: true then false, false", func() {
		c, err := seencache.New(path, newLogger())
		Expect(err).NotTo(HaveOccurred())

		Expect(c.IsNew("scan:CVE-1:pkg:1.0", true)).To(BeTrue())
		Expect(c.IsNew("scan:CVE-1:pkg:1.0", true)).To(BeFalse())
		Expect(c.IsNew("scan:CVE-1:pkg:1.0", true)).To(BeFalse())
	})

	It("treats different signatures independently", func() {
		c, err := seencache.New(path, newLogger())
		Expect(err).NotTo(HaveOccurred())

		Expect(c.IsNew("net:1.2.3.4:ssh-bf", false)).To(BeTrue())
		Expect(c.IsNew("net:1.2.3.5:ssh-bf", false)).To(BeTrue())
	})

	It("persists across reloads via Flush", func() {
		c, err := seencache.New(path, newLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(c.IsNew("host:1.2.3.4:sshd", false)).To(BeTrue())
		Expect(c.Flush()).To(Succeed())

		reloaded, err := seencache.New(path, newLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.IsNew("host:1.2.3.4:sshd", false)).To(BeFalse())
	})

	It("quarantines a corrupted cache file and starts fresh", func() {
		Expect(os.WriteFile(path, []byte("{not json"), 0o644)).To(Succeed())

		c, err := seencache.New(path, newLogger())
		Expect(err).To(HaveOccurred())
		Expect(c.Len()).To(Equal(0))

		matches, _ := filepath.Glob(path + ".*.corrupt")
		Expect(matches).To(HaveLen(1))
	})

	It("treats an entry older than its window as new again", func() {
		old := map[string]int64{"file:/etc/passwd:changed": time.Now().Add(-13 * time.Hour).Unix()}
		data, _ := json.Marshal(old)
		Expect(os.WriteFile(path, data, 0o644)).To(Succeed())

		c, err := seencache.New(path, newLogger())
		Expect(err).NotTo(HaveOccurred())
		Expect(c.IsNew("file:/etc/passwd:changed", true)).To(BeTrue())
	})
})
