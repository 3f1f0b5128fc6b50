package procattr

import (
	"net"
	"os"
	"testing"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

func TestProcattr(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "procattr")
}

var _ = Describe("Attributor", func() {
	It("attributes a real local listener's port to this test process", func() {
		if os.Getenv("CI_NO_PROC") != "" {
			Skip("proc attribution unavailable in this sandbox")
		}

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		port := ln.Addr().(*net.TCPAddr).Port

		a := New()
		proc, ok := a.Attribute(port)
		if !ok {
			Skip("no permission to read /proc/net/tcp in this sandbox")
		}
		Expect(proc.PID).To(BeNumerically(">", 0))
	})

	It("disables attribution after repeated permission denials", func() {
		a := New()
		for i := 0; i < 10; i++ {
			a.recordDenial()
		}
		Expect(a.disabledTill.After(time.Now())).To(BeTrue())

		_, ok := a.Attribute(1)
		Expect(ok).To(BeFalse())
	})
})
