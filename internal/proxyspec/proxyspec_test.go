package proxyspec

import (
	"testing"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/taige/tsproxy/internal/stat"
)

func TestProxyspec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "proxyspec")
}

var _ = Describe("Proxy", func() {
	var ring *stat.Ring
	var p *Proxy

	BeforeEach(func() {
		ring = stat.NewRing()
		p = New(ring, Socks5, "example.com", 1080, "")
	})

	It("derives a short name from host:port when none is given", func() {
		Expect(p.ShortName).To(Equal("example.com:1080"))
	})

	Describe("RotateFailedAddress", func() {
		BeforeEach(func() {
			p.SetAddresses([]string{"1.1.1.1", "2.2.2.2", "3.3.3.3"})
		})

		It("moves the failed address to the tail", func() {
			p.RotateFailedAddress("1.1.1.1")
			Expect(p.Addresses()).To(Equal([]string{"2.2.2.2", "3.3.3.3", "1.1.1.1"}))
		})
	})

	Describe("JSON round-trip", func() {
		It("restores identity and live fields", func() {
			p.SetAddresses([]string{"9.9.9.9"})
			p.SetDownSpeed(2048)

			raw, err := p.MarshalJSON()
			Expect(err).NotTo(HaveOccurred())

			p2 := New(ring, Direct, "", 0, "tmp")
			Expect(p2.UnmarshalInto(raw)).To(Succeed())

			Expect(p2.ShortName).To(Equal("example.com:1080"))
			Expect(p2.Addresses()).To(Equal([]string{"9.9.9.9"}))
			Expect(p2.DownSpeed()).To(Equal(2048.0))
		})
	})
})
