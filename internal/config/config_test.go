package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/taige/tsproxy/internal/proxyspec"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config")
}

var _ = Describe("LoadDefaults / Validate", func() {
	It("fills zero-valued defaulted fields and leaves set ones alone", func() {
		opts := &Options{ModeName: "proxy-all"}
		Expect(LoadDefaults(opts)).To(Succeed())
		Expect(opts.ListenAddr).To(Equal("0.0.0.0"))
		Expect(opts.ListenPort).To(Equal(8518))
		Expect(opts.ModeName).To(Equal("proxy-all"))
	})

	It("rejects a missing required field", func() {
		opts := &Options{}
		Expect(Validate(opts)).To(HaveOccurred())
	})
})

var _ = Describe("ParseMode", func() {
	It("parses all three modes", func() {
		m, err := ParseMode("no-proxy")
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(NoProxy))

		m, err = ParseMode("proxy-all")
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(ProxyAll))

		m, err = ParseMode("smart")
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(Smart))
	})

	It("rejects an unknown mode", func() {
		_, err := ParseMode("yolo")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ParseUpstreamSpec", func() {
	It("parses host:port as socks5", func() {
		spec, err := ParseUpstreamSpec("1.2.3.4:1080")
		Expect(err).NotTo(HaveOccurred())
		Expect(spec.Kind).To(Equal(proxyspec.Socks5))
		Expect(spec.Host).To(Equal("1.2.3.4"))
		Expect(spec.Port).To(Equal(1080))
		Expect(spec.ShortName).To(Equal(""))
	})

	It("parses host:port/shortname as socks5 with a name", func() {
		spec, err := ParseUpstreamSpec("1.2.3.4:1080/hk1")
		Expect(err).NotTo(HaveOccurred())
		Expect(spec.Kind).To(Equal(proxyspec.Socks5))
		Expect(spec.ShortName).To(Equal("hk1"))
	})

	It("parses password/method@host:port as shadowsocks", func() {
		spec, err := ParseUpstreamSpec("hunter2/aes-256-cfb@5.6.7.8:8388")
		Expect(err).NotTo(HaveOccurred())
		Expect(spec.Kind).To(Equal(proxyspec.Shadowsocks))
		Expect(spec.Password).To(Equal("hunter2"))
		Expect(spec.Method).To(Equal("aes-256-cfb"))
		Expect(spec.Host).To(Equal("5.6.7.8"))
		Expect(spec.Port).To(Equal(8388))
	})

	It("parses a bare host as shadowsocks with a sidecar path", func() {
		spec, err := ParseUpstreamSpec("relay1")
		Expect(err).NotTo(HaveOccurred())
		Expect(spec.Kind).To(Equal(proxyspec.Shadowsocks))
		Expect(spec.JSONConfig).To(Equal("relay1.json"))
	})

	It("parses http://host:port/shortname as an http-connect upstream", func() {
		spec, err := ParseUpstreamSpec("http://9.9.9.9:3128/us1")
		Expect(err).NotTo(HaveOccurred())
		Expect(spec.Kind).To(Equal(proxyspec.HTTPConnect))
		Expect(spec.Host).To(Equal("9.9.9.9"))
		Expect(spec.Port).To(Equal(3128))
		Expect(spec.ShortName).To(Equal("us1"))
	})
})

var _ = Describe("ACL", func() {
	It("matches CIDR and subnet-wildcard entries", func() {
		a := NewACL()
		Expect(a.Add("10.0.0.0/8")).To(Succeed())
		Expect(a.Add("192.168.1.*")).To(Succeed())

		Expect(a.Allow(net.ParseIP("10.1.2.3"))).To(BeTrue())
		Expect(a.Allow(net.ParseIP("192.168.1.42"))).To(BeTrue())
		Expect(a.Allow(net.ParseIP("8.8.8.8"))).To(BeFalse())
	})

	It("loads entries from a file, skipping comments and blanks", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "acl.txt")
		Expect(os.WriteFile(path, []byte("# comment\n\n127.0.0.1/32\n"), 0o644)).To(Succeed())

		a, err := LoadACL(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Allow(net.ParseIP("127.0.0.1"))).To(BeTrue())
	})
})

var _ = Describe("SpeedSites", func() {
	It("allows a suffix match and honors a blacklist override", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "speed_sites.txt")
		Expect(os.WriteFile(path, []byte("example.com\n-ads.example.com\n"), 0o644)).To(Succeed())

		s, err := LoadSpeedSites(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Allowed("cdn.example.com")).To(BeTrue())
		Expect(s.Allowed("ads.example.com")).To(BeFalse())
		Expect(s.Allowed("unrelated.net")).To(BeFalse())
	})
})
