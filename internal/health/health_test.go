package health

import (
	"context"
	"testing"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/stat"
)

func TestHealth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "health")
}

type fakeProber struct {
	elapsed time.Duration
	fail    map[string]bool
}

func (f *fakeProber) Probe(_ context.Context, p *proxyspec.Proxy) (time.Duration, error) {
	if f.fail[p.ShortName] {
		return 0, errFake
	}
	return f.elapsed, nil
}

var errFake = fakeErr("probe failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var _ = Describe("Manager rules", func() {
	var p *pool.Pool
	var ring *stat.Ring
	var mgr *Manager

	BeforeEach(func() {
		ring = stat.NewRing()
		p = pool.New(ring, stat.NewDomainSpeedMap())
		mgr = New(p, ring, nil, &fakeProber{elapsed: 10 * time.Millisecond}, nil)
	})

	Describe("R1", func() {
		It("demotes a head whose fail_rate exceeds the threshold when a replacement exists", func() {
			a := proxyspec.New(ring, proxyspec.HTTPConnect, "a.example", 1, "a")
			b := proxyspec.New(ring, proxyspec.HTTPConnect, "b.example", 1, "b")
			p.Add(a, false)
			p.Add(b, false)

			a.SetDownSpeed(1000)
			b.SetDownSpeed(1000)
			for i := 0; i < 10; i++ {
				a.Record("1.1.1.1", -1, true)
				b.Record("2.2.2.2", 1, false)
			}

			mgr.applyRules()
			Expect(p.Head().ShortName).To(Equal("b"))
		})
	})

	Describe("R5", func() {
		It("resets the head's stats when no better candidate exists", func() {
			a := proxyspec.New(ring, proxyspec.HTTPConnect, "a.example", 1, "a")
			p.Add(a, false)
			a.SetDownSpeed(1000)
			for i := 0; i < poolSessCountOver(); i++ {
				a.IncSessCount()
			}

			mgr.applyRules()
			Expect(a.SessCount()).To(Equal(0))
		})
	})
})

func poolSessCountOver() int { return 101 }
