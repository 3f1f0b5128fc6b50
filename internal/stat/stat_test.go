package stat

import (
	"math"
	"testing"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

func TestStat(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "stat")
}

var _ = Describe("Ring", func() {
	var ring *Ring

	BeforeEach(func() {
		ring = NewRing()
		ring.SetPoolSize(2)
	})

	Describe("TP90", func() {
		Context("with no samples", func() {
			It("returns zero", func() {
				value, n := TP90(ring.Snapshot(), "")
				Expect(value).To(BeZero())
				Expect(n).To(BeZero())
			})
		})

		Context("with ten samples", func() {
			BeforeEach(func() {
				for i := 1; i <= 10; i++ {
					ring.Record("a/1.2.3.4", float64(i), false)
				}
			})

			It("drops the top decile", func() {
				value, n := TP90(ring.Snapshot(), "")
				Expect(n).To(Equal(10))
				Expect(value).To(Equal(9.0))
			})
		})

		Context("with failures mixed in", func() {
			BeforeEach(func() {
				ring.Record("a/1.2.3.4", 1, false)
				ring.Record("a/1.2.3.4", -1, true)
				ring.Record("a/1.2.3.4", 2, false)
			})

			It("excludes failed samples from the percentile subset", func() {
				_, n := TP90(ring.Snapshot(), "a")
				Expect(n).To(Equal(2))
			})
		})
	})

	Describe("Checkout", func() {
		BeforeEach(func() {
			ring.Record("a/1.2.3.4", 1, false)
			ring.Record("b/5.6.7.8", 1, false)
		})

		It("removes every entry whose key starts with the given name", func() {
			ring.Checkout("a")
			count, _ := WindowStats(ring.Snapshot(), "")
			Expect(count).To(Equal(1))
		})
	})
})

var _ = Describe("PerProxyStat", func() {
	var ring *Ring
	var p *PerProxyStat

	BeforeEach(func() {
		ring = NewRing()
		ring.SetPoolSize(1)
		p = NewPerProxyStat(ring, "alpha")
	})

	Describe("FailRate", func() {
		Context("with a cold start under 10 samples", func() {
			It("reports zero unless failures reach 5", func() {
				for i := 0; i < 4; i++ {
					p.Record("1.1.1.1", -1, true)
				}
				Expect(p.FailRate()).To(BeZero())

				p.Record("1.1.1.1", -1, true)
				Expect(p.FailRate()).To(BeNumerically(">", 0))
			})
		})
	})

	Describe("DownSpeed", func() {
		It("replaces rather than averages on the first sample", func() {
			p.SetDownSpeed(1000)
			Expect(p.DownSpeed()).To(Equal(1000.0))
		})

		It("averages a fresh successive sample", func() {
			p.SetDownSpeed(1000)
			p.SetDownSpeed(3000)
			Expect(p.DownSpeed()).To(Equal(2000.0))
		})
	})

	Describe("SortKey", func() {
		It("is zero when down_speed is unknown", func() {
			Expect(p.SortKey(1.0)).To(BeZero())
		})

		It("uses the short-window fail rate when the window holds no usable samples", func() {
			// Every window entry is a failure, so the tp90 candidate count
			// is zero — but the lifetime counters were wiped by an
			// A-record rotation. The n==0 branch must read the window's
			// rate of 1.0 (zeroing the key), not the clean lifetime rate.
			for i := 0; i < 20; i++ {
				p.Record("9.9.9.9", -1, true)
			}
			p.ForgetIP("9.9.9.9")
			p.SetDownSpeed(1024000)

			Expect(p.SortKey(1.0)).To(BeZero())
		})

		It("uses the short-window fail rate once the window saturates", func() {
			// 100 old failures have been pushed out of the ring by 100
			// fresh successes: lifetime says 0.5, the window says 0. At
			// n >= 90% of the calc count the window rate must win.
			for i := 0; i < 100; i++ {
				p.Record("1.1.1.1", -1, true)
			}
			for i := 0; i < 100; i++ {
				p.Record("1.1.1.1", 1.0, false)
			}
			p.SetDownSpeed(1024000)

			// s=10, f1=(1-0)^3, tp90 equals the global so f2=(0.9^4)^(1/4).
			expected := 10 * math.Pow(math.Pow(0.9, 4), 0.25) * 10
			Expect(p.SortKey(1.0)).To(BeNumerically("~", expected, 1e-9))
		})
	})

	Describe("InBackoff", func() {
		It("is false before any error is recorded", func() {
			Expect(p.InBackoff()).To(BeFalse())
		})

		It("is true immediately after an error", func() {
			p.MarkError()
			Expect(p.InBackoff()).To(BeTrue())
		})
	})
})
