package dnscache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

func TestDnscache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dnscache")
}

var _ = Describe("Resolver", func() {
	It("passes through literal IPs without calling lookup", func() {
		calls := int32(0)
		r := New(time.Minute, func(ctx context.Context, host string) ([]string, error) {
			atomic.AddInt32(&calls, 1)
			return []string{"1.2.3.4"}, nil
		})
		ips, err := r.Resolve(context.Background(), "9.9.9.9")
		Expect(err).NotTo(HaveOccurred())
		Expect(ips).To(Equal([]string{"9.9.9.9"}))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(0)))
	})

	It("dedupes concurrent lookups for the same hostname", func() {
		calls := int32(0)
		release := make(chan struct{})
		r := New(time.Minute, func(ctx context.Context, host string) ([]string, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return []string{"5.6.7.8"}, nil
		})

		done := make(chan struct{}, 2)
		for i := 0; i < 2; i++ {
			go func() {
				ips, err := r.Resolve(context.Background(), "example.com")
				Expect(err).NotTo(HaveOccurred())
				Expect(ips).To(Equal([]string{"5.6.7.8"}))
				done <- struct{}{}
			}()
		}

		time.Sleep(20 * time.Millisecond)
		close(release)
		<-done
		<-done
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("caches results until the TTL expires", func() {
		calls := int32(0)
		r := New(20*time.Millisecond, func(ctx context.Context, host string) ([]string, error) {
			atomic.AddInt32(&calls, 1)
			return []string{"1.1.1.1"}, nil
		})
		_, _ = r.Resolve(context.Background(), "cached.example")
		_, _ = r.Resolve(context.Background(), "cached.example")
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))

		time.Sleep(30 * time.Millisecond)
		_, _ = r.Resolve(context.Background(), "cached.example")
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(2)))
	})
})
