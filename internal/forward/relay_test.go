package forward

import (
	"net"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

var _ = Describe("pump", func() {
	It("relaxes to the looser idle budget once the first byte has arrived", func() {
		src, writer := net.Pipe()
		dst, reader := net.Pipe()
		defer src.Close()
		defer writer.Close()
		defer dst.Close()
		defer reader.Close()

		done := make(chan int64, 1)
		var gotFirstByte bool
		go func() {
			done <- pump(dst, src, 50*time.Millisecond, 300*time.Millisecond, func() { gotFirstByte = true })
		}()

		writer.Write([]byte("a"))
		buf := make([]byte, 1)
		_, err := reader.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("a"))

		// Past the tight initial budget but inside the looser idle budget:
		// a pump that never switched budgets would have already bailed.
		time.Sleep(120 * time.Millisecond)
		writer.Write([]byte("b"))
		_, err = reader.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("b"))
		Expect(gotFirstByte).To(BeTrue())

		writer.Close()
		Eventually(done, time.Second).Should(Receive())
	})

	It("gives up once the initial budget elapses with no byte at all", func() {
		src, writer := net.Pipe()
		dst, _ := net.Pipe()
		defer writer.Close()

		done := make(chan int64, 1)
		go func() {
			done <- pump(dst, src, 30*time.Millisecond, 300*time.Millisecond, nil)
		}()

		var n int64
		Eventually(done, time.Second).Should(Receive(&n))
		Expect(n).To(Equal(int64(0)))
	})
})
