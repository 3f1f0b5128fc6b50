package forward

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

var _ = Describe("isNetworkUnreachable", func() {
	It("recognizes ENETUNREACH wrapped in a net.OpError", func() {
		err := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}
		Expect(isNetworkUnreachable(err)).To(BeTrue())
	})

	It("recognizes EHOSTUNREACH wrapped through fmt.Errorf", func() {
		err := fmt.Errorf("dial: %w", os.NewSyscallError("connect", syscall.EHOSTUNREACH))
		Expect(isNetworkUnreachable(err)).To(BeTrue())
	})

	It("does not flag an ordinary connection-refused error", func() {
		err := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
		Expect(isNetworkUnreachable(err)).To(BeFalse())
	})

	It("does not flag an unrelated error", func() {
		Expect(isNetworkUnreachable(errors.New("boom"))).To(BeFalse())
	})
})
