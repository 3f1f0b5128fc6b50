package upstream

import (
	"io"
	"net"
	"testing"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"
)

func TestUpstream(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "upstream")
}

// pipeConn returns two ends of an in-memory full-duplex connection so the
// handshake codecs can be exercised without a real listener.
func pipeConn() (net.Conn, net.Conn) {
	return net.Pipe()
}

var _ = Describe("NewStreamCipher", func() {
	It("fails on an unknown method", func() {
		_, err := NewStreamCipher("rot13", "pw")
		Expect(err).To(HaveOccurred())
	})

	It("round-trips through salsa20 using the exchanged iv", func() {
		suite, err := NewStreamCipher("salsa20", "hunter2")
		Expect(err).NotTo(HaveOccurred())

		enc, iv, err := suite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		Expect(iv).To(HaveLen(suite.IVSize()))
		dec, err := suite.NewDecrypter(iv)
		Expect(err).NotTo(HaveOccurred())

		ct := enc.Encrypt([]byte("hello world"))
		pt, err := dec.Decrypt(ct)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(pt)).To(Equal("hello world"))
	})

	It("round-trips through chacha20-ietf-poly1305 using the exchanged salt", func() {
		suite, err := NewStreamCipher("chacha20-ietf-poly1305", "hunter2")
		Expect(err).NotTo(HaveOccurred())

		enc, salt, err := suite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		Expect(salt).To(HaveLen(suite.IVSize()))
		dec, err := suite.NewDecrypter(salt)
		Expect(err).NotTo(HaveOccurred())

		ct := enc.Encrypt([]byte("hello world"))
		pt, err := dec.Decrypt(ct)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(pt)).To(Equal("hello world"))
	})

	It("never reuses an iv/salt across two encrypters for the same password", func() {
		suite, err := NewStreamCipher("salsa20", "hunter2")
		Expect(err).NotTo(HaveOccurred())
		_, iv1, err := suite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		_, iv2, err := suite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		Expect(iv1).NotTo(Equal(iv2))
	})

	It("fails to decrypt an AEAD chunk sealed under a different salt", func() {
		suite, err := NewStreamCipher("chacha20-ietf-poly1305", "hunter2")
		Expect(err).NotTo(HaveOccurred())

		enc, _, err := suite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		_, otherSalt, err := suite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		dec, err := suite.NewDecrypter(otherSalt)
		Expect(err).NotTo(HaveOccurred())

		ct := enc.Encrypt([]byte("hello world"))
		_, err = dec.Decrypt(ct)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Socks5Connect", func() {
	It("succeeds on a no-auth 00 reply", func() {
		client, server := pipeConn()
		defer client.Close()
		defer server.Close()

		done := make(chan error, 1)
		go func() { done <- Socks5Connect(client, "example.com", 443) }()

		greeting := make([]byte, 3)
		server.Read(greeting)
		server.Write([]byte{0x05, 0x00})

		req := make([]byte, 4+1+len("example.com")+2)
		server.Read(req)
		server.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		Eventually(done, time.Second).Should(Receive(BeNil()))
	})

	It("surfaces a descriptive error on a non-zero REP", func() {
		client, server := pipeConn()
		defer client.Close()
		defer server.Close()

		done := make(chan error, 1)
		go func() { done <- Socks5Connect(client, "1.2.3.4", 80) }()

		greeting := make([]byte, 3)
		server.Read(greeting)
		server.Write([]byte{0x05, 0x00})

		req := make([]byte, 4+4+2)
		server.Read(req)
		server.Write([]byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		var err error
		Eventually(done, time.Second).Should(Receive(&err))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("connection refused"))
	})
})

var _ = Describe("HTTPConnectDial", func() {
	It("succeeds on a 200 response", func() {
		client, server := pipeConn()
		defer client.Close()
		defer server.Close()

		done := make(chan error, 1)
		go func() { done <- HTTPConnectDial(client, "example.com", 443) }()

		go server.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
		buf := make([]byte, 512)
		server.Read(buf)

		Eventually(done, time.Second).Should(Receive(BeNil()))
	})
})

var _ = Describe("ShadowsocksDial / cipherConn", func() {
	It("sends a fresh iv, then delivers the encrypted address header, then relays transparently", func() {
		client, server := pipeConn()
		defer client.Close()
		defer server.Close()

		type dialResult struct {
			conn net.Conn
			err  error
		}
		done := make(chan dialResult, 1)
		go func() {
			conn, err := ShadowsocksDial(client, "example.com", 443, "salsa20", "pw")
			done <- dialResult{conn, err}
		}()

		serverSuite, err := NewStreamCipher("salsa20", "pw")
		Expect(err).NotTo(HaveOccurred())
		serverSide := &cipherConn{Conn: server, suite: serverSuite}

		// The client's iv must arrive before the address header is
		// decryptable at all, and must differ run to run.
		iv := make([]byte, serverSuite.IVSize())
		_, err = io.ReadFull(server, iv)
		Expect(err).NotTo(HaveOccurred())
		dec, err := serverSuite.NewDecrypter(iv)
		Expect(err).NotTo(HaveOccurred())
		serverSide.dec = dec

		header := make([]byte, 1+1+len("example.com")+2)
		n, err := serverSide.Read(header)
		Expect(err).NotTo(HaveOccurred())
		Expect(header[0]).To(Equal(byte(0x03)))
		Expect(n).To(Equal(len(header)))

		var res dialResult
		Eventually(done, time.Second).Should(Receive(&res))
		Expect(res.err).NotTo(HaveOccurred())

		go res.conn.Write([]byte("ping"))
		reply := make([]byte, 4)
		_, err = serverSide.Read(reply)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(reply)).To(Equal("ping"))

		// The server replies with its own, independently generated iv
		// ahead of its own ciphertext.
		serverEnc, serverIV, err := serverSuite.NewEncrypter()
		Expect(err).NotTo(HaveOccurred())
		Expect(serverIV).NotTo(Equal(iv))
		serverSide.enc = serverEnc
		go func() {
			server.Write(serverIV)
			serverSide.Write([]byte("pong"))
		}()

		back := make([]byte, 4)
		_, err = io.ReadFull(res.conn, back)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(back)).To(Equal("pong"))
	})
})
