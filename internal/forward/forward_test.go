package forward

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/bsm/ginkgo/v2"
	. "github.com/bsm/gomega"

	"github.com/taige/tsproxy/internal/classify"
	"github.com/taige/tsproxy/internal/config"
	"github.com/taige/tsproxy/internal/dnscache"
	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/router"
	"github.com/taige/tsproxy/internal/stat"
)

func TestForward(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "forward")
}

func newTestEngine(mode config.Mode) (*Engine, *pool.Pool) {
	ring := stat.NewRing()
	dmap := stat.NewDomainSpeedMap()
	p := pool.New(ring, dmap)
	return &Engine{Pool: p, Mode: mode}, p
}

// originServer is a minimal keep-alive-capable HTTP target: every accepted
// TCP connection is counted, and every request on it gets a fixed reply.
type originServer struct {
	ln       net.Listener
	accepted int32
}

func newOriginServer() *originServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	s := &originServer{ln: ln}
	go s.run()
	return s
}

func (s *originServer) addr() string { return s.ln.Addr().String() }
func (s *originServer) close()       { s.ln.Close() }

func (s *originServer) run() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&s.accepted, 1)
		go s.serve(conn)
	}
}

func (s *originServer) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.Body.Close()
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}
}

// readResponseLine drains one HTTP/1.1 response (status line, headers, a
// Content-Length body) off r and returns the status line.
func readResponseLine(r *bufio.Reader) (string, error) {
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	buf := make([]byte, 4096)
	for {
		if _, err := resp.Body.Read(buf); err != nil {
			break
		}
	}
	return resp.Status, nil
}

var _ = Describe("Engine direct routing", func() {
	It("forwards a plain HTTP request straight to the origin when mode is NoProxy", func() {
		origin := newOriginServer()
		defer origin.close()

		e, _ := newTestEngine(config.NoProxy)

		client, server := net.Pipe()
		defer client.Close()
		go e.safely(func() { e.handleConnection(context.Background(), server) })

		fmt.Fprintf(client, "GET /hello HTTP/1.1\r\nHost: %s\r\n\r\n", origin.addr())

		reader := bufio.NewReader(client)
		status, err := readResponseLine(reader)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("200 OK"))
		Expect(atomic.LoadInt32(&origin.accepted)).To(Equal(int32(1)))
	})

	It("reuses the upstream connection across two keep-alive requests to the same host", func() {
		origin := newOriginServer()
		defer origin.close()

		e, _ := newTestEngine(config.NoProxy)

		client, server := net.Pipe()
		defer client.Close()
		go e.safely(func() { e.handleConnection(context.Background(), server) })

		reader := bufio.NewReader(client)
		for i := 0; i < 2; i++ {
			fmt.Fprintf(client, "GET /hello HTTP/1.1\r\nHost: %s\r\n\r\n", origin.addr())
			status, err := readResponseLine(reader)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal("200 OK"))
		}

		Eventually(func() int32 { return atomic.LoadInt32(&origin.accepted) }).Should(Equal(int32(1)))
	})

	It("does not read a second request after a client Connection: close", func() {
		origin := newOriginServer()
		defer origin.close()

		e, _ := newTestEngine(config.NoProxy)

		client, server := net.Pipe()
		defer client.Close()
		go e.safely(func() { e.handleConnection(context.Background(), server) })

		fmt.Fprintf(client, "GET /hello HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", origin.addr())

		reader := bufio.NewReader(client)
		status, err := readResponseLine(reader)
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal("200 OK"))

		// The engine must have hung up its side of the socket rather than
		// looping back to read another request line.
		client.SetReadDeadline(time.Now().Add(time.Second))
		_, err = reader.ReadByte()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Engine router FORBID target", func() {
	It("answers a blocked host with a synthesized 403 after the fixed forbid delay", func() {
		e, _ := newTestEngine(config.NoProxy)
		e.Router = &router.Config{
			Default: router.Target{Kind: router.Direct},
			Rules: []router.Rule{
				{
					Name:       "block-ads",
					Conditions: map[string]any{"host": "ads.example.com"},
					Target:     router.Target{Kind: router.Forbid},
				},
			},
		}

		client, server := net.Pipe()
		defer client.Close()
		go e.safely(func() { e.handleConnection(context.Background(), server) })

		start := time.Now()
		fmt.Fprintf(client, "GET http://ads.example.com/track HTTP/1.1\r\nHost: ads.example.com\r\n\r\n")

		reader := bufio.NewReader(client)
		resp, err := http.ReadResponse(reader, nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(403))
		Expect(resp.Status).To(ContainSubstring("(TSP)"))
		Expect(time.Since(start)).To(BeNumerically(">=", 4*time.Second))
	})
})

// fakeSocks5Upstream accepts exactly one connection, completes the no-auth
// handshake, records the raw CONNECT request bytes it was sent, answers
// success, then closes so the relay loop unwinds immediately.
type fakeSocks5Upstream struct {
	ln       net.Listener
	received chan []byte
}

func newFakeSocks5Upstream() *fakeSocks5Upstream {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	u := &fakeSocks5Upstream{ln: ln, received: make(chan []byte, 1)}
	go u.run()
	return u
}

func (u *fakeSocks5Upstream) port() int { return u.ln.Addr().(*net.TCPAddr).Port }
func (u *fakeSocks5Upstream) close()    { u.ln.Close() }

func (u *fakeSocks5Upstream) run() {
	conn, err := u.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	greeting := make([]byte, 3)
	if _, err := readFull(conn, greeting); err != nil {
		return
	}
	conn.Write([]byte{0x05, 0x00})

	head := make([]byte, 5) // ver cmd rsv atyp len
	if _, err := readFull(conn, head); err != nil {
		return
	}
	nameLen := int(head[4])
	rest := make([]byte, nameLen+2)
	if _, err := readFull(conn, rest); err != nil {
		return
	}

	full := append(append([]byte{}, head...), rest...)
	u.received <- full

	conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var _ = Describe("Engine smart-mode foreign routing", func() {
	It("tunnels a CONNECT through the pool's SOCKS5 upstream for a foreign destination", func() {
		up := newFakeSocks5Upstream()
		defer up.close()

		ring := stat.NewRing()
		dmap := stat.NewDomainSpeedMap()
		p := pool.New(ring, dmap)
		px := proxyspec.New(ring, proxyspec.Socks5, "127.0.0.1", up.port(), "fake-up")
		p.Add(px, false)

		e := &Engine{
			Pool:       p,
			Mode:       config.Smart,
			Classifier: classify.New(""), // empty path: every non-private IP reads foreign
			DNS:        dnscache.New(time.Minute, func(ctx context.Context, host string) ([]string, error) { return []string{"8.8.8.8"}, nil }),
		}

		conn, gotPx, err := e.connectUpstream(context.Background(), router.Target{Kind: router.AnyProxy}, "example.com", 443)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotPx.ShortName).To(Equal("fake-up"))
		conn.Close()

		var req []byte
		Eventually(up.received).Should(Receive(&req))
		Expect(req[0]).To(Equal(byte(0x05))) // ver
		Expect(req[1]).To(Equal(byte(0x01))) // cmd: connect
		Expect(req[3]).To(Equal(byte(0x03))) // atyp: domain name
		Expect(req[4]).To(Equal(byte(len("example.com"))))
		Expect(string(req[5 : 5+len("example.com")])).To(Equal("example.com"))
	})
})

// fakeHTTPConnectUpstream either refuses every CONNECT by closing the
// socket before answering, or always succeeds and then closes — enough to
// drive connectUpstream's inline demotion-on-failure path.
type fakeHTTPConnectUpstream struct {
	ln      net.Listener
	succeed bool
	mu      sync.Mutex
	hits    int
}

func newFakeHTTPConnectUpstream(succeed bool) *fakeHTTPConnectUpstream {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	u := &fakeHTTPConnectUpstream{ln: ln, succeed: succeed}
	go u.run()
	return u
}

func (u *fakeHTTPConnectUpstream) port() int { return u.ln.Addr().(*net.TCPAddr).Port }
func (u *fakeHTTPConnectUpstream) close()    { u.ln.Close() }

func (u *fakeHTTPConnectUpstream) run() {
	for {
		conn, err := u.ln.Accept()
		if err != nil {
			return
		}
		u.mu.Lock()
		u.hits++
		u.mu.Unlock()

		if !u.succeed {
			conn.Close()
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			reader := bufio.NewReader(c)
			req, err := http.ReadRequest(reader)
			if err != nil {
				return
			}
			req.Body.Close()
			fmt.Fprintf(c, "HTTP/1.1 200 Connection established\r\n\r\n")
		}(conn)
	}
}

var _ = Describe("Engine connect-time demotion", func() {
	It("moves a head proxy that fails to connect to the tail, favoring the surviving proxy next time", func() {
		failing := newFakeHTTPConnectUpstream(false)
		defer failing.close()
		healthy := newFakeHTTPConnectUpstream(true)
		defer healthy.close()

		ring := stat.NewRing()
		dmap := stat.NewDomainSpeedMap()
		p := pool.New(ring, dmap)
		a := proxyspec.New(ring, proxyspec.HTTPConnect, "127.0.0.1", failing.port(), "a-flaky")
		b := proxyspec.New(ring, proxyspec.HTTPConnect, "127.0.0.1", healthy.port(), "b-solid")
		p.Add(a, false)
		p.Add(b, false)
		Expect(p.Head().ShortName).To(Equal("a-flaky"))

		e := &Engine{Pool: p}

		conn, gotPx, err := e.connectUpstream(context.Background(), router.Target{Kind: router.AnyProxy}, "example.com", 443)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotPx.ShortName).To(Equal("b-solid"))
		conn.Close()

		Expect(p.Head().ShortName).To(Equal("b-solid"))

		conn2, gotPx2, err := e.connectUpstream(context.Background(), router.Target{Kind: router.AnyProxy}, "example.com", 443)
		Expect(err).NotTo(HaveOccurred())
		Expect(gotPx2.ShortName).To(Equal("b-solid"))
		conn2.Close()

		failing.mu.Lock()
		hits := failing.hits
		failing.mu.Unlock()
		Expect(hits).To(Equal(1)) // the second attempt went straight to b-solid
	})
})
