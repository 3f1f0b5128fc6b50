// Package forward implements the per-connection accept/parse/decide/
// connect/relay state machine, with a recover-and-continue discipline
// wrapping each connection's goroutine.
package forward

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/taige/tsproxy/internal/classify"
	"github.com/taige/tsproxy/internal/config"
	"github.com/taige/tsproxy/internal/dnscache"
	"github.com/taige/tsproxy/internal/health"
	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/procattr"
	"github.com/taige/tsproxy/internal/router"
	"github.com/taige/tsproxy/internal/wire"
)

// Engine wires the pool, router, DNS cache, classifier and ACL into the
// accept loop. Router may be nil (no YAML router config loaded), in which
// case Mode drives the no-match fallback directly.
type Engine struct {
	Pool       *pool.Pool
	Router     *router.Config
	Mode       config.Mode
	Classifier *classify.Classifier
	DNS        *dnscache.Resolver
	ACL        *config.ACL
	SpeedSites *config.SpeedSites
	Attributor *procattr.Attributor
	Logger     *wire.Logger
	Health     *health.Manager

	// Admin serves the control-plane surface for requests isAdminRequest
	// selects (non-CONNECT, origin form). ListenAddr is the engine's own
	// bind address ("host:port"), which the speed probe dials to reach
	// this listener.
	Admin      AdminHandler
	ListenAddr string

	connSeq uint64
}

// AdminHandler is the narrow surface internal/admin.Server exposes back
// to the engine, kept here to avoid an import cycle.
type AdminHandler interface {
	Mux() http.Handler
	RegisterConn(id, peer, requestLine string)
	UpdateConn(id string, bytes int64)
	DeregisterConn(id string)
}

// Serve runs the accept loop until ctx is canceled or the listener errors.
// Each connection is serviced by its own recover-wrapped goroutine.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go e.safely(func() { e.handleConnection(ctx, conn) })
	}
}

func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logf("forward: recovered: %v", r)
		}
	}()
	fn()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// handleConnection is ACCEPTED → (ACL) → loop of PARSE_REQ → DECIDE →
// CONNECT_UP → RELAY, with keep-alive looping back to PARSE_REQ on the same
// socket.
func (e *Engine) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peerIP := hostIP(conn.RemoteAddr())
	localIP := hostIP(conn.LocalAddr())
	if e.ACL != nil && peerIP != nil && localIP != nil && !peerIP.Equal(localIP) && !e.ACL.Allow(peerIP) {
		return // ACL deny: close without logging a request line
	}

	appName := e.attributeApp(conn.RemoteAddr())

	reader := bufio.NewReader(conn)
	var up *upstreamState
	defer func() { up.close() }()

	// The first request on a fresh socket gets a tight read deadline;
	// keep-alive waits for a follow-up request get the regular budget.
	deadline := time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(deadline))
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(poolcfg.DefaultTimeout))

		keepGoing := e.handleOneRequest(ctx, conn, req, appName, &up)
		if !keepGoing {
			return
		}
		deadline = poolcfg.DefaultTimeout
	}
}

// attributeApp resolves the owning process of the peer side of the socket
// from the OS connection table, keyed by the peer's local port.
func (e *Engine) attributeApp(peerAddr net.Addr) string {
	if e.Attributor == nil {
		return ""
	}
	tcpAddr, ok := peerAddr.(*net.TCPAddr)
	if !ok {
		return ""
	}
	proc, ok := e.Attributor.Attribute(tcpAddr.Port)
	if !ok {
		return ""
	}
	return proc.Name
}

func hostIP(addr net.Addr) net.IP {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	return tcpAddr.IP
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// registerConn tells the admin surface about a proxied connection so
// "/conn" can list it; it's a no-op when no admin surface is wired.
func (e *Engine) registerConn(conn net.Conn, req *http.Request) string {
	if e.Admin == nil {
		return ""
	}
	id := fmt.Sprintf("c%d", atomic.AddUint64(&e.connSeq, 1))
	peer := ""
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = tcp.IP.String()
	}
	e.Admin.RegisterConn(id, peer, req.Method+" "+req.RequestURI)
	return id
}

func (e *Engine) updateConn(id string, bytes int64) {
	if e.Admin == nil || id == "" {
		return
	}
	e.Admin.UpdateConn(id, bytes)
}

func (e *Engine) deregisterConn(id string) {
	if e.Admin == nil || id == "" {
		return
	}
	e.Admin.DeregisterConn(id)
}
