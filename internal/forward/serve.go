package forward

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/router"
	"github.com/taige/tsproxy/internal/wire"
)

// upstreamState is the reusable upstream half of a keep-alive client
// socket: the open tunnel, its buffered reader (response bytes already
// read ahead must survive across requests), the destination it is open
// to, and the proxy carrying it (nil when direct).
type upstreamState struct {
	conn     net.Conn
	br       *bufio.Reader
	hostPort string
	px       *proxyspec.Proxy
}

func (u *upstreamState) close() {
	if u != nil && u.conn != nil {
		u.conn.Close()
	}
}

// reusableFor reports whether the open upstream can carry a request to
// hostPort under target: same destination, and the same direct-vs-proxied
// decision (a changed routing decision always gets a fresh upstream).
func (u *upstreamState) reusableFor(hostPort string, target router.Target) bool {
	if u == nil || u.conn == nil || u.hostPort != hostPort {
		return false
	}
	switch target.Kind {
	case router.Direct:
		return u.px == nil
	case router.Named:
		return u.px != nil && u.px.ShortName == target.Name
	default:
		return u.px != nil
	}
}

// handleOneRequest is PARSE_REQ (already done by the caller) through
// DECIDE/CONNECT_UP/RELAY/log for one request read off conn, reusing *up
// across keep-alive iterations when the destination hasn't changed. It
// returns whether the caller should read another request off the same
// socket.
func (e *Engine) handleOneRequest(ctx context.Context, conn net.Conn, req *http.Request, appName string, up **upstreamState) bool {
	start := time.Now()

	if e.Admin != nil && isAdminRequest(req) {
		conn.Write(e.serveAdmin(req))
		return !req.Close
	}

	host, port, err := targetHostPort(req)
	if err != nil {
		writeBadRequest(conn)
		return false
	}

	routerReq := buildRouterRequest(req, appName, host, port)
	target, ruleName := e.decide(ctx, routerReq)

	if target.Kind == router.Forbid {
		time.Sleep(poolcfg.ForbidDelay)
		writeForbidden(conn)
		e.logCommon(conn, req, appName, "", start, start, 0, 0, 403, '.')
		return false
	}

	wantHostPort := hostPort(host, port)
	reuse := req.Method != http.MethodConnect && (*up).reusableFor(wantHostPort, target)

	if !reuse {
		(*up).close()
		*up = nil

		conn2, px, connectErr := e.connectTarget(ctx, target, ruleName, host, port)
		if connectErr != nil {
			e.logf("forward: connect %s: %v", wantHostPort, connectErr)
			writeUpstreamUnavailable(conn, connectErr.Error())
			e.logCommon(conn, req, appName, "", start, start, 0, 0, 503, '.')
			return false
		}
		*up = &upstreamState{conn: conn2, br: bufio.NewReader(conn2), hostPort: wantHostPort, px: px}
	}

	connID := e.registerConn(conn, req)
	defer e.deregisterConn(connID)

	if req.Method == http.MethodConnect {
		state := *up
		*up = nil // the tunnel is consumed whole; nothing survives for reuse
		if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\nProxy-Agent: TSProxy\r\n\r\n")); err != nil {
			state.close()
			return false
		}
		result := relay(conn, state.conn, state.px)
		e.updateConn(connID, result.uploadBytes+result.downloadBytes)
		ttfb := start
		if result.responded {
			ttfb = start.Add(result.timeToFirst)
		}
		e.logCommon(conn, req, appName, proxyName(state.px), start, ttfb, result.uploadBytes, result.downloadBytes, 200, '.')
		if state.px != nil && !result.responded && e.Health != nil {
			e.Health.Poke(state.px.ShortName)
		}
		return false
	}

	return e.exchangeHTTP(conn, req, appName, up, connID, start)
}

// exchangeHTTP forwards one plain-HTTP request over the open upstream,
// parses the response off the upstream's reader, streams it back to the
// client, and leaves the upstream open for keep-alive reuse when the
// server allows it.
func (e *Engine) exchangeHTTP(conn net.Conn, req *http.Request, appName string, up **upstreamState, connID string, start time.Time) bool {
	state := *up
	px := state.px

	payload, err := buildOriginFormRequest(req)
	if err != nil {
		writeBadRequest(conn)
		return false
	}
	if _, err := state.conn.Write(payload); err != nil {
		e.recordOutcome(px, start, true)
		writeNoResponse(conn)
		e.logCommon(conn, req, appName, proxyName(px), start, start, int64(len(payload)), 0, 500, '.')
		state.close()
		*up = nil
		return false
	}

	state.conn.SetReadDeadline(time.Now().Add(poolcfg.ResponseTimeout))
	resp, err := http.ReadResponse(state.br, req)
	if err != nil {
		e.recordOutcome(px, start, true)
		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			writeResponseTimeout(conn)
			e.logCommon(conn, req, appName, proxyName(px), start, start, int64(len(payload)), 0, 504, '.')
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed):
			writeNoResponse(conn)
			e.logCommon(conn, req, appName, proxyName(px), start, start, int64(len(payload)), 0, 500, '.')
		default:
			writeUnparsableResponse(conn)
			e.logCommon(conn, req, appName, proxyName(px), start, start, int64(len(payload)), 0, 502, '.')
		}
		state.close()
		*up = nil
		return false
	}
	ttfb := time.Now()

	state.conn.SetReadDeadline(time.Now().Add(poolcfg.CloseOnIdleTimeout))
	// Every chunk relayed to the client pushes the upstream's idle budget
	// forward, so a long but active download is never cut by a wall-clock
	// cap.
	cw := &countingWriter{w: conn, refresh: func() {
		state.conn.SetReadDeadline(time.Now().Add(poolcfg.CloseOnIdleTimeout))
	}}
	writeErr := resp.Write(cw)
	resp.Body.Close()

	e.updateConn(connID, int64(len(payload))+cw.n)

	if writeErr != nil {
		// Mid-stream failure: the response started but didn't drain.
		e.recordOutcome(px, start, true)
		e.logCommon(conn, req, appName, proxyName(px), start, ttfb, int64(len(payload)), cw.n, resp.StatusCode, '.')
		state.close()
		*up = nil
		return false
	}

	e.recordOutcome(px, start, false)
	if px != nil && cw.n > 0 {
		if elapsed := time.Since(ttfb).Seconds(); elapsed > 0 {
			px.SetRealtimeSpeed(float64(cw.n) / elapsed)
		}
	}

	if resp.Close {
		state.close()
		*up = nil
	}

	mark := byte(',')
	if req.Close {
		// The client told us this is its last request on the socket.
		mark = '.'
	}
	e.logCommon(conn, req, appName, proxyName(px), start, ttfb, int64(len(payload)), cw.n, resp.StatusCode, mark)

	return !req.Close
}

// recordOutcome feeds one session result into the proxy's ring sample and,
// on failure, pokes the health manager. Direct connections (px == nil)
// have no pool effect.
func (e *Engine) recordOutcome(px *proxyspec.Proxy, start time.Time, failed bool) {
	if px == nil {
		return
	}
	if failed {
		px.Record(px.CurrentAddress(), -1, true)
		if e.Health != nil {
			e.Health.Poke(px.ShortName)
		}
		return
	}
	px.Record(px.CurrentAddress(), time.Since(start).Seconds(), false)
}

// countingWriter counts bytes written through to the client socket,
// invoking refresh (if set) on every write.
type countingWriter struct {
	w       net.Conn
	n       int64
	refresh func()
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	if cw.refresh != nil {
		cw.refresh()
	}
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	return n, err
}

func proxyName(px *proxyspec.Proxy) string {
	if px == nil {
		return ""
	}
	return px.ShortName
}

// connectTarget dispatches target's Kind to the right connect path, handling
// the NAMED-fails-once-then-ANY_PROXY retry.
func (e *Engine) connectTarget(ctx context.Context, target router.Target, ruleName string, host string, port int) (net.Conn, *proxyspec.Proxy, error) {
	switch target.Kind {
	case router.Direct:
		conn, err := e.connectDirect(ctx, host, port)
		return conn, nil, err

	case router.Named:
		conn, px, err := e.connectNamed(ctx, target, host, port)
		if err == nil {
			return conn, px, nil
		}
		if ruleName != "" && e.Router != nil {
			e.Router.PauseRule(ruleName, poolcfg.RouterPauseOnFail)
		}
		return e.connectUpstream(ctx, router.Target{Kind: router.AnyProxy}, host, port)

	case router.AnyProxy:
		return e.connectUpstream(ctx, target, host, port)

	default:
		return nil, nil, errNoProxyConfigured
	}
}

func (e *Engine) logCommon(conn net.Conn, req *http.Request, app, proxy string, start, ttfb time.Time, up, down int64, status int, mark byte) {
	if e.Logger == nil {
		return
	}
	peer := ""
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		peer = tcp.IP.String()
	}
	pid := 0
	if e.Attributor != nil {
		if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			if proc, ok := e.Attributor.Attribute(tcp.Port); ok {
				pid = proc.PID
			}
		}
	}
	proto := "http"
	if req.Method == http.MethodConnect {
		proto = "https"
	}
	entry := wire.CommonLogEntry{
		Peer:          peer,
		PeerPID:       pid,
		Protocol:      proto,
		ProxyName:     proxy,
		RequestLine:   req.Method + " " + req.RequestURI,
		UploadBytes:   up,
		DownloadBytes: down,
		ContentLength: req.ContentLength,
		TimeToFirst:   ttfb.Sub(start).Seconds(),
		TotalTime:     time.Since(start).Seconds(),
		Status:        status,
		App:           app,
		Mark:          mark,
	}
	e.Logger.Printf("%s", entry.Format())
}
