package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/taige/tsproxy/internal/classify"
	"github.com/taige/tsproxy/internal/config"
	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/router"
	"github.com/taige/tsproxy/internal/upstream"
)

var (
	errNoProxyConfigured = errors.New("NO FOUND PROXY CONFIG")
	errAllProxiesFailed  = errors.New("all upstream proxies failed")
)

// decide resolves a target, using the loaded router when present and falling
// back to the CLI mode directly otherwise.
func (e *Engine) decide(ctx context.Context, req router.Request) (router.Target, string) {
	if e.Router != nil {
		if target, rule, ok := e.Router.DecideWithRule(req); ok {
			return target, rule
		}
	} else if req.ProxyName != "" {
		return router.Target{Kind: router.Named, Name: req.ProxyName}, ""
	}
	switch e.Mode {
	case config.NoProxy:
		return router.Target{Kind: router.Direct}, ""
	case config.ProxyAll:
		return router.Target{Kind: router.AnyProxy}, ""
	default:
		return e.smartTarget(ctx, req), ""
	}
}

// smartTarget implements smart mode's no-match fallback: resolve the
// destination host; CN or private-range IPs go DIRECT, everything else
// is ANY_PROXY. Not available (classifier/DNS unset, or the pool has no
// viable candidate) degrades to DIRECT even in smart mode.
func (e *Engine) smartTarget(ctx context.Context, req router.Request) router.Target {
	if e.Classifier == nil || e.DNS == nil || !e.Pool.Available() || !e.Pool.HasUnpaused() {
		return router.Target{Kind: router.Direct}
	}
	ips, err := e.DNS.Resolve(ctx, req.Host)
	if err != nil || len(ips) == 0 {
		return router.Target{Kind: router.Direct}
	}
	ip := net.ParseIP(ips[0])
	if ip == nil {
		return router.Target{Kind: router.Direct}
	}
	switch e.Classifier.Classify(ip) {
	case classify.CN, classify.Local:
		return router.Target{Kind: router.Direct}
	default:
		return router.Target{Kind: router.AnyProxy}
	}
}

// candidatesFor orders the proxies worth trying for target. For ANY_PROXY it
// prefers the domain-speed map's fastest entry for host when eligible, then
// falls back to pool order (head first).
func (e *Engine) candidatesFor(target router.Target, host string) []*proxyspec.Proxy {
	switch target.Kind {
	case router.Named:
		px := e.Pool.Find(target.Name)
		if px == nil {
			return nil
		}
		return []*proxyspec.Proxy{px}

	case router.AnyProxy:
		var ordered []*proxyspec.Proxy
		if e.SpeedSites == nil || e.SpeedSites.Allowed(host) {
			if key, _, ok := e.Pool.DomainSpeedFastest(host); ok {
				name, ip := key, ""
				if idx := strings.Index(key, "/"); idx >= 0 {
					name, ip = key[:idx], key[idx+1:]
				}
				if px := e.Pool.Find(name); px != nil && !px.Paused() && !px.InBackoff() {
					// Dial the exact address the speed test measured,
					// bypassing a fresh DNS round.
					if ip != "" {
						px.PromoteAddress(ip)
					}
					ordered = append(ordered, px)
				}
			}
		}
		for _, px := range e.Pool.Snapshot() {
			if px.Paused() || containsProxy(ordered, px) {
				continue
			}
			ordered = append(ordered, px)
		}
		return ordered

	default:
		return nil
	}
}

func containsProxy(list []*proxyspec.Proxy, px *proxyspec.Proxy) bool {
	for _, p := range list {
		if p == px {
			return true
		}
	}
	return false
}

// connectDirect dials host:port without any upstream.
func (e *Engine) connectDirect(ctx context.Context, host string, port int) (net.Conn, error) {
	ip := host
	if net.ParseIP(host) == nil && e.DNS != nil {
		ips, err := e.DNS.Resolve(ctx, host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("Dns(%s) fail", host)
		}
		ip = ips[0]
	}
	dialer := net.Dialer{Timeout: poolcfg.DefaultTimeout}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
}

// connectViaProxy dials px and performs its kind-specific handshake to
// host:port, returning a net.Conn ready for origin-form relay.
func (e *Engine) connectViaProxy(ctx context.Context, px *proxyspec.Proxy, host string, port int) (net.Conn, error) {
	_ = px.RefreshConfig()

	addrs := px.Addresses()
	if len(addrs) == 0 {
		var ips []string
		if net.ParseIP(px.Hostname) != nil {
			ips = []string{px.Hostname}
		} else {
			if e.DNS == nil {
				return nil, fmt.Errorf("Dns(%s) fail", px.Hostname)
			}
			resolved, err := e.DNS.Resolve(ctx, px.Hostname)
			if err != nil || len(resolved) == 0 {
				return nil, fmt.Errorf("Dns(%s) fail", px.Hostname)
			}
			ips = resolved
		}
		px.SetAddresses(ips)
		addrs = ips
	}
	ip := addrs[0]

	dialer := net.Dialer{Timeout: poolcfg.DefaultTimeout / 2}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(px.Port)))
	if err != nil {
		px.RotateFailedAddress(ip)
		return nil, err
	}

	switch px.Kind {
	case proxyspec.Socks5:
		if err := upstream.Socks5Connect(conn, host, port); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	case proxyspec.Shadowsocks:
		sc, err := upstream.ShadowsocksDial(conn, host, port, px.Method, px.Password)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return sc, nil
	case proxyspec.HTTPConnect:
		if err := upstream.HTTPConnectDial(conn, host, port); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	default:
		conn.Close()
		return nil, fmt.Errorf("forward: unsupported proxy kind %v", px.Kind)
	}
}

// connectUpstream walks candidatesFor(target), trying each within a
// per-attempt budget of half of poolcfg.DefaultTimeout. The first
// candidate's session counter (the domain-speed pick when one applies,
// otherwise the pool head) is bumped once up front. Pausing a failed rule
// and retrying against ANY_PROXY happen in connectTarget, not here.
func (e *Engine) connectUpstream(ctx context.Context, target router.Target, host string, port int) (net.Conn, *proxyspec.Proxy, error) {
	candidates := e.candidatesFor(target, host)
	if len(candidates) == 0 {
		return nil, nil, errNoProxyConfigured
	}

	candidates[0].IncSessCount()

	perAttempt := poolcfg.DefaultTimeout / 2
	var lastErr error
	for _, px := range candidates {
		cctx, cancel := context.WithTimeout(ctx, perAttempt)
		conn, err := e.connectViaProxy(cctx, px, host, port)
		cancel()
		if err == nil {
			px.ClearErrors()
			return conn, px, nil
		}

		lastErr = err
		if isNetworkUnreachable(err) {
			// Local connectivity issue, not this proxy's fault: surface
			// the failure to the caller but leave the pool untouched.
			continue
		}
		px.MarkError()
		if e.Health != nil {
			e.Health.Poke(px.ShortName)
		}
		if e.Pool.Head() == px {
			e.Pool.MoveHeadToTail("connect-failed")
		}
	}
	if lastErr == nil {
		lastErr = errAllProxiesFailed
	}
	return nil, nil, lastErr
}

// connectNamed dials target's single named candidate with the tight
// poolcfg.NamedProxyDialTimeout budget. The caller falls back to an
// ANY_PROXY retry on failure, pausing ruleName first.
func (e *Engine) connectNamed(ctx context.Context, target router.Target, host string, port int) (net.Conn, *proxyspec.Proxy, error) {
	px := e.Pool.Find(target.Name)
	if px == nil {
		return nil, nil, errNoProxyConfigured
	}
	px.IncSessCount()

	cctx, cancel := context.WithTimeout(ctx, poolcfg.NamedProxyDialTimeout)
	defer cancel()
	conn, err := e.connectViaProxy(cctx, px, host, port)
	if err != nil {
		if !isNetworkUnreachable(err) {
			px.MarkError()
			if e.Health != nil {
				e.Health.Poke(px.ShortName)
			}
		}
		return nil, nil, err
	}
	px.ClearErrors()
	return conn, px, nil
}
