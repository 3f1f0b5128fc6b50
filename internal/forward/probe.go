package forward

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
)

// Prober implements health.Prober: a small HEAD request dialed straight
// through the proxy's own connectViaProxy handshake, rotating across URLs
// so a single flaky endpoint can't look like a dead proxy.
type Prober struct {
	Engine *Engine
	URLs   []string

	next uint64
}

// NewProber builds a Prober cycling through urls.
func NewProber(e *Engine, urls []string) *Prober {
	return &Prober{Engine: e, URLs: urls}
}

func (p *Prober) Probe(ctx context.Context, px *proxyspec.Proxy) (time.Duration, error) {
	if len(p.URLs) == 0 {
		return 0, fmt.Errorf("forward: no health-check urls configured")
	}
	raw := p.URLs[atomic.AddUint64(&p.next, 1)%uint64(len(p.URLs))]

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		return 0, fmt.Errorf("forward: health probe url %q: %w", raw, err)
	}

	host, port, err := hostPortFromURL(req.URL)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	conn, err := p.Engine.connectViaProxy(ctx, px, host, port)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(poolcfg.SpeedTestTimeout))
	if err := req.Write(conn); err != nil {
		return 0, fmt.Errorf("forward: health probe write: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return 0, fmt.Errorf("forward: health probe response: %w", err)
	}
	resp.Body.Close()
	return time.Since(start), nil
}

func hostPortFromURL(u *url.URL) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("forward: health probe url %q has no host", u.String())
	}
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "https" {
			portStr = "443"
		} else {
			portStr = "80"
		}
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("forward: health probe url %q: bad port: %w", u.String(), err)
	}
	return host, port, nil
}

// SpeedProbe implements health.SpeedProbe by issuing the GET through the
// engine's own listener, pinned to px via the Proxy-Name header, so the
// measured throughput travels the exact same path a real client would.
type SpeedProbe struct {
	Engine *Engine
}

// NewSpeedProbe builds a SpeedProbe bound to e's listener address.
func NewSpeedProbe(e *Engine) *SpeedProbe {
	return &SpeedProbe{Engine: e}
}

func (sp *SpeedProbe) Speed(ctx context.Context, px *proxyspec.Proxy, rawURL string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("forward: speed probe url %q: %w", rawURL, err)
	}
	req.Header.Set("Proxy-Name", px.ShortName)

	dialer := net.Dialer{Timeout: poolcfg.DefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", sp.Engine.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("forward: speed probe dial self: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(poolcfg.SpeedTestTimeout))

	// Absolute-form request line: the listener must see this as proxy
	// traffic, not a control-plane hit.
	if err := req.WriteProxy(conn); err != nil {
		return 0, fmt.Errorf("forward: speed probe write: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return 0, fmt.Errorf("forward: speed probe response: %w", err)
	}
	defer resp.Body.Close()

	start := time.Now()
	n, copyErr := io.CopyN(io.Discard, resp.Body, poolcfg.SpeedReadWindow)
	elapsed := time.Since(start)
	if n == 0 {
		if copyErr != nil && copyErr != io.EOF {
			return 0, fmt.Errorf("forward: speed probe read: %w", copyErr)
		}
		return 0, fmt.Errorf("forward: speed probe got zero bytes")
	}
	if elapsed <= 0 {
		return 0, fmt.Errorf("forward: speed probe: zero elapsed time")
	}
	return float64(n) / elapsed.Seconds(), nil
}
