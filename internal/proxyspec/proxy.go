// Package proxyspec defines the identity half of a Proxy record and the
// resolved-address rotation used by the forwarding engine's connect-time
// retry. Kind-specific handshake logic lives in internal/upstream; this
// package only carries identity + stats.
package proxyspec

import (
	"fmt"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/stat"
)

// Kind is a tagged variant standing in for what would otherwise be a
// class hierarchy (direct/SOCKS5/Shadowsocks/HTTP-CONNECT upstreams).
type Kind int

const (
	Direct Kind = iota
	Socks5
	Shadowsocks
	HTTPConnect
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Socks5:
		return "socks5"
	case Shadowsocks:
		return "shadowsocks"
	case HTTPConnect:
		return "http"
	default:
		return "unknown"
	}
}

// Proxy is the identity + live-stat record for one upstream.
type Proxy struct {
	*stat.PerProxyStat

	Kind      Kind
	Hostname  string
	Port      int
	ShortName string

	// Shadowsocks-only.
	Password     string
	Method       string
	JSONConfig   string // path to the hot-reloaded sidecar, or ""
	jsonConfigMu sync.Mutex
	jsonConfigAt time.Time

	mu        sync.Mutex
	addresses []string // resolved IPs, most-preferred first
}

// New builds a Proxy identity bound to the shared ring.
func New(ring *stat.Ring, kind Kind, hostname string, port int, shortName string) *Proxy {
	if shortName == "" {
		shortName = fmt.Sprintf("%s:%d", hostname, port)
	}
	return &Proxy{
		PerProxyStat: stat.NewPerProxyStat(ring, shortName),
		Kind:         kind,
		Hostname:     hostname,
		Port:         port,
		ShortName:    shortName,
	}
}

// Addr renders host:port for dialing/logging.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Hostname, p.Port)
}

// SetAddresses replaces the resolved-address list (fresh DNS answer). Any
// address no longer present has its lifetime counters forgotten.
func (p *Proxy) SetAddresses(ips []string) {
	p.mu.Lock()
	old := p.addresses
	p.addresses = append([]string{}, ips...)
	p.mu.Unlock()

	keep := map[string]bool{}
	for _, ip := range ips {
		keep[ip] = true
	}
	for _, ip := range old {
		if !keep[ip] {
			p.PerProxyStat.ForgetIP(ip)
		}
	}
}

// Addresses returns the current resolved-address order.
func (p *Proxy) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.addresses...)
}

// RotateFailedAddress moves a failed IP to the tail so the next connect
// attempt prefers a different address.
func (p *Proxy) RotateFailedAddress(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.addresses {
		if a == ip {
			p.addresses = append(p.addresses[:i], p.addresses[i+1:]...)
			p.addresses = append(p.addresses, ip)
			return
		}
	}
}

// PromoteAddress moves ip to the front of the resolved-address list so the
// next dial uses it; a previously unknown ip is inserted at the front.
func (p *Proxy) PromoteAddress(ip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.addresses {
		if a == ip {
			if i > 0 {
				p.addresses = append(p.addresses[:i], p.addresses[i+1:]...)
				p.addresses = append([]string{ip}, p.addresses...)
			}
			return
		}
	}
	p.addresses = append([]string{ip}, p.addresses...)
}

// CurrentAddress returns the most-preferred resolved IP, or "" if none.
func (p *Proxy) CurrentAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.addresses) == 0 {
		return ""
	}
	return p.addresses[0]
}
