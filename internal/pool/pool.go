// Package pool implements the ordered proxy list and head discipline,
// generalized from "pick any alive server" to "maintain a ranked list
// with a sticky head" plus the full promotion/demotion algorithm.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/stat"
)

// Pool is the ordered list of upstream proxies. Index 0 is the head.
type Pool struct {
	mu      sync.Mutex
	proxies []*proxyspec.Proxy

	ring        *stat.Ring
	domainSpeed *stat.DomainSpeedMap

	autoPause map[string]bool
	fixTop    bool

	available bool

	// Last-known network identity and speed-test stamp, carried in the
	// persisted snapshot.
	wanIP         string
	lanIP         string
	lastSpeedTest time.Time
}

// New builds an empty pool sharing ring/domainSpeed with the rest of the
// process.
func New(ring *stat.Ring, domainSpeed *stat.DomainSpeedMap) *Pool {
	return &Pool{
		ring:        ring,
		domainSpeed: domainSpeed,
		autoPause:   map[string]bool{},
		available:   true,
	}
}

// Size returns the current pool length.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Head returns the current head, or nil on an empty pool.
func (p *Pool) Head() *proxyspec.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil
	}
	return p.proxies[0]
}

// Snapshot returns a defensive copy of the current order, for the admin
// surface and for the health manager's scans.
func (p *Pool) Snapshot() []*proxyspec.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*proxyspec.Proxy, len(p.proxies))
	copy(out, p.proxies)
	return out
}

// Add inserts a proxy, at the head when atHead is true, else at the tail.
// Rescales the ring's count bound to the new pool size.
func (p *Pool) Add(px *proxyspec.Proxy, atHead bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if atHead {
		p.proxies = append([]*proxyspec.Proxy{px}, p.proxies...)
	} else {
		p.proxies = append(p.proxies, px)
	}
	p.ring.SetPoolSize(len(p.proxies))
}

// Remove drops a proxy and all of its trailing state: ring samples,
// domain-speed entries, auto-pause membership.
func (p *Pool) Remove(shortName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, px := range p.proxies {
		if px.ShortName == shortName {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			p.ring.Checkout(shortName)
			p.domainSpeed.RemoveProxy(shortName)
			delete(p.autoPause, shortName)
			p.ring.SetPoolSize(max(1, len(p.proxies)))
			return true
		}
	}
	return false
}

// Find locates a proxy by short name, or by "host:port".
func (p *Pool) Find(nameOrHostPort string) *proxyspec.Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, px := range p.proxies {
		if px.ShortName == nameOrHostPort || px.Addr() == nameOrHostPort {
			return px
		}
	}
	return nil
}

// DomainSpeedRecord stores a measured speed for a destination host, for the
// health manager's speed tester.
func (p *Pool) DomainSpeedRecord(host, proxyKey string, bytesPerSec float64) {
	p.domainSpeed.Record(host, proxyKey, bytesPerSec)
}

// DomainSpeedFastest exposes the fastest known proxy for host, for the
// forwarding engine's domain-speed routing override.
func (p *Pool) DomainSpeedFastest(host string) (string, float64, bool) {
	return p.domainSpeed.Fastest(host)
}

// FixTop reports whether the sticky operator flag is set.
func (p *Pool) FixTop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fixTop
}

// SetFixTop sets/clears the sticky flag.
func (p *Pool) SetFixTop(v bool) {
	p.mu.Lock()
	p.fixTop = v
	p.mu.Unlock()
}

// SetNetworkIdentity records the last-known WAN/LAN IPs for the snapshot.
func (p *Pool) SetNetworkIdentity(wanIP, lanIP string) {
	p.mu.Lock()
	if wanIP != "" {
		p.wanIP = wanIP
	}
	if lanIP != "" {
		p.lanIP = lanIP
	}
	p.mu.Unlock()
}

// NetworkIdentity returns the last-known (wan, lan) IPs.
func (p *Pool) NetworkIdentity() (string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wanIP, p.lanIP
}

// SetLastSpeedTest stamps the completion of a speed run.
func (p *Pool) SetLastSpeedTest(t time.Time) {
	p.mu.Lock()
	p.lastSpeedTest = t
	p.mu.Unlock()
}

// LastSpeedTest returns the stamp of the most recent speed run, zero if
// none has completed.
func (p *Pool) LastSpeedTest() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSpeedTest
}

// Available reports the health manager's liveness flag.
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// HasUnpaused reports whether any proxy in the pool is currently
// unpaused.
func (p *Pool) HasUnpaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, px := range p.proxies {
		if !px.Paused() {
			return true
		}
	}
	return false
}

func (p *Pool) setAvailable(v bool) {
	p.mu.Lock()
	p.available = v
	p.mu.Unlock()
}

// sortKeyRank is the ascending sort order used by Sort: paused always
// sorts last.
func (p *Pool) sortKeyRank(px *proxyspec.Proxy) float64 {
	if px.Paused() {
		return 100
	}
	return -px.SortKey(p.ring.GlobalTP90())
}

// Sort performs a stable sort by sort_key descending (paused last) over the
// non-head suffix only. Index 0 is never touched here: the head is owned by
// the R1-R5 promotion/demotion rules in internal/health, which already
// re-rank candidates themselves (via TrySelectHeadProxy) under fix_top and
// tolerance-factor rules Sort knows nothing about; blindly resorting index 0
// out from under them would silently undo a rule's decision not to demote.
// Sort only affects display rank (the admin "/list" dump) and the resting
// order candidates are later re-scored from.
func (p *Pool) Sort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) < 2 {
		return
	}
	rest := p.proxies[1:]
	sort.SliceStable(rest, func(i, j int) bool {
		return p.sortKeyRank(rest[i]) < p.sortKeyRank(rest[j])
	})
}

// MoveToHead splices px to index 0 and stamps it as the new head, resetting
// its snapshot counters.
func (p *Pool) MoveToHead(px *proxyspec.Proxy) {
	p.mu.Lock()
	for i, q := range p.proxies {
		if q == px {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			break
		}
	}
	p.proxies = append([]*proxyspec.Proxy{px}, p.proxies...)
	globalTP90 := p.ring.GlobalTP90()
	p.mu.Unlock()

	px.ResetStatInfo(globalTP90)
	px.MarkHead()
}

// MoveHeadToTail demotes the current head: clears fix_top (demotion is an
// explicit override of the sticky flag), stamps the head's error_time,
// moves it to the tail, rotates past paused proxies, then attempts a
// forced promotion. A pool of one is left untouched.
func (p *Pool) MoveHeadToTail(cause string) {
	p.mu.Lock()
	if len(p.proxies) <= 1 {
		p.mu.Unlock()
		return
	}
	p.fixTop = false
	demoted := p.proxies[0]
	p.mu.Unlock()

	demoted.MarkError()

	p.mu.Lock()
	if p.proxies[0] == demoted {
		p.proxies = append(p.proxies[1:], demoted)
	}
	// Rotate past paused heads; bounded so an all-paused pool terminates.
	for i := 1; i < len(p.proxies)-1; i++ {
		if !p.proxies[0].Paused() {
			break
		}
		head := p.proxies[0]
		p.proxies = append(p.proxies[1:], head)
	}
	p.mu.Unlock()

	p.TrySelectHeadProxy(true, false, 1.1)
}

// TrySelectHeadProxy is the candidate-selection algorithm used by both the
// demotion path (MoveHeadToTail) and the health manager's rules.
//   - force: don't break early once a worse-ranked candidate is seen, and
//     accept a candidate on fail-rate alone when its tp90 is out of
//     tolerance.
//   - onlySelect: report the candidate without mutating the pool.
//   - tp90Factor: tolerance multiplier applied to the head's tp90.
func (p *Pool) TrySelectHeadProxy(force bool, onlySelect bool, tp90Factor float64) *proxyspec.Proxy {
	p.mu.Lock()
	if len(p.proxies) <= 1 || p.fixTop {
		p.mu.Unlock()
		return nil
	}
	head := p.proxies[0]

	// In forced mutate mode the whole list minus the tail is considered
	// (the tail is whatever was just demoted); otherwise only the
	// non-head suffix.
	var candidates []*proxyspec.Proxy
	if force && !onlySelect {
		candidates = append(candidates, p.proxies[:len(p.proxies)-1]...)
	} else {
		candidates = append(candidates, p.proxies[1:]...)
	}
	p.mu.Unlock()

	globalTP90 := p.ring.GlobalTP90()

	sort.SliceStable(candidates, func(i, j int) bool {
		return p.sortKeyRank(candidates[i]) < p.sortKeyRank(candidates[j])
	})

	headTP90, _ := head.TP90()
	headKey := head.SortKey(globalTP90)

	for _, c := range candidates {
		if !force && c.SortKey(globalTP90) < headKey {
			break
		}
		cTP90, cN := c.TP90()
		tolerant := cTP90 <= headTP90*tp90Factor
		forcedOK := force && c.FailRate() <= poolcfg.FailRateThreshold
		if !tolerant && !forcedOK {
			continue
		}
		if c.InBackoff() {
			continue
		}
		if c.Paused() {
			continue
		}
		if cN == 0 && c.Attempted() {
			// probed at least once but still has zero ring samples: skip it.
			continue
		}

		if onlySelect {
			return c
		}
		// Selecting the current head again still counts as a success: its
		// snapshots and head_time are refreshed.
		p.MoveToHead(c)
		p.setAvailable(true)
		return c
	}

	if force && !onlySelect {
		p.setAvailable(false)
	}
	return nil
}

// max is a tiny local helper (pre-1.21-style use kept for clarity at call
// sites above; Go 1.23's builtin max would also work here).
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
