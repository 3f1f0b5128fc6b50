package stat

import (
	"math"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
)

// PerProxyStat is the live-counters half of the Proxy record.
// internal/proxyspec.Proxy embeds one. All mutation outside the owning
// connection's per-request counters happens under mu, the proxy's own
// lock.
type PerProxyStat struct {
	mu sync.Mutex

	ring      *Ring
	shortName string

	totalCount map[string]int64 // keyed by resolved IP
	totalFail  map[string]int64

	downSpeed     float64 // bytes/sec, 0 = unknown
	downSpeedAt   time.Time
	realtimeSpeed float64

	paused     bool
	autoPaused bool

	headTime   time.Time
	errorTime  time.Time
	errorCount int

	sessCount int

	lastTP90           float64 // snapshot refreshed by ResetStatInfo
	lastSortKeyAtReset float64
	cachedSortKey      float64
	sortKeyAt          time.Time
	cachedTP90         float64
	tp90At             time.Time
}

// NewPerProxyStat attaches a proxy's counters to the shared ring.
func NewPerProxyStat(ring *Ring, shortName string) *PerProxyStat {
	return &PerProxyStat{
		ring:       ring,
		shortName:  shortName,
		totalCount: map[string]int64{},
		totalFail:  map[string]int64{},
	}
}

// Record appends one sample to the shared ring and bumps the lifetime per-IP
// counters.
func (p *PerProxyStat) Record(ip string, elapsed float64, failed bool) {
	p.ring.Record(p.shortName+"/"+ip, elapsed, failed)

	p.mu.Lock()
	p.totalCount[ip]++
	if failed {
		p.totalFail[ip]++
	}
	p.mu.Unlock()
}

// lifetimeTotals sums the per-IP lifetime counters (IPs age out of the maps
// independently, effectively resetting stats when A-records change).
func (p *PerProxyStat) lifetimeTotals() (count, fail int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, c := range p.totalCount {
		count += c
		fail += p.totalFail[ip]
	}
	return
}

// LifetimeCounters copies the per-IP lifetime maps for persistence.
func (p *PerProxyStat) LifetimeCounters() (count, fail map[string]int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	count = make(map[string]int64, len(p.totalCount))
	fail = make(map[string]int64, len(p.totalFail))
	for ip, c := range p.totalCount {
		count[ip] = c
	}
	for ip, c := range p.totalFail {
		fail[ip] = c
	}
	return
}

// RestoreCounters reinstates persisted lifetime counters and the session
// count on load.
func (p *PerProxyStat) RestoreCounters(count, fail map[string]int64, sessCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalCount = map[string]int64{}
	p.totalFail = map[string]int64{}
	for ip, c := range count {
		p.totalCount[ip] = c
	}
	for ip, c := range fail {
		p.totalFail[ip] = c
	}
	p.sessCount = sessCount
}

// ForgetIP drops lifetime counters for a stale resolved address (called
// when a Proxy's address list rotates an IP out).
func (p *PerProxyStat) ForgetIP(ip string) {
	p.mu.Lock()
	delete(p.totalCount, ip)
	delete(p.totalFail, ip)
	p.mu.Unlock()
}

// windowCounts returns (count, failed) for this proxy's ring window.
func (p *PerProxyStat) windowCounts() (int, int) {
	return WindowStats(p.ring.snapshot(), p.shortName)
}

// FailRate is the short-window fail ratio.
func (p *PerProxyStat) FailRate() float64 {
	totalCount, totalFail := p.lifetimeTotals()
	if totalCount > 10 && totalCount == totalFail {
		return 1.0
	}

	pc, fc := p.windowCounts()
	if pc <= 10 {
		if fc >= 5 {
			return float64(fc) / float64(pc)
		}
		return 0
	}
	return float64(fc) / float64(pc)
}

// TotalFailRate is the same shape as FailRate but against lifetime counters
// instead of the ring window.
func (p *PerProxyStat) TotalFailRate() float64 {
	totalCount, totalFail := p.lifetimeTotals()
	if totalCount > 10 && totalCount == totalFail {
		return 1.0
	}
	if totalCount <= 10 {
		if totalFail >= 5 {
			return float64(totalFail) / float64(totalCount)
		}
		return 0
	}
	return float64(totalFail) / float64(totalCount)
}

// TP90 is this proxy's own tp90, memoized for poolcfg.StatCacheFreshness.
// The second return is the sample count backing the value.
func (p *PerProxyStat) TP90() (float64, int) {
	p.mu.Lock()
	if time.Since(p.tp90At) < poolcfg.StatCacheFreshness {
		v := p.cachedTP90
		p.mu.Unlock()
		_, n := WindowStats(p.ring.snapshot(), p.shortName)
		return v, n
	}
	p.mu.Unlock()

	value, n := TP90(p.ring.snapshot(), p.shortName)
	p.mu.Lock()
	p.cachedTP90 = value
	p.tp90At = time.Now()
	p.mu.Unlock()
	return value, n
}

// TP90Increment is (current - lastSnapshot)/lastSnapshot. Returns 0 when
// there is no snapshot yet.
func (p *PerProxyStat) TP90Increment() float64 {
	cur, _ := p.TP90()
	p.mu.Lock()
	last := p.lastTP90
	p.mu.Unlock()
	if last == 0 {
		return 0
	}
	return (cur - last) / last
}

// SetDownSpeed hard-replaces a stale or negative sample, and otherwise
// averages the new sample with the previous value.
func (p *PerProxyStat) SetDownSpeed(bytesPerSec float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bytesPerSec < 0 || p.downSpeedAt.IsZero() || time.Since(p.downSpeedAt) > poolcfg.DownSpeedStaleAfter {
		p.downSpeed = bytesPerSec
	} else {
		p.downSpeed = (p.downSpeed + bytesPerSec) / 2
	}
	p.downSpeedAt = time.Now()
}

// DownSpeed returns 0 ("unknown speed") once the sample has aged past
// SpeedLifetime.
func (p *PerProxyStat) DownSpeed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.downSpeedAt.IsZero() || time.Since(p.downSpeedAt) > poolcfg.SpeedLifetime {
		return 0
	}
	return p.downSpeed
}

// SetRealtimeSpeed updates the live throughput gauge fed by the relay.
func (p *PerProxyStat) SetRealtimeSpeed(bytesPerSec float64) {
	p.mu.Lock()
	p.realtimeSpeed = bytesPerSec
	p.mu.Unlock()
}

func (p *PerProxyStat) RealtimeSpeed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realtimeSpeed
}

// SortKey computes the composite ordering scalar: the fail-rate term
// uses the short-window FailRate when the ring window is empty or
// saturated (>= 90% of tp90_calc_count), and the lifetime TotalFailRate
// otherwise.
func (p *PerProxyStat) SortKey(globalTP90 float64) float64 {
	p.mu.Lock()
	if time.Since(p.sortKeyAt) < poolcfg.StatCacheFreshness {
		v := p.cachedSortKey
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	down := p.DownSpeed()
	if down <= 0 {
		p.mu.Lock()
		p.cachedSortKey = 0
		p.sortKeyAt = time.Now()
		p.mu.Unlock()
		return 0
	}

	proxyTP90, n := p.TP90()
	if globalTP90 == 0 {
		p.mu.Lock()
		p.cachedSortKey = 0
		p.sortKeyAt = time.Now()
		p.mu.Unlock()
		return 0
	}

	var failRate float64
	if n == 0 || float64(n) >= float64(poolcfg.TP90CalcCount)*0.9 {
		failRate = p.FailRate()
	} else {
		failRate = p.TotalFailRate()
	}

	f1 := math.Pow(1-failRate, 3)

	inner := (globalTP90-proxyTP90)/globalTP90 + math.Pow(0.9, 4)
	var f2 float64
	if inner > 0 {
		f2 = math.Pow(inner, 0.25)
	}

	s := math.Floor(down / 102400)
	key := s * f1 * f2 * 10

	p.mu.Lock()
	p.cachedSortKey = key
	p.sortKeyAt = time.Now()
	p.mu.Unlock()
	return key
}

// SortKeyDecrement reports how far the current sort_key has fallen from
// its value at the last ResetStatInfo, as a fraction — used by rule R4.
func (p *PerProxyStat) SortKeyDecrement(globalTP90 float64) float64 {
	cur := p.SortKey(globalTP90)
	p.mu.Lock()
	last := p.lastSortKeyAtReset
	p.mu.Unlock()
	if last <= 0 {
		return 0
	}
	if cur >= last {
		return 0
	}
	return (last - cur) / last
}

// ResetStatInfo refreshes the tp90/sort_key snapshots used by
// TP90Increment/SortKeyDecrement and zeroes the session counter. Called
// whenever a proxy is promoted to head.
func (p *PerProxyStat) ResetStatInfo(globalTP90 float64) {
	tp90, _ := p.TP90()
	key := p.SortKey(globalTP90)
	p.mu.Lock()
	p.lastTP90 = tp90
	p.lastSortKeyAtReset = key
	p.sessCount = 0
	p.mu.Unlock()
}

// Pause/Resume/Paused manage the operator/auto-pause flag.
func (p *PerProxyStat) Pause(auto bool) {
	p.mu.Lock()
	p.paused = true
	p.autoPaused = auto
	p.mu.Unlock()
}

func (p *PerProxyStat) Resume() {
	p.mu.Lock()
	p.paused = false
	p.autoPaused = false
	p.mu.Unlock()
}

func (p *PerProxyStat) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *PerProxyStat) AutoPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoPaused
}

// MarkHead stamps head_time.
func (p *PerProxyStat) MarkHead() {
	p.mu.Lock()
	p.headTime = time.Now()
	p.mu.Unlock()
}

// RestoreHeadTime reinstates a persisted head_time stamp on load.
func (p *PerProxyStat) RestoreHeadTime(t time.Time) {
	p.mu.Lock()
	p.headTime = t
	p.mu.Unlock()
}

func (p *PerProxyStat) HeadTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headTime
}

// MarkError stamps error_time and bumps error_count; used for connect
// failures that contribute to the retry backoff.
func (p *PerProxyStat) MarkError() {
	p.mu.Lock()
	p.errorTime = time.Now()
	p.errorCount++
	p.mu.Unlock()
}

// ClearErrors resets the backoff counters (on a successful connect).
func (p *PerProxyStat) ClearErrors() {
	p.mu.Lock()
	p.errorTime = time.Time{}
	p.errorCount = 0
	p.mu.Unlock()
}

// InBackoff reports whether elapsed-since-error is still short of
// retry_interval_on_error * error_count.
func (p *PerProxyStat) InBackoff() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errorCount == 0 || p.errorTime.IsZero() {
		return false
	}
	return time.Since(p.errorTime) < poolcfg.RetryIntervalOnError*time.Duration(p.errorCount)
}

// Attempted reports whether any lifetime attempt has been recorded for this
// proxy (any resolved IP), used by the candidate-selection predicate "has at
// least some samples".
func (p *PerProxyStat) Attempted() bool {
	count, _ := p.lifetimeTotals()
	return count > 0
}

// IncSessCount bumps the per-request session counter. It is called once
// per accepted request (see internal/forward's connectUpstream and
// connectNamed),
// not per completed request.
func (p *PerProxyStat) IncSessCount() {
	p.mu.Lock()
	p.sessCount++
	p.mu.Unlock()
}

func (p *PerProxyStat) SessCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessCount
}
