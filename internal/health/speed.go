package health

import (
	"context"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/wire"
)

// speedWorkers bounds how many proxies are measured concurrently.
const speedWorkers = 4

// SpeedProbe performs one throughput measurement of a proxy against a URL,
// pinned through the local listener via the Proxy-Name header. The actual
// HTTP plumbing lives in internal/forward / cmd/tsproxy wiring; this package
// only orchestrates it.
type SpeedProbe interface {
	Speed(ctx context.Context, p *proxyspec.Proxy, url string) (bytesPerSec float64, err error)
}

// SpeedTester runs the periodic throughput-probing orchestration: one
// pass measures every eligible proxy against every configured speed URL
// and folds the results into both the proxy's own down_speed and the
// per-domain speed map, keyed by each URL's own hostname.
type SpeedTester struct {
	Probe  SpeedProbe
	Logger *wire.Logger
	URLs   []string
}

// Run measures every eligible proxy against the configured speed URLs
// (all of them, or just those whose hostname equals hostFilter when it is
// non-empty), averages same-proxy multi-URL results only when max/min is
// within poolcfg.SpeedAverageThreshold, updates down_speed and the
// domain-speed map, and promotes the winner to head unless fix_top is
// set. It retries the whole pass up to poolcfg.SpeedRetryCount times
// while the winning proxy's speed stays under poolcfg.SpeedFloor.
func (st *SpeedTester) Run(ctx context.Context, p *pool.Pool, hostFilter string) {
	if st.Probe == nil {
		return
	}

	defer p.SetLastSpeedTest(time.Now())

	for attempt := 0; attempt <= poolcfg.SpeedRetryCount; attempt++ {
		winner := st.runOnce(ctx, p, hostFilter)
		if winner == nil {
			return
		}
		if winner.DownSpeed() >= poolcfg.SpeedFloor {
			return
		}
	}
}

func (st *SpeedTester) runOnce(ctx context.Context, p *pool.Pool, hostFilter string) *proxyspec.Proxy {
	type result struct {
		px    *proxyspec.Proxy
		speed float64
	}
	var mu sync.Mutex
	var results []result

	// Probes are I/O-heavy and CPU-light, so a small worker pool measures
	// several proxies at once.
	sem := make(chan struct{}, speedWorkers)
	var wg sync.WaitGroup
	for _, px := range p.Snapshot() {
		if px.Paused() {
			continue
		}
		wg.Add(1)
		go func(px *proxyspec.Proxy) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			measurements := make([]float64, 0, len(st.URLs))
			for _, raw := range st.URLs {
				host := urlHost(raw)
				if host == "" || (hostFilter != "" && host != hostFilter) {
					continue
				}
				speed, err := st.Probe.Speed(ctx, px, raw)
				if err != nil || speed <= 0 {
					continue
				}
				measurements = append(measurements, speed)
				p.DomainSpeedRecord(host, px.ShortName+"/"+px.CurrentAddress(), speed)
			}
			if len(measurements) == 0 {
				return
			}
			avg := averageWithinRatio(measurements, poolcfg.SpeedAverageThreshold)
			px.SetDownSpeed(avg)
			mu.Lock()
			results = append(results, result{px: px, speed: avg})
			mu.Unlock()
		}(px)
	}
	wg.Wait()

	if len(results) == 0 {
		return nil
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.speed > best.speed {
			best = r
		}
	}

	if !p.FixTop() {
		if p.Head() != best.px {
			p.MoveToHead(best.px)
		}
	}
	return best.px
}

func urlHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// averageWithinRatio returns the mean of measurements when max/min stays
// within threshold, else just the maximum: when results disagree too
// much, trust the best one rather than dilute it with an outlier.
func averageWithinRatio(values []float64, threshold float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	min, max := values[0], values[0]
	sum := 0.0
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	if min <= 0 || max/min > threshold {
		return math.Max(min, max)
	}
	return sum / float64(len(values))
}
