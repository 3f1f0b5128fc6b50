// Package health implements the background probing loop and the R1-R5
// demotion/promotion rule engine, with the same recover-and-continue
// tick discipline used throughout the rest of the process.
package health

import (
	"context"
	"time"

	"github.com/taige/tsproxy/internal/pool"
	"github.com/taige/tsproxy/internal/poolcfg"
	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/stat"
	"github.com/taige/tsproxy/internal/wire"
)

// Prober performs the small liveness check: a HEAD request against a
// rotating URL.
type Prober interface {
	Probe(ctx context.Context, p *proxyspec.Proxy) (elapsed time.Duration, err error)
}

// Manager is the single cooperative health-manager task.
type Manager struct {
	Pool   *pool.Pool
	Ring   *stat.Ring
	Logger *wire.Logger
	Prober Prober
	Speed  *SpeedTester

	queue chan string
}

// New builds a Manager; call Run in its own goroutine.
func New(p *pool.Pool, ring *stat.Ring, logger *wire.Logger, prober Prober, speed *SpeedTester) *Manager {
	return &Manager{Pool: p, Ring: ring, Logger: logger, Prober: prober, Speed: speed, queue: make(chan string, 64)}
}

// Poke queues an out-of-band health check for shortName, triggered by the
// forwarding engine on a failed/timed-out session.
func (m *Manager) Poke(shortName string) {
	select {
	case m.queue <- shortName:
	default:
	}
}

// Run is the health-manager main loop. Each tick either waits out a timer
// (probing every proxy) or drains a poked name off the queue (probing just
// that one), then applies the promotion/demotion rules and the auto-pause
// scan. The timer itself adapts: once the head has accumulated enough
// samples, or the pool has nothing usable, it backs off to the slow
// interval; otherwise it stays fast.
func (m *Manager) Run(ctx context.Context) {
	interval := 100 * time.Millisecond
	for {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case name := <-m.queue:
			timer.Stop()
			m.safely(func() { m.testSubset(ctx, []string{name}) })
		case <-timer.C:
			m.safely(func() { m.testAll(ctx) })
		}

		m.safely(func() { m.applyRules() })
		m.safely(func() { m.applyAutoPause() })

		if m.shouldSlow() {
			interval = poolcfg.ProxysCheckInterval
		} else {
			interval = 100 * time.Millisecond
		}
	}
}

// safely is the defer-recover-and-log wrapper used around every tick body.
func (m *Manager) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if m.Logger != nil {
				m.Logger.Printf("health: recovered: %v", r)
			}
		}
	}()
	fn()
}

func (m *Manager) testAll(ctx context.Context) {
	for _, px := range m.Pool.Snapshot() {
		m.testOne(ctx, px)
	}
}

func (m *Manager) testSubset(ctx context.Context, names []string) {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	for _, px := range m.Pool.Snapshot() {
		if want[px.ShortName] {
			m.testOne(ctx, px)
		}
	}
}

func (m *Manager) testOne(ctx context.Context, px *proxyspec.Proxy) {
	if m.Prober == nil {
		return
	}
	elapsed, err := m.Prober.Probe(ctx, px)
	ip := px.CurrentAddress()
	if err != nil {
		px.Record(ip, -1, true)
		return
	}
	px.Record(ip, elapsed.Seconds(), false)
}

func (m *Manager) shouldSlow() bool {
	if !m.Pool.Available() {
		return true
	}
	head := m.Pool.Head()
	if head == nil {
		return true
	}
	_, n := head.TP90()
	return n >= poolcfg.TP90CalcCount
}
