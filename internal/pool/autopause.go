package pool

import "github.com/taige/tsproxy/internal/proxyspec"

// AutoPause adds shortName to the auto-pause set and pauses the underlying
// proxy unconditionally; membership is only cleared by AutoResume.
func (p *Pool) AutoPause(shortName string) {
	p.mu.Lock()
	p.autoPause[shortName] = true
	target := p.findLocked(shortName)
	p.mu.Unlock()
	if target != nil {
		target.Pause(true)
	}
}

// AutoResume clears auto-pause membership and resumes the proxy if it was
// only auto-paused (an operator-paused proxy stays paused).
func (p *Pool) AutoResume(shortName string) {
	p.mu.Lock()
	delete(p.autoPause, shortName)
	target := p.findLocked(shortName)
	p.mu.Unlock()
	if target != nil && target.AutoPaused() {
		target.Resume()
	}
}

func (p *Pool) IsAutoPaused(shortName string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoPause[shortName]
}

// AutoPauseNames returns the current auto-pause set (for persistence).
func (p *Pool) AutoPauseNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.autoPause))
	for name := range p.autoPause {
		out = append(out, name)
	}
	return out
}

// LoadAutoPause restores the auto-pause set (used by persistence load).
func (p *Pool) LoadAutoPause(names []string) {
	p.mu.Lock()
	p.autoPause = map[string]bool{}
	for _, n := range names {
		p.autoPause[n] = true
	}
	p.mu.Unlock()
}

func (p *Pool) findLocked(shortName string) *proxyspec.Proxy {
	for _, px := range p.proxies {
		if px.ShortName == shortName {
			return px
		}
	}
	return nil
}
