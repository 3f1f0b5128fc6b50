package pool

import (
	"encoding/json"
	"os"
	"time"

	"github.com/taige/tsproxy/internal/proxyspec"
	"github.com/taige/tsproxy/internal/stat"
)

// persistedState is the single JSON snapshot the process writes on exit
// and on the /dump command: the ordered pool with per-proxy counters, the
// auto-pause set, fix_top, the ACL, last-known WAN/LAN IPs, the last
// speed-test stamp, the domain-speed map, and the global response ring.
type persistedState struct {
	FixTop            bool                          `json:"fix_top"`
	AutoPause         []string                      `json:"auto_pause"`
	ACL               []string                      `json:"acl,omitempty"`
	WANIP             string                        `json:"wan_ip,omitempty"`
	LANIP             string                        `json:"local_ip,omitempty"`
	LastSpeedTestUnix int64                         `json:"last_speed_test_time,omitempty"`
	DomainSpeed       map[string]map[string]float64 `json:"domain_speed_map"`
	Proxies           []json.RawMessage             `json:"proxy_list"`
	Ring              []stat.PersistedSample        `json:"global_resp_time,omitempty"`
}

// Dump writes the pool's JSON snapshot to path. aclEntries carries the
// allow-list, which is owned by internal/config and threaded in by the
// caller.
func (p *Pool) Dump(path string, aclEntries []string) error {
	p.mu.Lock()
	proxies := make([]json.RawMessage, 0, len(p.proxies))
	for _, px := range p.proxies {
		raw, err := px.MarshalJSON()
		if err != nil {
			p.mu.Unlock()
			return err
		}
		proxies = append(proxies, raw)
	}
	var lastSpeedUnix int64
	if !p.lastSpeedTest.IsZero() {
		lastSpeedUnix = p.lastSpeedTest.Unix()
	}
	state := persistedState{
		FixTop:            p.fixTop,
		AutoPause:         autoPauseNamesLocked(p),
		ACL:               aclEntries,
		WANIP:             p.wanIP,
		LANIP:             p.lanIP,
		LastSpeedTestUnix: lastSpeedUnix,
		DomainSpeed:       p.domainSpeed.Snapshot(),
		Proxies:           proxies,
	}
	p.mu.Unlock()

	state.Ring = p.ring.Export()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func autoPauseNamesLocked(p *Pool) []string {
	out := make([]string, 0, len(p.autoPause))
	for name := range p.autoPause {
		out = append(out, name)
	}
	return out
}

// Load restores a pool snapshot and returns the persisted ACL entries for
// the caller to merge into its allow-list. newProxy is supplied by the
// caller (it needs the shared ring, which Pool does not expose) and should
// construct a zero-value Proxy bound to the pool's ring, ready for
// UnmarshalInto.
func (p *Pool) Load(path string, newProxy func() *proxyspec.Proxy) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}

	var restored []*proxyspec.Proxy
	for _, entry := range state.Proxies {
		px := newProxy()
		if err := px.UnmarshalInto(entry); err != nil {
			return nil, err
		}
		restored = append(restored, px)
	}

	p.mu.Lock()
	p.proxies = restored
	p.fixTop = state.FixTop
	p.wanIP = state.WANIP
	p.lanIP = state.LANIP
	if state.LastSpeedTestUnix != 0 {
		p.lastSpeedTest = time.Unix(state.LastSpeedTestUnix, 0)
	}
	p.mu.Unlock()

	p.ring.SetPoolSize(max(1, len(restored)))
	p.ring.Import(state.Ring)
	p.domainSpeed.Load(state.DomainSpeed)
	p.LoadAutoPause(state.AutoPause)
	return state.ACL, nil
}
