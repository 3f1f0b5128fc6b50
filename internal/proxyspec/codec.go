package proxyspec

import (
	"encoding/json"
	"time"
)

// snapshot is the explicit wire shape for a Proxy's persisted JSON
// form. It round-trips every field.
type snapshot struct {
	Kind       Kind     `json:"kind"`
	Hostname   string   `json:"hostname"`
	Port       int      `json:"port"`
	ShortName  string   `json:"short_name"`
	Password   string   `json:"password,omitempty"`
	Method     string   `json:"method,omitempty"`
	JSONConfig string   `json:"json_config,omitempty"`
	Addresses  []string `json:"addresses,omitempty"`

	DownSpeed    float64 `json:"down_speed"`
	Paused       bool    `json:"paused"`
	AutoPaused   bool    `json:"auto_paused"`
	HeadTimeUnix int64   `json:"head_time_unix,omitempty"`
	SessCount    int     `json:"sess_count"`

	TotalCount map[string]int64 `json:"total_count,omitempty"`
	TotalFail  map[string]int64 `json:"total_fail,omitempty"`
}

// MarshalJSON uses an alias-embedding pattern to add computed fields
// (head time as a unix stamp, current stats) alongside the struct's own.
func (p *Proxy) MarshalJSON() ([]byte, error) {
	var headUnix int64
	if ht := p.HeadTime(); !ht.IsZero() {
		headUnix = ht.Unix()
	}
	totalCount, totalFail := p.LifetimeCounters()
	return json.Marshal(snapshot{
		Kind:         p.Kind,
		Hostname:     p.Hostname,
		Port:         p.Port,
		ShortName:    p.ShortName,
		Password:     p.Password,
		Method:       p.Method,
		JSONConfig:   p.JSONConfig,
		Addresses:    p.Addresses(),
		DownSpeed:    p.DownSpeed(),
		Paused:       p.Paused(),
		AutoPaused:   p.AutoPaused(),
		HeadTimeUnix: headUnix,
		SessCount:    p.SessCount(),
		TotalCount:   totalCount,
		TotalFail:    totalFail,
	})
}

// UnmarshalInto restores persisted fields onto an already-constructed
// Proxy (constructed via New so it holds a valid PerProxyStat/ring link).
func (p *Proxy) UnmarshalInto(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	p.Kind = s.Kind
	p.Hostname = s.Hostname
	p.Port = s.Port
	p.ShortName = s.ShortName
	p.Password = s.Password
	p.Method = s.Method
	p.JSONConfig = s.JSONConfig
	p.SetAddresses(s.Addresses)
	p.SetDownSpeed(s.DownSpeed)
	if s.Paused {
		p.Pause(s.AutoPaused)
	}
	if s.HeadTimeUnix != 0 {
		p.RestoreHeadTime(time.Unix(s.HeadTimeUnix, 0))
	}
	p.RestoreCounters(s.TotalCount, s.TotalFail, s.SessCount)
	return nil
}
