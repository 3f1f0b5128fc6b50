package proxyspec

import (
	"encoding/json"
	"fmt"
	"os"
)

// shadowsocksSidecar mirrors the on-disk JSON sidecar shape: {server,
// server_port, password, method}.
type shadowsocksSidecar struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
}

// RefreshConfig re-reads the Shadowsocks JSON sidecar only when its mtime
// has advanced since the last read.
func (p *Proxy) RefreshConfig() error {
	if p.JSONConfig == "" {
		return nil
	}

	p.jsonConfigMu.Lock()
	defer p.jsonConfigMu.Unlock()

	info, err := os.Stat(p.JSONConfig)
	if err != nil {
		return fmt.Errorf("stat sidecar %s: %w", p.JSONConfig, err)
	}
	if !info.ModTime().After(p.jsonConfigAt) {
		return nil
	}

	raw, err := os.ReadFile(p.JSONConfig)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", p.JSONConfig, err)
	}

	var cfg shadowsocksSidecar
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse sidecar %s: %w", p.JSONConfig, err)
	}

	if cfg.Server != "" {
		p.Hostname = cfg.Server
	}
	if cfg.ServerPort != 0 {
		p.Port = cfg.ServerPort
	}
	p.Password = cfg.Password
	p.Method = cfg.Method
	p.jsonConfigAt = info.ModTime()
	return nil
}
