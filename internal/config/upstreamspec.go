package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/taige/tsproxy/internal/proxyspec"
)

// UpstreamSpec is a parsed CLI upstream argument, ready to hand to
// proxyspec.New plus the Shadowsocks-only fields it also carries.
type UpstreamSpec struct {
	Kind       proxyspec.Kind
	Host       string
	Port       int
	ShortName  string
	Password   string
	Method     string
	JSONConfig string
}

// ParseUpstreamSpec disambiguates the five CLI upstream forms with a
// left-to-right scan for "://", "@", and the rightmost "/":
//
//	host:port                     SOCKS5
//	host:port/shortname            SOCKS5, explicit short name
//	password/method@host:port      Shadowsocks
//	host                           Shadowsocks, password/method from host.json
//	http://host:port[/shortname]   HTTP CONNECT
func ParseUpstreamSpec(raw string) (UpstreamSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return UpstreamSpec{}, fmt.Errorf("config: empty upstream spec")
	}

	if strings.Contains(raw, "://") {
		return parseHTTPConnectSpec(raw)
	}
	if idx := strings.Index(raw, "@"); idx >= 0 {
		return parseShadowsocksCredSpec(raw, idx)
	}
	if !strings.Contains(raw, ":") {
		return UpstreamSpec{
			Kind:       proxyspec.Shadowsocks,
			Host:       raw,
			JSONConfig: raw + ".json",
		}, nil
	}
	return parseSocks5Spec(raw)
}

func parseHTTPConnectSpec(raw string) (UpstreamSpec, error) {
	rest := strings.TrimPrefix(raw, "http://")
	shortName := ""
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		shortName = rest[idx+1:]
		rest = rest[:idx]
	}
	host, port, err := splitHostPort(rest)
	if err != nil {
		return UpstreamSpec{}, fmt.Errorf("config: http-connect spec %q: %w", raw, err)
	}
	return UpstreamSpec{Kind: proxyspec.HTTPConnect, Host: host, Port: port, ShortName: shortName}, nil
}

func parseShadowsocksCredSpec(raw string, at int) (UpstreamSpec, error) {
	cred, hostport := raw[:at], raw[at+1:]
	parts := strings.SplitN(cred, "/", 2)
	if len(parts) != 2 {
		return UpstreamSpec{}, fmt.Errorf("config: shadowsocks spec %q: expected password/method@host:port", raw)
	}
	host, port, err := splitHostPort(hostport)
	if err != nil {
		return UpstreamSpec{}, fmt.Errorf("config: shadowsocks spec %q: %w", raw, err)
	}
	return UpstreamSpec{
		Kind:     proxyspec.Shadowsocks,
		Host:     host,
		Port:     port,
		Password: parts[0],
		Method:   parts[1],
	}, nil
}

func parseSocks5Spec(raw string) (UpstreamSpec, error) {
	rest := raw
	shortName := ""
	if idx := strings.LastIndex(rest, "/"); idx >= 0 {
		shortName = rest[idx+1:]
		rest = rest[:idx]
	}
	host, port, err := splitHostPort(rest)
	if err != nil {
		return UpstreamSpec{}, fmt.Errorf("config: socks5 spec %q: %w", raw, err)
	}
	return UpstreamSpec{Kind: proxyspec.Socks5, Host: host, Port: port, ShortName: shortName}, nil
}

func splitHostPort(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", s)
	}
	host, portStr := s[:idx], s[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return host, port, nil
}
