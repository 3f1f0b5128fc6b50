// Package classify maps an IP address to {CN, foreign, local} using a
// typed, mutex-guarded table instead of module-level globals.
package classify

import (
	"bufio"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
)

// Classification is the three-way result the router's smart mode needs.
type Classification int

const (
	Foreign Classification = iota
	CN
	Local
)

// Classifier holds the APNIC CN delegation ranges, refreshed once the
// loaded file's age exceeds poolcfg.ApnicExpiredDays.
type Classifier struct {
	mu       sync.RWMutex
	cnRanges []*net.IPNet
	loadedAt time.Time
	path     string
}

// New builds a Classifier that reads its APNIC delegation file from path.
// An empty path is valid: Classify then only distinguishes Local from
// Foreign (every non-private IP reads as foreign, never CN).
func New(path string) *Classifier {
	return &Classifier{path: path}
}

// Classify maps ip to {Local, CN, Foreign}.
func (c *Classifier) Classify(ip net.IP) Classification {
	if isPrivate(ip) {
		return Local
	}
	if c.isCN(ip) {
		return CN
	}
	return Foreign
}

func (c *Classifier) isCN(ip net.IP) bool {
	c.maybeReload()
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.cnRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// maybeReload re-parses the delegation file when it has never been loaded or
// the cached load has passed ApnicExpiredDays.
func (c *Classifier) maybeReload() {
	if c.path == "" {
		return
	}
	c.mu.RLock()
	stale := time.Since(c.loadedAt) > poolcfg.ApnicExpiredDays
	c.mu.RUnlock()
	if !stale {
		return
	}
	ranges, err := parseDelegationFile(c.path)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.cnRanges = ranges
	c.loadedAt = time.Now()
	c.mu.Unlock()
}

// parseDelegationFile reads the APNIC delegated-apnic-latest format:
// "apnic|CN|ipv4|<base>|<count>|<date>|allocated". count is a power-of-two
// host count; the range is base..base+count-1, converted to a CIDR mask.
func parseDelegationFile(path string) ([]*net.IPNet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ranges []*net.IPNet
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 5 {
			continue
		}
		if fields[1] != "CN" || fields[2] != "ipv4" {
			continue
		}
		base := net.ParseIP(fields[3])
		if base == nil {
			continue
		}
		count := parseUint(fields[4])
		if count == 0 {
			continue
		}
		prefix := 32 - bitsFor(count)
		ranges = append(ranges, &net.IPNet{IP: base.Mask(net.CIDRMask(prefix, 32)), Mask: net.CIDRMask(prefix, 32)})
	}
	return ranges, sc.Err()
}

func bitsFor(count uint64) int {
	bits := 0
	for (uint64(1) << uint(bits)) < count {
		bits++
	}
	return bits
}

func parseUint(s string) uint64 {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + uint64(r-'0')
	}
	return n
}

// privateRanges are the RFC1918 + loopback + link-local ranges.
var privateRanges = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"127.0.0.0/8", "169.254.0.0/16", "::1/128", "fc00::/7", "fe80::/10",
	}
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}()

func isPrivate(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
