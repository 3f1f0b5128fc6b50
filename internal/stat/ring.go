// Package stat implements the rolling response-time ring and the per-proxy
// derived signals (fail rate, TP90, sort_key). The ring is both TTL- and
// count-bounded, and supports removing every entry for a given proxy by
// key prefix.
package stat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taige/tsproxy/internal/poolcfg"
)

// Sample is one observation appended to the global ring.
type Sample struct {
	Elapsed float64 // seconds; -1 when Failed
	Failed  bool
	Key     string // "<short_name>/<resolved_ip>"
	at      time.Time
}

// Ring is the process-wide rolling response-time ring. One instance is
// shared by every proxy, started at boot and stopped on shutdown.
type Ring struct {
	mu       sync.Mutex
	samples  []Sample
	capacity int

	cacheMu    sync.Mutex
	cacheValue float64
	cacheAt    time.Time
}

// NewRing builds an empty ring. The per-member capacity
// poolcfg.TP90CalcCount is multiplied by the current pool size to get the
// effective cap (SetPoolSize).
func NewRing() *Ring {
	return &Ring{capacity: poolcfg.TP90CalcCount}
}

// SetPoolSize rescales the ring's count bound to tp90_calc_count * poolSize.
func (r *Ring) SetPoolSize(poolSize int) {
	if poolSize < 1 {
		poolSize = 1
	}
	r.mu.Lock()
	r.capacity = poolcfg.TP90CalcCount * poolSize
	r.mu.Unlock()
}

// Record appends one observation and prunes stale/excess entries.
func (r *Ring) Record(key string, elapsed float64, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples = append(r.samples, Sample{Elapsed: elapsed, Failed: failed, Key: key, at: time.Now()})
	r.pruneLocked()
}

func (r *Ring) pruneLocked() {
	cutoff := time.Now().Add(-poolcfg.TP90ExpiredTime)
	i := 0
	for i < len(r.samples) && r.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.samples = append([]Sample{}, r.samples[i:]...)
	}
	if over := len(r.samples) - r.capacity; over > 0 {
		r.samples = append([]Sample{}, r.samples[over:]...)
	}
}

// Checkout removes every entry whose Key starts with name+"/" or equals
// name. Used when a proxy is removed from the pool.
func (r *Ring) Checkout(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.samples[:0:0]
	for _, s := range r.samples {
		if s.Key == name || strings.HasPrefix(s.Key, name+"/") {
			continue
		}
		kept = append(kept, s)
	}
	r.samples = kept
}

// snapshot returns a defensive copy of current samples, pruning first.
func (r *Ring) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// WindowStats returns, over the current ring, the count and fail count of
// entries whose Key matches prefix (name or name+"/..."); an empty prefix
// matches every entry (used for the global computation).
func WindowStats(samples []Sample, prefix string) (count, failed int) {
	for _, s := range samples {
		if prefix != "" && s.Key != prefix && !strings.HasPrefix(s.Key, prefix+"/") {
			continue
		}
		count++
		if s.Failed {
			failed++
		}
	}
	return
}

// TP90 computes the 90th-percentile elapsed time over entries matching
// prefix (empty = all), dropping the top floor(n*0.1) of the sorted
// (descending) elapsed>=0 subset. It returns (value, sampleCount). A burst
// of fresh failures is not hidden behind a stale cached value here:
// failures simply shrink the candidate subset of non-negative-elapsed
// samples. TP90 itself caches nothing; only GlobalTP90 memoizes, for a
// fixed time window regardless of how many samples back the value.
func TP90(samples []Sample, prefix string) (value float64, n int) {
	var elapsed []float64
	for _, s := range samples {
		if prefix != "" && s.Key != prefix && !strings.HasPrefix(s.Key, prefix+"/") {
			continue
		}
		if s.Failed || s.Elapsed < 0 {
			continue
		}
		elapsed = append(elapsed, s.Elapsed)
	}
	n = len(elapsed)
	if n == 0 {
		return 0, 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(elapsed)))
	c90 := int(float64(n) * 0.1)
	if c90 >= n {
		c90 = n - 1
	}
	return elapsed[c90], n
}

// GlobalTP90 is TP90 memoized with poolcfg.StatCacheFreshness, a 500ms
// freshness window shared with sort_key's cache.
func (r *Ring) GlobalTP90() float64 {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if time.Since(r.cacheAt) < poolcfg.StatCacheFreshness {
		return r.cacheValue
	}
	value, _ := TP90(r.snapshot(), "")
	r.cacheValue = value
	r.cacheAt = time.Now()
	return value
}

// Snapshot exposes the current samples for callers that need their own
// filtered view (e.g. per-proxy tp90/fail_rate in PerProxyStat).
func (r *Ring) Snapshot() []Sample {
	return r.snapshot()
}

// PersistedSample is the on-disk form of a ring entry; the observation
// timestamp is explicit so the TTL bound survives a restart.
type PersistedSample struct {
	Elapsed float64 `json:"elapsed"`
	Failed  bool    `json:"failed"`
	Key     string  `json:"key"`
	AtUnix  int64   `json:"at_unix"`
}

// Export renders the current ring contents for the state snapshot.
func (r *Ring) Export() []PersistedSample {
	out := []PersistedSample{}
	for _, s := range r.snapshot() {
		out = append(out, PersistedSample{Elapsed: s.Elapsed, Failed: s.Failed, Key: s.Key, AtUnix: s.at.Unix()})
	}
	return out
}

// Import replaces the ring contents from a persisted snapshot; stale
// entries are pruned on the way in by the usual TTL/count bounds.
func (r *Ring) Import(persisted []PersistedSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = r.samples[:0]
	for _, s := range persisted {
		r.samples = append(r.samples, Sample{Elapsed: s.Elapsed, Failed: s.Failed, Key: s.Key, at: time.Unix(s.AtUnix, 0)})
	}
	sort.SliceStable(r.samples, func(i, j int) bool { return r.samples[i].at.Before(r.samples[j].at) })
	r.pruneLocked()
}
