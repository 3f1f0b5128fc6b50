package router

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is one named condition block with its resolved target, drawn from
// the router's ordered list of {condition_name: target} pairs.
type Rule struct {
	Name       string
	Conditions map[string]any
	Target     Target
}

// Config is the loaded, mtime-watched router configuration: the YAML
// file is watched by mtime, reload happens inside the next read of the
// config, and access is serialized by mu.
type Config struct {
	Default Target
	Rules   []Rule

	mu         sync.Mutex
	path       string
	modTime    time.Time
	hasDefault bool

	pauseMu  sync.Mutex
	pausedAt map[string]time.Time // rule name -> pause stamp
}

// Load reads and parses path once.
func Load(path string) (*Config, error) {
	c := &Config{path: path, pausedAt: map[string]time.Time{}}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// EnsureFresh re-parses the file when its mtime has advanced since the last
// load.
func (c *Config) EnsureFresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	if !info.ModTime().After(c.modTime) {
		return nil
	}
	return c.reloadLocked(info.ModTime())
}

func (c *Config) reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, err := os.Stat(c.path)
	if err != nil {
		return err
	}
	return c.reloadLocked(info.ModTime())
}

func (c *Config) reloadLocked(modTime time.Time) error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}

	defaultTarget := Target{Kind: Direct}
	hasDefault := false
	if v, ok := doc["default"].(string); ok {
		defaultTarget = ParseTarget(v)
		hasDefault = true
	}

	var order []map[string]any
	if v, ok := doc["router"].([]any); ok {
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				order = append(order, m)
			}
		}
	}

	conditionBlocks := map[string]map[string]any{}
	for key, val := range doc {
		if key == "default" || key == "router" {
			continue
		}
		if m, ok := val.(map[string]any); ok {
			conditionBlocks[key] = m
		}
	}

	var rules []Rule
	for _, entry := range order {
		for name, targetRaw := range entry {
			targetStr, _ := targetRaw.(string)
			rules = append(rules, Rule{
				Name:       name,
				Conditions: conditionBlocks[name],
				Target:     ParseTarget(targetStr),
			})
		}
	}

	c.Default = defaultTarget
	c.Rules = rules
	c.hasDefault = hasDefault
	c.modTime = modTime
	return nil
}

// PauseRule marks name paused for poolcfg.RouterPauseOnFail: the rule is
// skipped until the pause expires, and the caller retries the request
// against ANY_PROXY exactly once.
func (c *Config) PauseRule(name string, ttl time.Duration) {
	c.pauseMu.Lock()
	if c.pausedAt == nil {
		c.pausedAt = map[string]time.Time{}
	}
	c.pausedAt[name] = time.Now().Add(ttl)
	c.pauseMu.Unlock()
}

func (c *Config) isPaused(name string) bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	until, ok := c.pausedAt[name]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}
