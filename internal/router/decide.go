package router

// Decide resolves req to a Target by walking the ordered rule list and
// returning the first whose condition block matches in full; an explicit
// Proxy-Name header always short-circuits the walk. A paused rule that
// would have matched switches the request to the configured default
// target instead.
func (c *Config) Decide(req Request) Target {
	target, _, ok := c.DecideWithRule(req)
	if !ok {
		return Target{Kind: Direct}
	}
	return target
}

// DecideWithRule is Decide plus the name of the rule that produced the
// target, when one fired (empty for the explicit-header short-circuit or
// the default fallback), and whether the router resolved the request at
// all — false means no rule matched and the file configured no default,
// so the caller's mode logic takes over. internal/forward uses the rule
// name to call PauseRule when a named-proxy target turns out to be
// unreachable.
func (c *Config) DecideWithRule(req Request) (Target, string, bool) {
	if req.ProxyName != "" {
		return Target{Kind: Named, Name: req.ProxyName}, "", true
	}

	_ = c.EnsureFresh()

	c.mu.Lock()
	def, hasDefault := c.Default, c.hasDefault
	rules := c.Rules
	c.mu.Unlock()

	for _, rule := range rules {
		if !matchConditions(rule.Conditions, &req) {
			continue
		}
		if c.isPaused(rule.Name) {
			// The rule's target recently failed to connect; carry the
			// request on the default instead until the pause expires.
			break
		}
		return rule.Target, rule.Name, true
	}
	if hasDefault {
		return def, "", true
	}
	return Target{}, "", false
}
