package router

import (
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// matchConditions reports whether every key in conditions matches req; an
// empty map matches everything. Recognized keys: url, protocol, host, port,
// path, method, app, header.
func matchConditions(conditions map[string]any, req *Request) bool {
	for key, raw := range conditions {
		if !matchKey(key, raw, req) {
			return false
		}
	}
	return true
}

func matchKey(key string, raw any, req *Request) bool {
	switch key {
	case "url":
		return matchScalarList(raw, func(v string) bool { return strings.HasPrefix(req.URL, v) })
	case "protocol":
		return matchScalarList(raw, func(v string) bool {
			if strings.EqualFold(v, "HTTPS") {
				return req.IsHTTPS
			}
			return !req.IsHTTPS
		})
	case "host":
		return matchScalarList(raw, func(v string) bool { return matchHost(v, req.Host) })
	case "port":
		return matchPort(raw, req.Port)
	case "path":
		return matchScalarList(raw, func(v string) bool { return strings.HasPrefix(req.Path, v) })
	case "method":
		return matchScalarList(raw, func(v string) bool { return strings.EqualFold(v, req.Method) })
	case "app":
		return matchScalarList(raw, func(v string) bool { return strings.EqualFold(v, req.App) })
	case "header":
		return matchHeader(raw, req)
	default:
		// Unknown keys never block a match; they're treated as metadata.
		return true
	}
}

// matchHost applies the two-letter mode tag: "pf" (prefix), "kw"
// (keyword/contains), "sf" (suffix). An untagged value defaults to an exact
// match. Both sides are IDNA-normalized so unicode and punycode hostnames
// compare equal (golang.org/x/net/idna).
func matchHost(pattern, host string) bool {
	mode := ""
	value := pattern
	if len(pattern) > 3 && pattern[2] == ':' {
		mode, value = pattern[:2], pattern[3:]
	}

	h := normalizeHost(host)
	v := normalizeHost(value)

	switch mode {
	case "pf":
		return strings.HasPrefix(h, v)
	case "kw":
		return strings.Contains(h, v)
	case "sf":
		return strings.HasSuffix(h, v)
	default:
		return h == v
	}
}

func normalizeHost(h string) string {
	if n, err := idna.Lookup.ToASCII(strings.ToLower(h)); err == nil {
		return n
	}
	return strings.ToLower(h)
}

// matchPort handles an int, a list of ints, or values negated with a leading
// "!" ("each optionally negated by leading !"). Negated entries encode "not
// any of the following": a list holding negated entries matches only when
// the port equals none of them. Otherwise truth is "any matches".
func matchPort(raw any, port int) bool {
	entries := toStringList(raw)
	if len(entries) == 0 {
		return false
	}

	hasNegated := false
	for _, e := range entries {
		if strings.HasPrefix(e, "!") {
			hasNegated = true
			n, err := strconv.Atoi(strings.TrimPrefix(e, "!"))
			if err == nil && port == n {
				return false
			}
		}
	}
	if hasNegated {
		return true
	}

	for _, e := range entries {
		n, err := strconv.Atoi(e)
		if err == nil && port == n {
			return true
		}
	}
	return false
}

// matchScalarList implements "within a list, truth is any matches", except
// that values beginning with "!" invert the rule to "first negated-miss
// wins" (i.e. the condition is satisfied as soon as one negated value's
// target is NOT present).
func matchScalarList(raw any, matches func(string) bool) bool {
	entries := toStringList(raw)
	if len(entries) == 0 {
		return false
	}

	hasNegated := false
	for _, e := range entries {
		if strings.HasPrefix(e, "!") {
			hasNegated = true
			if !matches(strings.TrimPrefix(e, "!")) {
				return true
			}
		}
	}
	if hasNegated {
		return false
	}

	for _, e := range entries {
		if matches(e) {
			return true
		}
	}
	return false
}

// matchHeader implements the "arbitrary request-header substring match"
// key: a map of header-name -> substring (optionally "!"-negated), ANDed
// like every other top-level key inside matchConditions.
func matchHeader(raw any, req *Request) bool {
	m, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	for name, v := range m {
		substr, _ := v.(string)
		actual := lookupHeader(req.Headers, name)
		negate := strings.HasPrefix(substr, "!")
		substr = strings.TrimPrefix(substr, "!")
		contains := strings.Contains(actual, substr)
		if negate {
			if contains {
				return false
			}
			continue
		}
		if !contains {
			return false
		}
	}
	return true
}

// lookupHeader is a case-insensitive lookup over a raw header map, since
// Request.Headers preserves whatever case the wire parser saw them in.
func lookupHeader(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// toStringList normalizes a YAML-decoded scalar/list/int field into a
// []string, preserving any leading "!" already present in string form.
func toStringList(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case int:
		return []string{strconv.Itoa(v)}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, toStringList(item)...)
		}
		return out
	default:
		return nil
	}
}
