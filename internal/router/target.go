// Package router implements the YAML rule-based request router, loaded
// with gopkg.in/yaml.v3.
package router

import "strings"

// TargetKind is a tagged variant standing in for what would otherwise
// be a mixed string/nil return value.
type TargetKind int

const (
	Direct TargetKind = iota
	AnyProxy
	Forbid
	Named
)

// Target is what Decide resolves a request to.
type Target struct {
	Kind TargetKind
	Name string // populated when Kind == Named
}

// ParseTarget reads the D/P/F literals or a bare proxy short name:
// D (direct), P (any-proxy), F (forbid).
func ParseTarget(raw string) Target {
	switch strings.TrimSpace(raw) {
	case "D":
		return Target{Kind: Direct}
	case "P":
		return Target{Kind: AnyProxy}
	case "F":
		return Target{Kind: Forbid}
	default:
		return Target{Kind: Named, Name: raw}
	}
}

func (t Target) String() string {
	switch t.Kind {
	case Direct:
		return "D"
	case AnyProxy:
		return "P"
	case Forbid:
		return "F"
	default:
		return t.Name
	}
}
