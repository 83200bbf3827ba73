package auth

import (
	"net/http"
	"strings"
)

// routeRule grants access to paths under prefix. read applies to safe
// methods, write to everything else. An empty read role leaves the route
// open. adminSuffix raises reads of matching paths to admin.
type routeRule struct {
	prefix      string
	exact       bool
	read        Role
	write       Role
	adminSuffix string
}

var defaultRules = []routeRule{
	{prefix: "/api/v1/time", exact: true},
	{prefix: "/api/v1/ingest", exact: true, read: RoleOperator, write: RoleOperator},
	{prefix: "/api/v1/reconcile/", read: RoleViewer, write: RoleAdmin, adminSuffix: "/export."},
	{prefix: "/api/v1/devices/", read: RoleViewer, write: RoleOperator},
	{prefix: "/ws/monitor", exact: true, read: RoleViewer, write: RoleOperator},
	{prefix: "/api/", read: RoleViewer, write: RoleOperator},
}

// Policy maps requests to the role they require.
type Policy struct {
	exempt map[string]struct{}
	rules  []routeRule
}

// NewDefaultPolicy builds the monitor policy. exemptPaths skip auth
// entirely; exemptPrefixes do the same for whole subtrees.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	p := Policy{exempt: make(map[string]struct{}, len(exemptPaths))}
	for _, path := range exemptPaths {
		p.exempt[path] = struct{}{}
	}
	for _, prefix := range exemptPrefixes {
		p.rules = append(p.rules, routeRule{prefix: prefix})
	}
	p.rules = append(p.rules, defaultRules...)
	return p
}

// IsExempt reports requests that bypass authentication.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	_, ok := p.exempt[r.URL.Path]
	return ok
}

// RequiredRole resolves the role a request needs. ok is false for open
// routes.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	for _, rule := range p.rules {
		if !rule.matches(path) {
			continue
		}
		if rule.read == "" {
			return "", false
		}
		if !isSafeMethod(r.Method) {
			return rule.write, true
		}
		if rule.adminSuffix != "" && strings.Contains(path, rule.adminSuffix) {
			return RoleAdmin, true
		}
		return rule.read, true
	}
	return "", false
}

func (rule routeRule) matches(path string) bool {
	if rule.exact {
		return path == rule.prefix
	}
	return strings.HasPrefix(path, rule.prefix)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
