package replay

import (
	"net/http"
	"strings"

	"github.com/cookiemonster/cookiemonster/internal/errs"
)

// DenyRule is one entry in a Policy's ordered deny list (spec.md §3).
type DenyRule struct {
	HostGlob string
	Methods  []string // empty means "any method"
	PathGlob string
}

// Policy is the declarative guardrail set enforced before any outbound
// network I/O (spec.md §3, §4.G step 4).
type Policy struct {
	AllowedDomains     []string
	DenyRules          []DenyRule
	EnforceCaptureHost bool
}

// enforceGuards applies policy (and the per-request enforceCaptureHost
// override) to req, in the order spec.md §4.G step 4 specifies.
func enforceGuards(req *http.Request, captureHost string, policy Policy, enforceCaptureHostOverride bool) error {
	if policy.EnforceCaptureHost || enforceCaptureHostOverride {
		if !strings.EqualFold(req.URL.Hostname(), captureHost) {
			return errs.New(errs.CaptureHostMismatch, "replay: request host %q does not match captured host %q", req.URL.Hostname(), captureHost)
		}
	}

	if len(policy.AllowedDomains) > 0 && !hostAllowed(req.URL.Hostname(), policy.AllowedDomains) {
		return errs.New(errs.DomainNotAllowed, "replay: host %q is not in the allowed domain list", req.URL.Hostname())
	}

	for i, rule := range policy.DenyRules {
		if denyRuleMatches(rule, req) {
			return errs.New(errs.PolicyDenied, "replay: request denied by rule %d (%s)", i, rule.HostGlob)
		}
	}
	return nil
}

// hostAllowed reports whether host equals, or is a dot-suffix of, any
// entry in allowed (spec.md §3: "equal to or a dot-suffix of some
// entry").
func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowed {
		entry = strings.ToLower(entry)
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func denyRuleMatches(rule DenyRule, req *http.Request) bool {
	if rule.HostGlob != "" && !globMatch(rule.HostGlob, req.URL.Hostname()) {
		return false
	}
	if len(rule.Methods) > 0 && !methodInSet(rule.Methods, req.Method) {
		return false
	}
	if rule.PathGlob != "" && !globMatch(rule.PathGlob, req.URL.Path) {
		return false
	}
	return true
}

func methodInSet(set []string, method string) bool {
	for _, m := range set {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// globMatch supports a single leading or trailing "*" wildcard, which is
// all spec.md's host-glob/path-glob examples require.
func globMatch(pattern, value string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	default:
		return pattern == value
	}
}
