// Package policy gates navigation and method use for multiplexed sessions.
// Rules come from an optional YAML file plus inline config entries; on top of
// origin rules it applies SSRF-style target validation so no session can point
// the browser at loopback, private, or cloud-metadata addresses.
package policy

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/tabmux/internal/logging"
)

// Rules is the declarative part of a policy. Origin patterns are bare
// hostnames, optionally with a "*." prefix that also matches the apex.
type Rules struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = allow all
	BlockedOrigins []string `yaml:"blocked_origins"`
	BlockedMethods []string `yaml:"blocked_methods"`
}

// Policy is an immutable, evaluated rule set.
type Policy struct {
	rules             Rules
	blockPrivateHosts bool
}

// BlockedError reports a URL or method rejected by policy.
type BlockedError struct {
	Target string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by policy: %s", e.Reason)
}

// Load builds a policy from an optional YAML file and inline rules.
// Inline rules are appended to the file's rules.
func Load(file string, inline Rules, blockPrivateHosts bool) (*Policy, error) {
	var rules Rules

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
	}

	if err := mergo.Merge(&rules, inline, mergo.WithAppendSlice); err != nil {
		return nil, fmt.Errorf("failed to merge inline policy rules: %w", err)
	}

	p := &Policy{rules: rules, blockPrivateHosts: blockPrivateHosts}
	L_debug("policy: loaded",
		"file", file,
		"allowedOrigins", len(rules.AllowedOrigins),
		"blockedOrigins", len(rules.BlockedOrigins),
		"blockedMethods", len(rules.BlockedMethods),
		"blockPrivateHosts", blockPrivateHosts,
	)
	return p, nil
}

// CheckMethod rejects methods named in blocked_methods.
func (p *Policy) CheckMethod(method string) error {
	for _, m := range p.rules.BlockedMethods {
		if strings.EqualFold(m, method) {
			return &BlockedError{Target: method, Reason: fmt.Sprintf("method %q disabled", method)}
		}
	}
	return nil
}

// CheckURL validates a navigation target:
// - http/https schemes only
// - blocked_origins deny, then allowed_origins (when present) must match
// - hostname resolved to IPs to catch encoding tricks, with loopback,
//   private, link-local, and cloud metadata addresses blocked
func (p *Policy) CheckURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("invalid URL: %v", err)}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("scheme %q not allowed, only http/https", parsed.Scheme)}
	}

	host := parsed.Hostname()
	if host == "" {
		return &BlockedError{Target: urlStr, Reason: "empty hostname"}
	}

	for _, pattern := range p.rules.BlockedOrigins {
		if matchOrigin(pattern, host) {
			return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("origin %s is blocked", host)}
		}
	}

	if len(p.rules.AllowedOrigins) > 0 {
		allowed := false
		for _, pattern := range p.rules.AllowedOrigins {
			if matchOrigin(pattern, host) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("origin %s is not in the allowed list", host)}
		}
	}

	if !p.blockPrivateHosts {
		return nil
	}

	if isCloudMetadataHost(host) {
		return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("cloud metadata hostname blocked: %s", host)}
	}

	// Resolve hostname to IP(s) - this catches:
	// - Decimal IP encoding (2130706433 = 127.0.0.1)
	// - Hex IP encoding (0x7f000001 = 127.0.0.1)
	// - Domain redirects (localtest.me -> 127.0.0.1)
	// - Short forms (127.1 -> 127.0.0.1)
	ips, err := net.LookupIP(host)
	if err != nil {
		ip := net.ParseIP(host)
		if ip == nil {
			return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("DNS resolution failed: %v", err)}
		}
		ips = []net.IP{ip}
	}

	for _, ip := range ips {
		if reason := isBlockedIP(ip); reason != "" {
			L_debug("policy: blocked IP", "url", urlStr, "host", host, "ip", ip.String(), "reason", reason)
			return &BlockedError{Target: urlStr, Reason: fmt.Sprintf("%s (%s resolves to %s)", reason, host, ip.String())}
		}
	}

	L_trace("policy: URL passed validation", "url", urlStr, "host", host)
	return nil
}

// matchOrigin matches a host against a pattern. A "*." prefix matches any
// subdomain and the apex itself; otherwise the match is exact.
func matchOrigin(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(host)
	if pattern == "" {
		return false
	}
	if apex, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == apex || strings.HasSuffix(host, "."+apex)
	}
	return host == pattern
}

// isBlockedIP returns a reason string if the IP should be blocked, empty string if OK
func isBlockedIP(ip net.IP) string {
	if ip.IsLoopback() {
		return "loopback address blocked"
	}
	if ip.IsPrivate() {
		return "private network address blocked"
	}
	if ip.IsLinkLocalUnicast() {
		return "link-local address blocked"
	}
	if ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return "multicast address blocked"
	}
	if ip.IsUnspecified() {
		return "unspecified address blocked"
	}

	// IPv4-mapped IPv6 addresses - unwrap and check the IPv4
	if ip4 := ip.To4(); ip4 != nil && !ip.Equal(ip4) {
		if reason := isBlockedIP(ip4); reason != "" {
			return reason + " (IPv4-mapped)"
		}
	}

	return ""
}

// isCloudMetadataHost checks for known cloud metadata hostnames
func isCloudMetadataHost(host string) bool {
	host = strings.ToLower(host)

	metadataHosts := []string{
		"metadata.google.internal", // GCP
		"metadata.goog",            // GCP alternate
		"kubernetes.default.svc",   // Kubernetes
		"kubernetes.default",       // Kubernetes
		"metadata",                 // Generic
	}

	for _, mh := range metadataHosts {
		if host == mh || strings.HasSuffix(host, "."+mh) {
			return true
		}
	}

	return false
}
