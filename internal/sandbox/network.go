package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// NetworkPolicy controls outbound access from agent containers.
type NetworkPolicy string

const (
	// NetworkAllowAll uses the engine's default bridge network.
	NetworkAllowAll NetworkPolicy = "allow-all"
	// NetworkDeny attaches no network at all.
	NetworkDeny NetworkPolicy = "deny"
	// NetworkAllowlist permits only DNS and the listed domains.
	NetworkAllowlist NetworkPolicy = "allowlist"
)

// ParseNetworkPolicy converts s to a NetworkPolicy. Empty selects allow-all.
func ParseNetworkPolicy(s string) (NetworkPolicy, error) {
	switch NetworkPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", NetworkAllowAll, "allow_all", "allowall":
		return NetworkAllowAll, nil
	case NetworkDeny, "none":
		return NetworkDeny, nil
	case NetworkAllowlist:
		return NetworkAllowlist, nil
	default:
		return "", fmt.Errorf("unknown network policy %q (want allow-all, deny or allowlist)", s)
	}
}

// networkMode maps a policy to the engine network mode and extra capabilities.
func (p NetworkPolicy) networkMode() (mode string, capAdd []string) {
	switch p {
	case NetworkDeny:
		return "none", nil
	case NetworkAllowlist:
		return "", []string{"NET_ADMIN"}
	default:
		return "", nil
	}
}

var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidHostname reports whether s is a plain DNS hostname: dot-separated
// labels of letters, digits and interior hyphens, each at most 63 characters,
// at most 253 characters overall.
func ValidHostname(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// FilterDomains returns the valid hostnames from domains, lowercased and
// deduplicated. Rejected entries are logged and dropped.
func FilterDomains(domains []string, log zerolog.Logger) []string {
	seen := make(map[string]bool, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if !ValidHostname(d) {
			log.Warn().Str("domain", d).Msg("dropping invalid allowlist domain")
			continue
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// FirewallScript renders the shell script that locks outbound traffic down to
// DNS plus the given domains. Domains must already have passed ValidHostname;
// the script is run as root inside the container before the agent starts.
func FirewallScript(domains []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n\n")
	b.WriteString("setup() {\n")
	b.WriteString("  ipt=\"$1\"\n")
	b.WriteString("  \"$ipt\" -F OUTPUT || return 1\n")
	b.WriteString("  \"$ipt\" -P OUTPUT DROP || return 1\n")
	b.WriteString("  \"$ipt\" -A OUTPUT -o lo -j ACCEPT || return 1\n")
	b.WriteString("  \"$ipt\" -A OUTPUT -p udp --dport 53 -j ACCEPT || return 1\n")
	b.WriteString("  \"$ipt\" -A OUTPUT -p tcp --dport 53 -j ACCEPT || return 1\n")
	b.WriteString("  \"$ipt\" -A OUTPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT || return 1\n")
	b.WriteString("}\n\n")
	b.WriteString("allow() {\n")
	b.WriteString("  ips=$(getent ahosts \"$1\" | awk '{print $1}' | sort -u)\n")
	b.WriteString("  [ -n \"$ips\" ] || return 1\n")
	b.WriteString("  for ip in $ips; do\n")
	b.WriteString("    case \"$ip\" in\n")
	b.WriteString("      *:*) if [ \"$have_v6\" = 1 ]; then ip6tables -A OUTPUT -d \"$ip\" -j ACCEPT || return 1; fi ;;\n")
	b.WriteString("      *) iptables -A OUTPUT -d \"$ip\" -j ACCEPT || return 1 ;;\n")
	b.WriteString("    esac\n")
	b.WriteString("  done\n")
	b.WriteString("}\n\n")
	b.WriteString("setup iptables\n")
	b.WriteString("have_v6=0\n")
	b.WriteString("if command -v ip6tables >/dev/null 2>&1; then\n")
	b.WriteString("  setup ip6tables && have_v6=1 || echo 'ip6tables unavailable, skipping IPv6 rules' >&2\n")
	b.WriteString("fi\n\n")
	for _, d := range domains {
		fmt.Fprintf(&b, "allow '%s' || echo 'could not resolve %s' >&2\n", d, d)
	}
	return b.String()
}
