package upstream

import "net"

// HostnameFor resolves the upstream SNI for an upstream address: the
// configured explicitSNI if non-empty (Decision D-1 — an explicit config
// field beats the address-derived heuristic flagged as an open question
// in spec.md §9), otherwise the host portion of address, falling back to
// the address itself when it carries no port.
func HostnameFor(address, explicitSNI string) string {
	if explicitSNI != "" {
		return explicitSNI
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
