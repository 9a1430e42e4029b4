package network

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// IsEphemeral reports whether addr asks for "any available port".
func IsEphemeral(addr ma.Multiaddr) bool {
	for _, code := range []int{ma.P_TCP, ma.P_UDP} {
		if v, err := addr.ValueForProtocol(code); err == nil && v == "0" {
			return true
		}
	}
	return false
}

// IsUnspecified reports whether addr asks for "any local interface".
func IsUnspecified(addr ma.Multiaddr) bool {
	return manet.IsIPUnspecified(addr)
}

// WithPeerID appends /p2p/<id> to each address.
func WithPeerID(addrs []ma.Multiaddr, id peer.ID) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		full, err := ma.NewMultiaddr(fmt.Sprintf("%s/p2p/%s", addr.String(), id.String()))
		if err != nil {
			continue
		}
		out = append(out, full)
	}
	return out
}

// resolveUnspecified replaces an unspecified host with the first matching
// interface address, keeping the bound port. Loopback interfaces sort last
// so a routable address wins when one exists.
func resolveUnspecified(bound ma.Multiaddr, ifaces []ma.Multiaddr) (ma.Multiaddr, error) {
	if !IsUnspecified(bound) {
		return bound, nil
	}
	resolved, err := manet.ResolveUnspecifiedAddress(bound, ifaces)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", bound, err)
	}
	if len(resolved) == 0 {
		return nil, ErrNoResolvedAddr
	}
	for _, addr := range resolved {
		if !manet.IsIPLoopback(addr) {
			return addr, nil
		}
	}
	return resolved[0], nil
}
