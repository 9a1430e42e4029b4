package network

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	addr, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return addr
}

func TestIsEphemeral(t *testing.T) {
	cases := map[string]bool{
		"/ip4/127.0.0.1/tcp/0":         true,
		"/ip4/127.0.0.1/udp/0/quic-v1": true,
		"/ip6/::1/tcp/4001":            false,
		"/ip4/10.0.0.1/udp/9000":       false,
	}
	for s, want := range cases {
		assert.Equal(t, want, IsEphemeral(mustAddr(t, s)), s)
	}
}

func TestIsUnspecified(t *testing.T) {
	assert.True(t, IsUnspecified(mustAddr(t, "/ip4/0.0.0.0/tcp/0")))
	assert.True(t, IsUnspecified(mustAddr(t, "/ip6/::/tcp/0")))
	assert.False(t, IsUnspecified(mustAddr(t, "/ip4/127.0.0.1/tcp/0")))
}

func TestWithPeerID(t *testing.T) {
	id, err := peer.Decode("12D3KooWD3eckifWpRn9wQpMG9R9hX3sD158z7EqHWmweQAJU5SA")
	require.NoError(t, err)

	out := WithPeerID([]ma.Multiaddr{mustAddr(t, "/ip4/127.0.0.1/tcp/4001")}, id)
	require.Len(t, out, 1)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/4001/p2p/"+id.String(), out[0].String())

	info, err := peer.AddrInfoFromP2pAddr(out[0])
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)
}

func TestResolveUnspecifiedPrefersRoutable(t *testing.T) {
	ifaces := []ma.Multiaddr{
		mustAddr(t, "/ip4/127.0.0.1"),
		mustAddr(t, "/ip4/192.168.1.20"),
	}

	got, err := resolveUnspecified(mustAddr(t, "/ip4/0.0.0.0/tcp/41234"), ifaces)
	require.NoError(t, err)
	assert.Equal(t, "/ip4/192.168.1.20/tcp/41234", got.String())

	got, err = resolveUnspecified(mustAddr(t, "/ip4/0.0.0.0/tcp/41234"), ifaces[:1])
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/41234", got.String())

	concrete := mustAddr(t, "/ip4/10.1.1.1/tcp/5")
	got, err = resolveUnspecified(concrete, ifaces)
	require.NoError(t, err)
	assert.True(t, got.Equal(concrete))
}

func TestNewAddrFindsAddedListenAddress(t *testing.T) {
	a := mustAddr(t, "/ip4/127.0.0.1/tcp/1000")
	b := mustAddr(t, "/ip4/127.0.0.1/tcp/1001")

	assert.True(t, newAddr([]ma.Multiaddr{a, b}, []ma.Multiaddr{a}).Equal(b))
	assert.Nil(t, newAddr([]ma.Multiaddr{a}, []ma.Multiaddr{a}))
}
