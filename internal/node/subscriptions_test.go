package node

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2pnode/internal/core/network"
)

func TestRegistryRemoveMatchesSubscriptionID(t *testing.T) {
	r := newSubscriptionRegistry()
	first := newSubscription(nil, "t", 1)
	r.add(first)

	_, ok := r.remove("t", 2)
	assert.False(t, ok)
	assert.True(t, r.has("t"))

	got, ok := r.remove("t", 1)
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.False(t, r.has("t"))
}

func TestRegistryPeerSets(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(newSubscription(nil, "a", 1))
	r.add(newSubscription(nil, "b", 2))

	assert.True(t, r.addPeer("a", peer.ID("p2")))
	assert.True(t, r.addPeer("a", peer.ID("p1")))
	assert.True(t, r.addPeer("b", peer.ID("p1")))
	assert.True(t, r.addPeer("b", peer.ID("p3")))
	assert.False(t, r.addPeer("c", peer.ID("p4")))

	assert.Equal(t, []peer.ID{"p1", "p2", "p3"}, r.peers(""))
	assert.Equal(t, []peer.ID{"p1", "p2"}, r.peers("a"))
	assert.Empty(t, r.peers("c"))

	assert.True(t, r.removePeer("a", peer.ID("p2")))
	assert.False(t, r.removePeer("a", peer.ID("p2")))
	assert.Equal(t, []peer.ID{"p1"}, r.peers("a"))

	r.remove("b", 0)
	assert.Equal(t, []peer.ID{"p1"}, r.peers(""))
}

func TestRegistryDeliversOncePerTopic(t *testing.T) {
	r := newSubscriptionRegistry()
	a := newSubscription(nil, "a", 1)
	b := newSubscription(nil, "b", 2)
	r.add(a)
	r.add(b)
	defer a.end()
	defer b.end()

	msg := &network.Message{Topics: []string{"a", "b", "a", "other"}, Data: []byte("x")}
	assert.Equal(t, 2, r.deliver(msg))

	for _, sub := range []*Subscription{a, b} {
		got := requireMessage(t, sub)
		assert.Same(t, msg, got)
	}
}
