package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2pnode/internal/core/network"
)

func newLibp2pNode(t *testing.T) (*Node, peer.ID) {
	t.Helper()
	if testing.Short() {
		t.Skip("libp2p integration test")
	}
	stack, err := network.NewLibp2pStack(context.Background(), network.Libp2pOptions{})
	require.NoError(t, err)
	n, err := New(stack, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, stack.ID()
}

func TestLibp2pConcurrentEphemeralListeners(t *testing.T) {
	n, _ := newLibp2pNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ephemeral := mustAddr(t, "/ip4/127.0.0.1/tcp/0")
	const count = 4
	results := make([]ma.Multiaddr, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr, err := n.AddListeningAddress(ctx, ephemeral)
			assert.NoError(t, err)
			results[i] = addr
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, addr := range results {
		require.NotNil(t, addr)
		assert.False(t, network.IsEphemeral(addr), addr.String())
		assert.False(t, seen[addr.String()])
		seen[addr.String()] = true
	}

	for _, addr := range results {
		require.NoError(t, n.RemoveListeningAddress(ctx, addr))
	}
	require.ErrorIs(t, n.RemoveListeningAddress(ctx, results[0]), ErrNotFound)
}

func TestLibp2pUnspecifiedListenerResolves(t *testing.T) {
	n, _ := newLibp2pNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addr, err := n.AddListeningAddress(ctx, mustAddr(t, "/ip4/0.0.0.0/tcp/0"))
	require.NoError(t, err)
	assert.False(t, network.IsUnspecified(addr), addr.String())
	assert.False(t, network.IsEphemeral(addr), addr.String())
}

func TestLibp2pConcurrentUnspecifiedListeners(t *testing.T) {
	n, _ := newLibp2pNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unspecified := mustAddr(t, "/ip4/0.0.0.0/tcp/0")
	bound := raceListeners(ctx, n, unspecified, unspecified)
	require.NotEmpty(t, bound)
	for _, addr := range bound {
		assert.False(t, network.IsUnspecified(addr), addr.String())
		assert.False(t, network.IsEphemeral(addr), addr.String())
	}
}

func TestLibp2pConcurrentListenersOnDifferentHosts(t *testing.T) {
	n, _ := newLibp2pNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bound := raceListeners(ctx, n, mustAddr(t, "/ip4/127.0.0.1/tcp/0"), mustAddr(t, "/ip4/127.0.0.2/tcp/0"))
	require.Len(t, bound, 2)
	assert.False(t, bound[0].Equal(bound[1]))
}

func TestLibp2pDuplicateConcreteListenerFails(t *testing.T) {
	n, _ := newLibp2pNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bound, err := n.AddListeningAddress(ctx, mustAddr(t, "/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)

	_, err = n.AddListeningAddress(ctx, bound)
	require.ErrorIs(t, err, ErrBindFailed)
	require.ErrorIs(t, err, network.ErrAddressInUse)

	_, addrs, err := n.Identity(ctx)
	require.NoError(t, err)
	assert.Len(t, addrs, 1)

	require.NoError(t, n.RemoveListeningAddress(ctx, bound))
}

func TestLibp2pPubsubBetweenNodes(t *testing.T) {
	a, aID := newLibp2pNode(t)
	b, bID := newLibp2pNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := a.AddListeningAddress(ctx, mustAddr(t, "/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	_, addrs, err := a.Identity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)

	subA, err := a.PubsubSubscribe(ctx, "integration")
	require.NoError(t, err)
	subB, err := b.PubsubSubscribe(ctx, "integration")
	require.NoError(t, err)

	require.NoError(t, b.Connect(ctx, addrs[0]))

	require.Eventually(t, func() bool {
		pa, err := a.PubsubPeers(ctx, "integration")
		if err != nil || len(pa) != 1 || pa[0] != bID {
			return false
		}
		pb, err := b.PubsubPeers(ctx, "integration")
		return err == nil && len(pb) == 1 && pb[0] == aID
	}, 15*time.Second, 50*time.Millisecond)

	require.NoError(t, a.PubsubPublish(ctx, "integration", []byte("over the wire")))
	require.NoError(t, b.PubsubPublish(ctx, "integration", []byte("and back")))
	want := map[string]peer.ID{"over the wire": aID, "and back": bID}
	for _, sub := range []*Subscription{subA, subB} {
		got := make(map[string]peer.ID)
		for len(got) < len(want) {
			select {
			case msg, ok := <-sub.Messages():
				require.True(t, ok)
				assert.Equal(t, []string{"integration"}, msg.Topics)
				_, dup := got[string(msg.Data)]
				require.False(t, dup, "duplicate delivery of %q", msg.Data)
				got[string(msg.Data)] = msg.Source
			case <-ctx.Done():
				t.Fatalf("messages not delivered, got %v", got)
			}
		}
		assert.Equal(t, want, got)
	}

	require.NoError(t, subB.Close())
	require.Eventually(t, func() bool {
		pa, err := a.PubsubPeers(ctx, "integration")
		return err == nil && len(pa) == 0
	}, 15*time.Second, 50*time.Millisecond)
}
