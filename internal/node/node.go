// Package node is the control core of a peer-to-peer node. A single actor
// goroutine owns the protocol stack, the listener registry and the
// subscription registry; the Node facade turns each call into a command and
// waits for the actor's answer.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"p2pnode/internal/core/network"
)

const defaultCommandBuffer = 64

type Options struct {
	Logger *zap.Logger
	// Registerer receives the node metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// CommandBuffer is the capacity of the command channel.
	CommandBuffer int
}

// Node is safe for concurrent use.
type Node struct {
	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// New starts the actor for stack. The node owns the stack from here on and
// closes it on shutdown.
func New(stack network.Stack, opts Options) (*Node, error) {
	if stack == nil {
		return nil, fmt.Errorf("new node: nil protocol stack")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	buf := opts.CommandBuffer
	if buf <= 0 {
		buf = defaultCommandBuffer
	}

	n := &Node{
		cmds: make(chan command, buf),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &actor{
		node:      n,
		stack:     stack,
		log:       log.Named("actor"),
		metrics:   m,
		cmds:      n.cmds,
		quit:      n.quit,
		ctx:       ctx,
		cancel:    cancel,
		listeners: newListenerRegistry(),
		subs:      newSubscriptionRegistry(),
	}
	go func() {
		defer close(n.done)
		a.run()
	}()
	return n, nil
}

// AddListeningAddress binds a listener and returns the concrete address it
// ended up on. Ephemeral ports and unspecified hosts are resolved.
func (n *Node) AddListeningAddress(ctx context.Context, addr ma.Multiaddr) (ma.Multiaddr, error) {
	return call(ctx, n, func(r responder[ma.Multiaddr]) command {
		return addListener{addr: addr, resp: r}
	})
}

// RemoveListeningAddress closes the listener bound to addr. Only the address
// returned by AddListeningAddress identifies a listener.
func (n *Node) RemoveListeningAddress(ctx context.Context, addr ma.Multiaddr) error {
	_, err := call(ctx, n, func(r responder[struct{}]) command {
		return removeListener{addr: addr, resp: r}
	})
	return err
}

func (n *Node) PubsubSubscribe(ctx context.Context, topic string) (*Subscription, error) {
	build := func(r responder[*Subscription]) command {
		return subscribe{topic: topic, resp: r}
	}
	// A subscription answered after the caller gave up is closed here so the
	// topic does not stay joined with nobody reading.
	return callWithOrphan(ctx, n, build, func(sub *Subscription) {
		if sub != nil {
			_ = sub.Close()
		}
	})
}

func (n *Node) PubsubUnsubscribe(ctx context.Context, topic string) error {
	_, err := call(ctx, n, func(r responder[struct{}]) command {
		return unsubscribe{topic: topic, resp: r}
	})
	return err
}

// PubsubPublish sends data to topic. The node does not need to be subscribed.
func (n *Node) PubsubPublish(ctx context.Context, topic string, data []byte) error {
	_, err := call(ctx, n, func(r responder[struct{}]) command {
		return publish{topic: topic, data: data, resp: r}
	})
	return err
}

// PubsubPeers lists remote peers sharing topic, or sharing any locally
// subscribed topic when topic is empty. The result is sorted.
func (n *Node) PubsubPeers(ctx context.Context, topic string) ([]peer.ID, error) {
	return call(ctx, n, func(r responder[[]peer.ID]) command {
		return listTopicPeers{topic: topic, resp: r}
	})
}

// PubsubSubscribed lists locally subscribed topics, sorted.
func (n *Node) PubsubSubscribed(ctx context.Context) ([]string, error) {
	return call(ctx, n, func(r responder[[]string]) command {
		return listSubscriptions{resp: r}
	})
}

// Identity returns the node public key and its reachable addresses, each
// carrying a /p2p component.
func (n *Node) Identity(ctx context.Context) (crypto.PubKey, []ma.Multiaddr, error) {
	info, err := call(ctx, n, func(r responder[identityInfo]) command {
		return identity{resp: r}
	})
	if err != nil {
		return nil, nil, err
	}
	return info.key, info.addrs, nil
}

// Connect dials the peer at addr, which must end in /p2p/<peer id>.
func (n *Node) Connect(ctx context.Context, addr ma.Multiaddr) error {
	_, err := call(ctx, n, func(r responder[struct{}]) command {
		return connect{addr: addr, resp: r}
	})
	return err
}

// Peers lists currently connected peers.
func (n *Node) Peers(ctx context.Context) ([]peer.ID, error) {
	return call(ctx, n, func(r responder[[]peer.ID]) command {
		return listPeers{resp: r}
	})
}

// Close stops the actor, ends every subscription and closes the stack.
// Pending and later calls fail with ErrActorUnavailable.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.quit)
	})
	<-n.done
	return nil
}

// Done is closed once the actor has stopped.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) submit(ctx context.Context, cmd command) error {
	select {
	case <-n.done:
		return ErrActorUnavailable
	case <-n.quit:
		return ErrActorUnavailable
	default:
	}
	select {
	case n.cmds <- cmd:
		return nil
	case <-n.quit:
		return ErrActorUnavailable
	case <-n.done:
		return ErrActorUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func call[T any](ctx context.Context, n *Node, build func(responder[T]) command) (T, error) {
	return callWithOrphan(ctx, n, build, nil)
}

// callWithOrphan is call with a hook for a successful answer that arrives
// after ctx is done.
func callWithOrphan[T any](ctx context.Context, n *Node, build func(responder[T]) command, orphan func(T)) (T, error) {
	var zero T
	resp := newResponder[T](ctx)
	if err := n.submit(ctx, build(resp)); err != nil {
		return zero, err
	}
	select {
	case res := <-resp.ch:
		return res.val, res.err
	case <-ctx.Done():
		if orphan != nil {
			go func() {
				select {
				case res := <-resp.ch:
					if res.err == nil {
						orphan(res.val)
					}
				case <-n.done:
				}
			}()
		}
		return zero, ctx.Err()
	case <-n.done:
		select {
		case res := <-resp.ch:
			return res.val, res.err
		default:
		}
		return zero, ErrActorUnavailable
	}
}
