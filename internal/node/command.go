package node

import (
	"context"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

type result[T any] struct {
	val T
	err error
}

// responder is the write end of a single-use response channel. The channel
// has room for exactly one value, so sending never blocks, and a value sent
// after the caller stopped waiting is simply never read.
type responder[T any] struct {
	ctx context.Context
	ch  chan result[T]
}

func newResponder[T any](ctx context.Context) responder[T] {
	return responder[T]{ctx: ctx, ch: make(chan result[T], 1)}
}

func (r responder[T]) send(val T) {
	r.put(result[T]{val: val})
}

func (r responder[T]) fail(err error) {
	r.put(result[T]{err: err})
}

func (r responder[T]) put(res result[T]) {
	select {
	case r.ch <- res:
	default:
	}
}

// abandoned reports whether the caller has stopped waiting.
func (r responder[T]) abandoned() bool {
	return r.ctx.Err() != nil
}

// command is a request handled by the actor. fail answers it without
// processing, which is how queued commands are rejected on shutdown.
type command interface {
	kind() string
	fail(err error)
}

type identityInfo struct {
	key   crypto.PubKey
	addrs []ma.Multiaddr
}

type addListener struct {
	addr ma.Multiaddr
	resp responder[ma.Multiaddr]
}

type removeListener struct {
	addr ma.Multiaddr
	resp responder[struct{}]
}

type subscribe struct {
	topic string
	resp  responder[*Subscription]
}

type unsubscribe struct {
	topic string
	resp  responder[struct{}]
}

// subscriptionClosed is sent by Subscription.Close; nobody waits for it.
type subscriptionClosed struct {
	topic string
	id    uint64
}

type publish struct {
	topic string
	data  []byte
	resp  responder[struct{}]
}

type listSubscriptions struct {
	resp responder[[]string]
}

type listTopicPeers struct {
	topic string
	resp  responder[[]peer.ID]
}

type identity struct {
	resp responder[identityInfo]
}

type connect struct {
	addr ma.Multiaddr
	resp responder[struct{}]
}

type listPeers struct {
	resp responder[[]peer.ID]
}

func (addListener) kind() string        { return "add_listener" }
func (removeListener) kind() string     { return "remove_listener" }
func (subscribe) kind() string          { return "subscribe" }
func (unsubscribe) kind() string        { return "unsubscribe" }
func (subscriptionClosed) kind() string { return "subscription_closed" }
func (publish) kind() string            { return "publish" }
func (listSubscriptions) kind() string  { return "list_subscriptions" }
func (listTopicPeers) kind() string     { return "list_topic_peers" }
func (identity) kind() string           { return "identity" }
func (connect) kind() string            { return "connect" }
func (listPeers) kind() string          { return "list_peers" }

func (c addListener) fail(err error)       { c.resp.fail(err) }
func (c removeListener) fail(err error)    { c.resp.fail(err) }
func (c subscribe) fail(err error)         { c.resp.fail(err) }
func (c unsubscribe) fail(err error)       { c.resp.fail(err) }
func (subscriptionClosed) fail(error)      {}
func (c publish) fail(err error)           { c.resp.fail(err) }
func (c listSubscriptions) fail(err error) { c.resp.fail(err) }
func (c listTopicPeers) fail(err error)    { c.resp.fail(err) }
func (c identity) fail(err error)          { c.resp.fail(err) }
func (c connect) fail(err error)           { c.resp.fail(err) }
func (c listPeers) fail(err error)         { c.resp.fail(err) }
