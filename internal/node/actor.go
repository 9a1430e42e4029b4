package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"p2pnode/internal/core/network"
)

// actor owns the protocol stack and both registries. Everything below runs on
// the actor goroutine except the dial helpers started for connect.
type actor struct {
	node    *Node
	stack   network.Stack
	log     *zap.Logger
	metrics *metrics

	cmds <-chan command
	quit <-chan struct{}

	// ctx is cancelled on shutdown to abort in-flight dials.
	ctx    context.Context
	cancel context.CancelFunc
	dials  sync.WaitGroup

	listeners listenerRegistry
	subs      subscriptionRegistry
	nextSubID uint64
}

func (a *actor) run() {
	defer a.shutdown()

	events := a.stack.Events()
	for {
		select {
		case <-a.quit:
			return
		case cmd := <-a.cmds:
			a.metrics.commands.WithLabelValues(cmd.kind()).Inc()
			a.handleCommand(cmd)
		case ev, ok := <-events:
			if !ok {
				a.log.Warn("protocol stack event stream ended")
				events = nil
				continue
			}
			a.metrics.events.WithLabelValues(eventKind(ev)).Inc()
			a.handleEvent(ev)
		}
		a.metrics.observe(&a.listeners, &a.subs)
	}
}

func (a *actor) handleCommand(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("command handler panicked", zap.String("kind", cmd.kind()), zap.Any("panic", r))
			cmd.fail(fmt.Errorf("%s: internal error: %v", cmd.kind(), r))
		}
	}()

	switch c := cmd.(type) {
	case addListener:
		a.addListener(c)
	case removeListener:
		a.removeListener(c)
	case subscribe:
		a.subscribe(c)
	case unsubscribe:
		sub, ok := a.subs.remove(c.topic, 0)
		if !ok {
			c.resp.fail(fmt.Errorf("topic %q: %w", c.topic, ErrNotFound))
			return
		}
		a.endSubscription(sub)
		c.resp.send(struct{}{})
	case subscriptionClosed:
		if sub, ok := a.subs.remove(c.topic, c.id); ok {
			a.endSubscription(sub)
		}
	case publish:
		if err := a.stack.Send(c.topic, c.data); err != nil {
			c.resp.fail(fmt.Errorf("%w: topic %q: %w", ErrSendFailed, c.topic, err))
			return
		}
		c.resp.send(struct{}{})
	case listSubscriptions:
		c.resp.send(a.subs.names())
	case listTopicPeers:
		c.resp.send(a.subs.peers(c.topic))
	case identity:
		key, addrs := a.stack.Identity()
		c.resp.send(identityInfo{key: key, addrs: addrs})
	case connect:
		a.connect(c)
	case listPeers:
		c.resp.send(a.stack.ConnectedPeers())
	default:
		a.log.Warn("unknown command", zap.String("kind", cmd.kind()))
		cmd.fail(fmt.Errorf("unknown command %s", cmd.kind()))
	}
}

func (a *actor) addListener(c addListener) {
	if emptyAddr(c.addr) {
		c.resp.fail(fmt.Errorf("%w: empty address", ErrBindFailed))
		return
	}
	id, err := a.stack.BeginListen(c.addr)
	if err != nil {
		a.log.Debug("listen refused", zap.Stringer("addr", c.addr), zap.Error(err))
		c.resp.fail(fmt.Errorf("%w: %s: %w", ErrBindFailed, c.addr, err))
		return
	}
	a.listeners.addPending(id, c.addr, c.resp)
}

func (a *actor) removeListener(c removeListener) {
	if emptyAddr(c.addr) {
		c.resp.fail(fmt.Errorf("listener: %w", ErrNotFound))
		return
	}
	id, ok := a.listeners.lookup(c.addr)
	if !ok {
		c.resp.fail(fmt.Errorf("listener %s: %w", c.addr, ErrNotFound))
		return
	}
	if err := a.stack.StopListen(id); err != nil {
		if errors.Is(err, network.ErrUnknownListener) {
			a.listeners.remove(id)
			c.resp.fail(fmt.Errorf("listener %s: %w", c.addr, ErrNotFound))
			return
		}
		// Still running, so keep it removable.
		a.log.Warn("stop listener", zap.Stringer("addr", c.addr), zap.Error(err))
		c.resp.fail(fmt.Errorf("stop listener %s: %w", c.addr, err))
		return
	}
	a.listeners.remove(id)
	c.resp.send(struct{}{})
}

func (a *actor) subscribe(c subscribe) {
	if c.topic == "" {
		c.resp.fail(ErrEmptyTopic)
		return
	}
	if a.subs.has(c.topic) {
		c.resp.fail(fmt.Errorf("topic %q: %w", c.topic, ErrAlreadySubscribed))
		return
	}
	if err := a.stack.JoinTopic(c.topic); err != nil {
		c.resp.fail(fmt.Errorf("join topic %q: %w", c.topic, err))
		return
	}
	a.nextSubID++
	sub := newSubscription(a.node, c.topic, a.nextSubID)
	if c.resp.abandoned() {
		a.log.Debug("subscribe abandoned by caller", zap.String("topic", c.topic))
		a.leaveTopic(c.topic)
		sub.end()
		return
	}
	a.subs.add(sub)
	c.resp.send(sub)
}

func (a *actor) endSubscription(sub *Subscription) {
	sub.end()
	a.leaveTopic(sub.topic)
	a.log.Debug("subscription ended", zap.String("topic", sub.topic))
}

func (a *actor) leaveTopic(topic string) {
	if err := a.stack.LeaveTopic(topic); err != nil {
		a.log.Warn("leave topic", zap.String("topic", topic), zap.Error(err))
	}
}

func (a *actor) connect(c connect) {
	if emptyAddr(c.addr) {
		c.resp.fail(fmt.Errorf("%w: empty address", ErrSendFailed))
		return
	}
	ctx, cancel := context.WithCancel(c.resp.ctx)
	stop := context.AfterFunc(a.ctx, cancel)
	a.dials.Add(1)
	go func() {
		defer a.dials.Done()
		defer cancel()
		defer stop()
		if err := a.stack.Connect(ctx, c.addr); err != nil {
			a.log.Debug("connect failed", zap.Stringer("addr", c.addr), zap.Error(err))
			if a.ctx.Err() != nil {
				c.resp.fail(ErrActorUnavailable)
				return
			}
			c.resp.fail(fmt.Errorf("%w: dial %s: %w", ErrSendFailed, c.addr, err))
			return
		}
		c.resp.send(struct{}{})
	}()
}

func (a *actor) handleEvent(ev network.Event) {
	switch e := ev.(type) {
	case network.ListenerBound:
		p, ok := a.listeners.takePending(e.Listener)
		if !ok {
			a.log.Debug("bound event for unknown listener", zap.Uint64("listener", uint64(e.Listener)))
			return
		}
		if p.resp.abandoned() {
			a.log.Debug("listen abandoned by caller, closing",
				zap.Stringer("requested", p.requested), zap.Stringer("addr", e.Addr))
			if err := a.stack.StopListen(e.Listener); err != nil {
				a.log.Warn("stop abandoned listener", zap.Stringer("addr", e.Addr), zap.Error(err))
			}
			return
		}
		a.listeners.bind(e.Listener, e.Addr)
		a.log.Info("listening", zap.Stringer("requested", p.requested), zap.Stringer("addr", e.Addr))
		p.resp.send(e.Addr)
	case network.ListenerFailed:
		p, ok := a.listeners.takePending(e.Listener)
		if !ok {
			a.log.Debug("failure event for unknown listener", zap.Uint64("listener", uint64(e.Listener)), zap.Error(e.Err))
			return
		}
		p.resp.fail(fmt.Errorf("%w: %s: %w", ErrBindFailed, p.requested, e.Err))
	case network.ListenerClosed:
		if a.listeners.remove(e.Listener) {
			a.log.Info("listener closed by stack", zap.Uint64("listener", uint64(e.Listener)))
		}
	case network.PeerJoinedTopic:
		if !a.subs.addPeer(e.Topic, e.Peer) {
			a.log.Debug("peer joined unsubscribed topic", zap.String("topic", e.Topic), zap.Stringer("peer", e.Peer))
		}
	case network.PeerLeftTopic:
		a.subs.removePeer(e.Topic, e.Peer)
	case network.InboundMessage:
		if e.Message == nil {
			return
		}
		n := a.subs.deliver(e.Message)
		if n == 0 {
			a.log.Debug("message without local subscriber", zap.Strings("topics", e.Message.Topics))
		}
		a.metrics.deliveries.Add(float64(n))
	case network.PeerConnected:
		a.log.Debug("peer connected", zap.Stringer("peer", e.Peer))
	case network.PeerDisconnected:
		a.log.Debug("peer disconnected", zap.Stringer("peer", e.Peer))
	default:
		a.log.Debug("ignoring stack event", zap.String("kind", eventKind(ev)))
	}
}

func (a *actor) shutdown() {
	a.cancel()
	for _, p := range a.listeners.drainPending() {
		p.resp.fail(ErrActorUnavailable)
	}
	for _, sub := range a.subs.drain() {
		sub.end()
	}
	if err := a.stack.Close(); err != nil {
		a.log.Warn("close protocol stack", zap.Error(err))
	}
	for {
		select {
		case cmd := <-a.cmds:
			cmd.fail(ErrActorUnavailable)
		default:
			a.dials.Wait()
			a.metrics.observe(&a.listeners, &a.subs)
			return
		}
	}
}

func emptyAddr(addr ma.Multiaddr) bool {
	return addr == nil || len(addr.Bytes()) == 0
}
