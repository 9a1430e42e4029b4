package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	corenet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	tlsp2p "github.com/libp2p/go-libp2p/p2p/security/tls"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/zap"

	"p2pnode/internal/core/mailbox"
)

// Libp2pOptions configures the libp2p stack.
type Libp2pOptions struct {
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string

	// Connection manager watermarks; zero values select 32/128.
	ConnLow, ConnHigh int
	ConnGracePeriod   time.Duration

	Logger *zap.Logger
}

// Libp2pStack drives a libp2p host with GossipSub. It starts with no
// listeners; listeners are opened through BeginListen.
type Libp2pStack struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	host   host.Host
	ps     *pubsub.PubSub
	events *mailbox.Mailbox[Event]

	// listenMu serializes bind and resolution so that concurrent ephemeral
	// binds each observe only their own new listen address.
	listenMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	nextID    ListenerID
	listeners map[ListenerID]ma.Multiaddr
	topics    map[string]*pubsub.Topic
	joined    map[string]*topicSub
}

type topicSub struct {
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
}

func NewLibp2pStack(parent context.Context, opts Libp2pOptions) (*Libp2pStack, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	low, high := opts.ConnLow, opts.ConnHigh
	if low <= 0 || high <= low {
		low, high = 32, 128
	}
	grace := opts.ConnGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	cm, err := connmgr.NewConnManager(low, high, connmgr.WithGracePeriod(grace))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connmgr: %w", err)
	}

	libp2pOpts := []libp2p.Option{
		libp2p.NoListenAddrs,
		libp2p.ConnectionManager(cm),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Security(tlsp2p.ID, tlsp2p.New),
	}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		// A peer reported as joined may not be grafted into the mesh until
		// the next heartbeat; flood publishing still reaches it.
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	s := &Libp2pStack{
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		host:      h,
		ps:        ps,
		events:    mailbox.New[Event](),
		listeners: make(map[ListenerID]ma.Multiaddr),
		topics:    make(map[string]*pubsub.Topic),
		joined:    make(map[string]*topicSub),
	}

	h.Network().Notify(&corenet.NotifyBundle{
		ConnectedF: func(_ corenet.Network, c corenet.Conn) {
			s.events.Push(PeerConnected{Peer: c.RemotePeer(), Addr: c.RemoteMultiaddr()})
		},
		DisconnectedF: func(n corenet.Network, c corenet.Conn) {
			if n.Connectedness(c.RemotePeer()) != corenet.Connected {
				s.events.Push(PeerDisconnected{Peer: c.RemotePeer()})
			}
		},
		ListenCloseF: func(_ corenet.Network, addr ma.Multiaddr) {
			s.onListenClose(addr)
		},
	})

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: log})
		if err := service.Start(); err != nil {
			log.Warn("mdns start failed", zap.Error(err))
		}
	}

	log.Info("libp2p stack started", zap.String("peer_id", h.ID().String()))
	return s, nil
}

func (s *Libp2pStack) BeginListen(addr ma.Multiaddr) (ListenerID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStackClosed
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	go s.listen(id, addr)
	return id, nil
}

func (s *Libp2pStack) listen(id ListenerID, addr ma.Multiaddr) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	before := s.host.Network().ListenAddresses()
	// TCP listeners use SO_REUSEPORT, so a second Listen on a bound concrete
	// address would succeed and leave an untracked socket behind.
	if !IsEphemeral(addr) && containsAddr(before, addr) {
		s.events.Push(ListenerFailed{Listener: id, Err: fmt.Errorf("%w: %s", ErrAddressInUse, addr)})
		return
	}
	if err := s.host.Network().Listen(addr); err != nil {
		s.events.Push(ListenerFailed{Listener: id, Err: err})
		return
	}
	bound := newAddr(s.host.Network().ListenAddresses(), before)
	if bound == nil {
		s.events.Push(ListenerFailed{Listener: id, Err: ErrNoResolvedAddr})
		return
	}

	var ifaces []ma.Multiaddr
	if IsUnspecified(bound) {
		var err error
		if ifaces, err = manet.InterfaceMultiaddrs(); err != nil {
			_ = s.closeListenAddr(bound)
			s.events.Push(ListenerFailed{Listener: id, Err: fmt.Errorf("list interfaces: %w", err)})
			return
		}
	}
	resolved, err := resolveUnspecified(bound, ifaces)
	if err != nil {
		_ = s.closeListenAddr(bound)
		s.events.Push(ListenerFailed{Listener: id, Err: err})
		return
	}

	s.mu.Lock()
	s.listeners[id] = bound
	s.mu.Unlock()

	s.log.Debug("listener bound",
		zap.Uint64("listener", uint64(id)),
		zap.Stringer("requested", addr),
		zap.Stringer("bound", bound),
		zap.Stringer("resolved", resolved))
	s.events.Push(ListenerBound{Listener: id, Addr: resolved})
}

func (s *Libp2pStack) StopListen(id ListenerID) error {
	s.mu.Lock()
	bound, ok := s.listeners[id]
	delete(s.listeners, id)
	s.mu.Unlock()
	if !ok {
		return ErrUnknownListener
	}
	return s.closeListenAddr(bound)
}

func (s *Libp2pStack) closeListenAddr(addr ma.Multiaddr) error {
	closer, ok := s.host.Network().(interface{ ListenClose(...ma.Multiaddr) })
	if !ok {
		return fmt.Errorf("network %T cannot close listeners", s.host.Network())
	}
	closer.ListenClose(addr)
	return nil
}

func (s *Libp2pStack) onListenClose(addr ma.Multiaddr) {
	s.mu.Lock()
	var id ListenerID
	for lid, bound := range s.listeners {
		if bound.Equal(addr) {
			id = lid
			delete(s.listeners, lid)
			break
		}
	}
	s.mu.Unlock()
	if id != 0 {
		s.events.Push(ListenerClosed{Listener: id})
	}
}

func (s *Libp2pStack) JoinTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[name]; ok {
		return ErrTopicJoined
	}
	t, err := s.getOrJoinTopicLocked(name)
	if err != nil {
		return err
	}
	handler, err := t.EventHandler()
	if err != nil {
		return fmt.Errorf("topic %s event handler: %w", name, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		handler.Cancel()
		return fmt.Errorf("subscribe topic %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.joined[name] = &topicSub{sub: sub, handler: handler, cancel: cancel}
	go s.consumeMessages(ctx, sub)
	go s.consumePeerEvents(ctx, name, handler)
	return nil
}

func (s *Libp2pStack) LeaveTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.joined[name]
	if !ok {
		return ErrNotJoined
	}
	delete(s.joined, name)
	ts.cancel()
	ts.handler.Cancel()
	ts.sub.Cancel()

	if t, ok := s.topics[name]; ok {
		if err := t.Close(); err != nil {
			// The handle stays joined and is reused by the next Send or JoinTopic.
			s.log.Debug("topic handle kept open", zap.String("topic", name), zap.Error(err))
		} else {
			delete(s.topics, name)
		}
	}
	return nil
}

func (s *Libp2pStack) Send(topic string, payload []byte) error {
	s.mu.Lock()
	t, err := s.getOrJoinTopicLocked(topic)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Publish(s.ctx, payload)
}

func (s *Libp2pStack) Events() <-chan Event {
	return s.events.Out()
}

func (s *Libp2pStack) Identity() (crypto.PubKey, []ma.Multiaddr) {
	addrs, err := s.host.Network().InterfaceListenAddresses()
	if err != nil {
		addrs = s.host.Addrs()
	}
	return s.host.Peerstore().PubKey(s.host.ID()), WithPeerID(addrs, s.host.ID())
}

func (s *Libp2pStack) Connect(ctx context.Context, addr ma.Multiaddr) error {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingPeerID, addr)
	}
	return s.host.Connect(ctx, *info)
}

func (s *Libp2pStack) ConnectedPeers() []peer.ID {
	return s.host.Network().Peers()
}

// ID returns the local peer id.
func (s *Libp2pStack) ID() peer.ID {
	return s.host.ID()
}

func (s *Libp2pStack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for name, ts := range s.joined {
		ts.cancel()
		ts.handler.Cancel()
		ts.sub.Cancel()
		delete(s.joined, name)
	}
	for _, t := range s.topics {
		_ = t.Close()
	}
	s.mu.Unlock()

	s.cancel()
	err := s.host.Close()
	s.events.Close()
	return err
}

func (s *Libp2pStack) consumeMessages(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				s.log.Warn("topic consumer stopped", zap.String("topic", sub.Topic()), zap.Error(err))
			}
			return
		}
		s.events.Push(InboundMessage{Message: fromPubsub(msg)})
	}
}

func (s *Libp2pStack) consumePeerEvents(ctx context.Context, topic string, h *pubsub.TopicEventHandler) {
	for {
		evt, err := h.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch evt.Type {
		case pubsub.PeerJoin:
			s.events.Push(PeerJoinedTopic{Peer: evt.Peer, Topic: topic})
		case pubsub.PeerLeave:
			s.events.Push(PeerLeftTopic{Peer: evt.Peer, Topic: topic})
		}
	}
}

func (s *Libp2pStack) getOrJoinTopicLocked(name string) (*pubsub.Topic, error) {
	if s.closed {
		return nil, ErrStackClosed
	}
	if t, ok := s.topics[name]; ok {
		return t, nil
	}
	t, err := s.ps.Join(name)
	if err != nil {
		return nil, err
	}
	s.topics[name] = t
	return t, nil
}

func fromPubsub(msg *pubsub.Message) *Message {
	src := msg.GetFrom()
	if src == "" {
		src = msg.ReceivedFrom
	}
	return &Message{
		Source: src,
		Topics: []string{msg.GetTopic()},
		Data:   append([]byte(nil), msg.GetData()...),
		Seqno:  append([]byte(nil), msg.GetSeqno()...),
	}
}

// newAddr returns the first address in after that is not in before.
func newAddr(after, before []ma.Multiaddr) ma.Multiaddr {
	for _, a := range after {
		if !containsAddr(before, a) {
			return a
		}
	}
	return nil
}

func containsAddr(addrs []ma.Multiaddr, addr ma.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Warn("mdns connect failed", zap.String("peer_id", info.ID.String()), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
