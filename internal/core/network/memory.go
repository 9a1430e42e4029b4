package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"p2pnode/internal/core/mailbox"
)

const firstMemoryPort = 40000

// MemoryNetwork is a process-local network used for development and tests.
// Stacks created from the same MemoryNetwork can listen, dial each other and
// exchange pubsub messages without touching the OS network.
type MemoryNetwork struct {
	mu       sync.Mutex
	nextPort int
	stacks   map[peer.ID]*MemoryStack
	bound    []*memListener
}

type memListener struct {
	stack     *MemoryStack
	id        ListenerID
	ipProto   string
	host      string
	transport string
	port      int
	resolved  ma.Multiaddr
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nextPort: firstMemoryPort,
		stacks:   make(map[peer.ID]*MemoryStack),
	}
}

// MemoryStack is one node's view of a MemoryNetwork. All state is guarded by
// the network mutex; events are queued so callers never block.
type MemoryStack struct {
	net    *MemoryNetwork
	key    crypto.PrivKey
	id     peer.ID
	events *mailbox.Mailbox[Event]

	nextID ListenerID
	seqno  uint64
	topics map[string]struct{}
	links  map[peer.ID]struct{}
	closed bool
}

func (n *MemoryNetwork) NewStack() (*MemoryStack, error) {
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("derive peer id: %w", err)
	}
	s := &MemoryStack{
		net:    n,
		key:    key,
		id:     id,
		events: mailbox.New[Event](),
		topics: make(map[string]struct{}),
		links:  make(map[peer.ID]struct{}),
	}
	n.mu.Lock()
	n.stacks[id] = s
	n.mu.Unlock()
	return s, nil
}

// ID returns the local peer id.
func (s *MemoryStack) ID() peer.ID {
	return s.id
}

func (s *MemoryStack) BeginListen(addr ma.Multiaddr) (ListenerID, error) {
	ipProto, host, transport, port, err := splitMemoryAddr(addr)
	if err != nil {
		return 0, err
	}

	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return 0, ErrStackClosed
	}
	s.nextID++
	id := s.nextID

	if port == 0 {
		port = n.allocPortLocked(transport)
	} else if n.conflictLocked(ipProto, host, transport, port) {
		s.events.Push(ListenerFailed{Listener: id, Err: fmt.Errorf("%w: %s", ErrAddressInUse, addr)})
		return id, nil
	}

	resolvedHost := host
	if IsUnspecified(addr) {
		resolvedHost = "127.0.0.1"
		if ipProto == "ip6" {
			resolvedHost = "::1"
		}
	}
	resolved, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/%s/%d", ipProto, resolvedHost, transport, port))
	if err != nil {
		s.events.Push(ListenerFailed{Listener: id, Err: err})
		return id, nil
	}
	n.bound = append(n.bound, &memListener{
		stack:     s,
		id:        id,
		ipProto:   ipProto,
		host:      host,
		transport: transport,
		port:      port,
		resolved:  resolved,
	})
	s.events.Push(ListenerBound{Listener: id, Addr: resolved})
	return id, nil
}

func (s *MemoryStack) StopListen(id ListenerID) error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, l := range n.bound {
		if l.stack == s && l.id == id {
			n.bound = append(n.bound[:i], n.bound[i+1:]...)
			return nil
		}
	}
	return ErrUnknownListener
}

func (s *MemoryStack) JoinTopic(topic string) error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return ErrStackClosed
	}
	if _, ok := s.topics[topic]; ok {
		return ErrTopicJoined
	}
	s.topics[topic] = struct{}{}
	for pid := range s.links {
		other := n.stacks[pid]
		if other == nil {
			continue
		}
		if _, ok := other.topics[topic]; ok {
			s.events.Push(PeerJoinedTopic{Peer: pid, Topic: topic})
		}
		other.events.Push(PeerJoinedTopic{Peer: s.id, Topic: topic})
	}
	return nil
}

func (s *MemoryStack) LeaveTopic(topic string) error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return ErrNotJoined
	}
	delete(s.topics, topic)
	for pid := range s.links {
		if other := n.stacks[pid]; other != nil {
			other.events.Push(PeerLeftTopic{Peer: s.id, Topic: topic})
		}
	}
	return nil
}

// Send delivers to every connected stack joined to topic, and to the sender
// itself when it is joined.
func (s *MemoryStack) Send(topic string, payload []byte) error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return ErrStackClosed
	}
	s.seqno++
	seqno := make([]byte, 8)
	binary.BigEndian.PutUint64(seqno, s.seqno)
	msg := &Message{
		Source: s.id,
		Topics: []string{topic},
		Data:   append([]byte(nil), payload...),
		Seqno:  seqno,
	}
	if _, ok := s.topics[topic]; ok {
		s.events.Push(InboundMessage{Message: msg})
	}
	for pid := range s.links {
		other := n.stacks[pid]
		if other == nil {
			continue
		}
		if _, ok := other.topics[topic]; ok {
			other.events.Push(InboundMessage{Message: msg})
		}
	}
	return nil
}

func (s *MemoryStack) Events() <-chan Event {
	return s.events.Out()
}

func (s *MemoryStack) Identity() (crypto.PubKey, []ma.Multiaddr) {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	var addrs []ma.Multiaddr
	for _, l := range n.bound {
		if l.stack == s {
			addrs = append(addrs, l.resolved)
		}
	}
	return s.key.GetPublic(), WithPeerID(addrs, s.id)
}

func (s *MemoryStack) Connect(ctx context.Context, addr ma.Multiaddr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	transport, pid := peer.SplitAddr(addr)
	if pid == "" || transport == nil || len(transport.Bytes()) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingPeerID, addr)
	}

	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return ErrStackClosed
	}
	var target *MemoryStack
	for _, l := range n.bound {
		if l.stack.id == pid && l.resolved.Equal(transport) {
			target = l.stack
			break
		}
	}
	if target == nil || target == s {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, addr)
	}
	if _, ok := s.links[pid]; ok {
		return nil
	}
	s.links[pid] = struct{}{}
	target.links[s.id] = struct{}{}
	s.events.Push(PeerConnected{Peer: pid, Addr: transport})
	target.events.Push(PeerConnected{Peer: s.id})

	for topic := range s.topics {
		if _, ok := target.topics[topic]; ok {
			s.events.Push(PeerJoinedTopic{Peer: pid, Topic: topic})
			target.events.Push(PeerJoinedTopic{Peer: s.id, Topic: topic})
		}
	}
	return nil
}

func (s *MemoryStack) ConnectedPeers() []peer.ID {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]peer.ID, 0, len(s.links))
	for pid := range s.links {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MemoryStack) Close() error {
	n := s.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for pid := range s.links {
		other := n.stacks[pid]
		if other == nil {
			continue
		}
		for topic := range s.topics {
			if _, ok := other.topics[topic]; ok {
				other.events.Push(PeerLeftTopic{Peer: s.id, Topic: topic})
			}
		}
		delete(other.links, s.id)
		other.events.Push(PeerDisconnected{Peer: s.id})
	}
	kept := n.bound[:0]
	for _, l := range n.bound {
		if l.stack != s {
			kept = append(kept, l)
		}
	}
	n.bound = kept
	delete(n.stacks, s.id)
	s.events.Close()
	return nil
}

func (n *MemoryNetwork) allocPortLocked(transport string) int {
	for {
		port := n.nextPort
		n.nextPort++
		used := false
		for _, l := range n.bound {
			if l.transport == transport && l.port == port {
				used = true
				break
			}
		}
		if !used {
			return port
		}
	}
}

func (n *MemoryNetwork) conflictLocked(ipProto, host, transport string, port int) bool {
	unspecified := host == "0.0.0.0" || host == "::"
	for _, l := range n.bound {
		if l.ipProto != ipProto || l.transport != transport || l.port != port {
			continue
		}
		if unspecified || l.host == host || l.host == "0.0.0.0" || l.host == "::" {
			return true
		}
	}
	return false
}

// splitMemoryAddr accepts exactly /ip4|ip6/<host>/tcp|udp/<port>.
func splitMemoryAddr(addr ma.Multiaddr) (ipProto, host, transport string, port int, err error) {
	for _, p := range []struct {
		code int
		name string
	}{{ma.P_IP4, "ip4"}, {ma.P_IP6, "ip6"}} {
		if v, verr := addr.ValueForProtocol(p.code); verr == nil {
			ipProto, host = p.name, v
			break
		}
	}
	for _, p := range []struct {
		code int
		name string
	}{{ma.P_TCP, "tcp"}, {ma.P_UDP, "udp"}} {
		if v, verr := addr.ValueForProtocol(p.code); verr == nil {
			transport = p.name
			port, err = strconv.Atoi(v)
			break
		}
	}
	if ipProto == "" || transport == "" || err != nil {
		return "", "", "", 0, fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
	}
	if addr.String() != fmt.Sprintf("/%s/%s/%s/%d", ipProto, host, transport, port) {
		return "", "", "", 0, fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
	}
	return ipProto, host, transport, port, nil
}
