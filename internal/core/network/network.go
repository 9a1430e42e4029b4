package network

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

var (
	ErrStackClosed     = errors.New("protocol stack closed")
	ErrUnknownListener = errors.New("unknown listener")
	ErrNoResolvedAddr  = errors.New("listener bound without a resolvable address")
	ErrAddressInUse    = errors.New("address already in use")
	ErrMissingPeerID   = errors.New("address has no /p2p component")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrNotJoined       = errors.New("topic not joined")
	ErrTopicJoined     = errors.New("topic already joined")
	ErrUnsupportedAddr = errors.New("unsupported listen address")
)

// ListenerID correlates a BeginListen call with its later events.
type ListenerID uint64

// Message is a pubsub message as delivered by the stack. It is shared
// read-only between every local delivery and must not be modified.
type Message struct {
	Source peer.ID
	Topics []string
	Data   []byte
	Seqno  []byte
}

// Event is emitted by a Stack on its Events channel.
type Event interface {
	isEvent()
}

// ListenerBound reports the concrete address a listener ended up on.
type ListenerBound struct {
	Listener ListenerID
	Addr     ma.Multiaddr
}

// ListenerFailed reports that a listen attempt was refused.
type ListenerFailed struct {
	Listener ListenerID
	Err      error
}

// ListenerClosed reports a bound listener going away without StopListen.
type ListenerClosed struct {
	Listener ListenerID
}

type PeerJoinedTopic struct {
	Peer  peer.ID
	Topic string
}

type PeerLeftTopic struct {
	Peer  peer.ID
	Topic string
}

type InboundMessage struct {
	Message *Message
}

type PeerConnected struct {
	Peer peer.ID
	Addr ma.Multiaddr
}

type PeerDisconnected struct {
	Peer peer.ID
}

func (ListenerBound) isEvent()    {}
func (ListenerFailed) isEvent()   {}
func (ListenerClosed) isEvent()   {}
func (PeerJoinedTopic) isEvent()  {}
func (PeerLeftTopic) isEvent()    {}
func (InboundMessage) isEvent()   {}
func (PeerConnected) isEvent()    {}
func (PeerDisconnected) isEvent() {}

// Stack is the protocol stack driven by a node. Mutating methods are called
// from a single goroutine and must not block on network activity; their
// outcome is reported through Events. Identity, Connect and ConnectedPeers
// are safe for concurrent use.
type Stack interface {
	BeginListen(addr ma.Multiaddr) (ListenerID, error)
	StopListen(id ListenerID) error
	JoinTopic(topic string) error
	LeaveTopic(topic string) error
	Send(topic string, payload []byte) error
	Events() <-chan Event

	Identity() (crypto.PubKey, []ma.Multiaddr)
	Connect(ctx context.Context, addr ma.Multiaddr) error
	ConnectedPeers() []peer.ID

	Close() error
}
