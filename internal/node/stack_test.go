package node

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"p2pnode/internal/core/network"
)

// scriptedStack lets a test decide when listen results arrive.
type scriptedStack struct {
	mu      sync.Mutex
	events  chan network.Event
	nextID  network.ListenerID
	begun   map[network.ListenerID]ma.Multiaddr
	stopped []network.ListenerID
	joined  map[string]bool
	left    []string
	sendErr error
	stopErr error
	closed  bool
}

func newScriptedStack() *scriptedStack {
	return &scriptedStack{
		events: make(chan network.Event, 64),
		begun:  make(map[network.ListenerID]ma.Multiaddr),
		joined: make(map[string]bool),
	}
}

func (s *scriptedStack) BeginListen(addr ma.Multiaddr) (network.ListenerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.begun[s.nextID] = addr
	return s.nextID, nil
}

func (s *scriptedStack) StopListen(id network.ListenerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *scriptedStack) failStops(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopErr = err
}

func (s *scriptedStack) JoinTopic(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined[topic] {
		return network.ErrTopicJoined
	}
	s.joined[topic] = true
	return nil
}

func (s *scriptedStack) LeaveTopic(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.joined[topic] {
		return network.ErrNotJoined
	}
	delete(s.joined, topic)
	s.left = append(s.left, topic)
	return nil
}

func (s *scriptedStack) Send(string, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

func (s *scriptedStack) Events() <-chan network.Event { return s.events }

func (s *scriptedStack) Identity() (crypto.PubKey, []ma.Multiaddr) { return nil, nil }

func (s *scriptedStack) Connect(ctx context.Context, _ ma.Multiaddr) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *scriptedStack) ConnectedPeers() []peer.ID { return nil }

func (s *scriptedStack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedStack) begunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.begun)
}

func (s *scriptedStack) stoppedIDs() []network.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]network.ListenerID(nil), s.stopped...)
}

func (s *scriptedStack) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *scriptedStack) leftTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.left...)
}
