package node

import (
	"context"
	"errors"
	"sync"

	"p2pnode/internal/core/mailbox"
	"p2pnode/internal/core/network"
)

// Subscription is the local end of a pubsub topic subscription. Messages are
// delivered in arrival order on Messages until the subscription ends, at which
// point the channel is closed.
type Subscription struct {
	node  *Node
	topic string
	id    uint64
	box   *mailbox.Mailbox[*network.Message]
	once  sync.Once
}

func newSubscription(n *Node, topic string, id uint64) *Subscription {
	return &Subscription{
		node:  n,
		topic: topic,
		id:    id,
		box:   mailbox.New[*network.Message](),
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Messages returns the ordered message stream. Messages are shared with any
// other local reader and must not be modified.
func (s *Subscription) Messages() <-chan *network.Message {
	return s.box.Out()
}

// Close ends the subscription and unsubscribes the node from the topic. It
// is safe to call more than once and after the node has shut down.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		select {
		case <-s.box.Done():
			return
		default:
		}
		s.box.Close()
		err = s.node.submit(context.Background(), subscriptionClosed{topic: s.topic, id: s.id})
		if errors.Is(err, ErrActorUnavailable) {
			err = nil
		}
	})
	return err
}

func (s *Subscription) deliver(msg *network.Message) bool {
	return s.box.Push(msg)
}

// end closes the stream from the actor side.
func (s *Subscription) end() {
	s.box.Close()
}
