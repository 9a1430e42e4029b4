package node

import (
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"

	"p2pnode/internal/core/network"
)

type topicEntry struct {
	sub   *Subscription
	peers map[peer.ID]struct{}
}

// subscriptionRegistry maps each locally subscribed topic to its single
// subscriber and the remote peers known to share the topic.
type subscriptionRegistry struct {
	topics map[string]*topicEntry
}

func newSubscriptionRegistry() subscriptionRegistry {
	return subscriptionRegistry{topics: make(map[string]*topicEntry)}
}

func (r *subscriptionRegistry) has(topic string) bool {
	_, ok := r.topics[topic]
	return ok
}

func (r *subscriptionRegistry) add(sub *Subscription) {
	r.topics[sub.topic] = &topicEntry{sub: sub, peers: make(map[peer.ID]struct{})}
}

// remove drops the entry for topic. A non-zero id must match the current
// subscriber, so a stale handle cannot remove a newer subscription.
func (r *subscriptionRegistry) remove(topic string, id uint64) (*Subscription, bool) {
	e, ok := r.topics[topic]
	if !ok || (id != 0 && e.sub.id != id) {
		return nil, false
	}
	delete(r.topics, topic)
	return e.sub, true
}

func (r *subscriptionRegistry) addPeer(topic string, p peer.ID) bool {
	e, ok := r.topics[topic]
	if !ok {
		return false
	}
	e.peers[p] = struct{}{}
	return true
}

func (r *subscriptionRegistry) removePeer(topic string, p peer.ID) bool {
	e, ok := r.topics[topic]
	if !ok {
		return false
	}
	if _, ok := e.peers[p]; !ok {
		return false
	}
	delete(e.peers, p)
	return true
}

func (r *subscriptionRegistry) names() []string {
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// peers lists the peers of one topic, or of every topic when topic is empty.
func (r *subscriptionRegistry) peers(topic string) []peer.ID {
	set := make(map[peer.ID]struct{})
	for name, e := range r.topics {
		if topic != "" && name != topic {
			continue
		}
		for p := range e.peers {
			set[p] = struct{}{}
		}
	}
	out := make([]peer.ID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// deliver hands msg to the subscriber of every local topic it carries and
// returns the number of deliveries.
func (r *subscriptionRegistry) deliver(msg *network.Message) int {
	n := 0
	seen := make(map[string]struct{}, len(msg.Topics))
	for _, topic := range msg.Topics {
		if _, dup := seen[topic]; dup {
			continue
		}
		seen[topic] = struct{}{}
		e, ok := r.topics[topic]
		if !ok {
			continue
		}
		if e.sub.deliver(msg) {
			n++
		}
	}
	return n
}

func (r *subscriptionRegistry) len() int {
	return len(r.topics)
}

// drain removes every entry and returns the subscribers.
func (r *subscriptionRegistry) drain() []*Subscription {
	out := make([]*Subscription, 0, len(r.topics))
	for topic, e := range r.topics {
		out = append(out, e.sub)
		delete(r.topics, topic)
	}
	return out
}
