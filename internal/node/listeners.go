package node

import (
	ma "github.com/multiformats/go-multiaddr"

	"p2pnode/internal/core/network"
)

type pendingListener struct {
	requested ma.Multiaddr
	resp      responder[ma.Multiaddr]
}

// listenerRegistry tracks listen attempts awaiting resolution and listeners
// bound to a concrete address. Bound listeners are found by their resolved
// address only.
type listenerRegistry struct {
	pending map[network.ListenerID]*pendingListener
	bound   map[network.ListenerID]ma.Multiaddr
}

func newListenerRegistry() listenerRegistry {
	return listenerRegistry{
		pending: make(map[network.ListenerID]*pendingListener),
		bound:   make(map[network.ListenerID]ma.Multiaddr),
	}
}

func (r *listenerRegistry) addPending(id network.ListenerID, requested ma.Multiaddr, resp responder[ma.Multiaddr]) {
	r.pending[id] = &pendingListener{requested: requested, resp: resp}
}

func (r *listenerRegistry) takePending(id network.ListenerID) (*pendingListener, bool) {
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

func (r *listenerRegistry) bind(id network.ListenerID, addr ma.Multiaddr) {
	r.bound[id] = addr
}

func (r *listenerRegistry) lookup(addr ma.Multiaddr) (network.ListenerID, bool) {
	for id, bound := range r.bound {
		if bound.Equal(addr) {
			return id, true
		}
	}
	return 0, false
}

func (r *listenerRegistry) remove(id network.ListenerID) bool {
	if _, ok := r.bound[id]; !ok {
		return false
	}
	delete(r.bound, id)
	return true
}

// drainPending empties the pending set, for shutdown.
func (r *listenerRegistry) drainPending() []*pendingListener {
	out := make([]*pendingListener, 0, len(r.pending))
	for id, p := range r.pending {
		out = append(out, p)
		delete(r.pending, id)
	}
	return out
}
