// Package nodeapi exposes the node control operations over HTTP.
package nodeapi

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"p2pnode/internal/node"
)

// Node is the subset of *node.Node served by the API.
type Node interface {
	AddListeningAddress(ctx context.Context, addr ma.Multiaddr) (ma.Multiaddr, error)
	RemoveListeningAddress(ctx context.Context, addr ma.Multiaddr) error
	PubsubSubscribe(ctx context.Context, topic string) (*node.Subscription, error)
	PubsubUnsubscribe(ctx context.Context, topic string) error
	PubsubPublish(ctx context.Context, topic string, data []byte) error
	PubsubPeers(ctx context.Context, topic string) ([]peer.ID, error)
	PubsubSubscribed(ctx context.Context) ([]string, error)
	Identity(ctx context.Context) (crypto.PubKey, []ma.Multiaddr, error)
	Connect(ctx context.Context, addr ma.Multiaddr) error
	Peers(ctx context.Context) ([]peer.ID, error)
}

type Server struct {
	node Node
	log  *zap.Logger
}

func NewServer(n Node, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{node: n, log: log}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v0/id", s.handleID)
	mux.HandleFunc("/api/v0/listeners", s.handleListeners)
	mux.HandleFunc("/api/v0/connect", s.handleConnect)
	mux.HandleFunc("/api/v0/peers", s.handlePeers)
	mux.HandleFunc("/api/v0/pubsub/topics", s.handleTopics)
	mux.HandleFunc("/api/v0/pubsub/peers", s.handleTopicPeers)
	mux.HandleFunc("/api/v0/pubsub/publish", s.handlePublish)
	mux.HandleFunc("/api/v0/pubsub/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/api/v0/pubsub/sub/", s.handleSubscribe)
}

func (s *Server) handleID(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key, addrs, err := s.node.Identity(r.Context())
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	id, err := peer.IDFromPublicKey(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	raw, err := crypto.MarshalPublicKey(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id":    id.String(),
		"public_key": base64.StdEncoding.EncodeToString(raw),
		"addrs":      addrStrings(addrs),
	})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writeNoContent(w)
	case http.MethodPost:
		var req struct {
			Addr string `json:"addr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		addr, ok := parseAddr(w, req.Addr)
		if !ok {
			return
		}
		bound, err := s.node.AddListeningAddress(r.Context(), addr)
		if err != nil {
			s.writeNodeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"addr": bound.String()})
	case http.MethodDelete:
		addr, ok := parseAddr(w, r.URL.Query().Get("addr"))
		if !ok {
			return
		}
		if err := s.node.RemoveListeningAddress(r.Context(), addr); err != nil {
			s.writeNodeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Addr string `json:"addr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	addr, ok := parseAddr(w, req.Addr)
	if !ok {
		return
	}
	if err := s.node.Connect(r.Context(), addr); err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	peers, err := s.node.Peers(r.Context())
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peerStrings(peers)})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topics, err := s.node.PubsubSubscribed(r.Context())
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

func (s *Server) handleTopicPeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	peers, err := s.node.PubsubPeers(r.Context(), r.URL.Query().Get("topic"))
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peerStrings(peers)})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Topic string `json:"topic"`
		Data  []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	if err := s.node.PubsubPublish(r.Context(), req.Topic, req.Data); err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.node.PubsubUnsubscribe(r.Context(), req.Topic); err != nil {
		s.writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topic := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v0/pubsub/sub/"), "/")
	if topic == "" {
		writeError(w, http.StatusNotFound, "topic missing")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	sub, err := s.node.PubsubSubscribe(r.Context(), topic)
	if err != nil {
		s.writeNodeError(w, err)
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			s.log.Debug("close stream subscription", zap.String("topic", topic), zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]any{
				"from":   msg.Source.String(),
				"seqno":  hex.EncodeToString(msg.Seqno),
				"topics": msg.Topics,
				"data":   msg.Data,
			})
			if err != nil {
				s.log.Warn("encode stream message", zap.Error(err))
				continue
			}
			if _, err := w.Write([]byte("event: message\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeNodeError maps node sentinels onto HTTP statuses.
func (s *Server) writeNodeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, node.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, node.ErrAlreadySubscribed):
		status = http.StatusConflict
	case errors.Is(err, node.ErrEmptyTopic):
		status = http.StatusBadRequest
	case errors.Is(err, node.ErrBindFailed), errors.Is(err, node.ErrSendFailed):
		status = http.StatusBadGateway
	case errors.Is(err, node.ErrActorUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		s.log.Warn("node request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func parseAddr(w http.ResponseWriter, s string) (ma.Multiaddr, bool) {
	if s == "" {
		writeError(w, http.StatusBadRequest, "addr required")
		return nil, false
	}
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid multiaddr: "+err.Error())
		return nil, false
	}
	return addr, true
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func peerStrings(peers []peer.ID) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
