package node

import "errors"

var (
	ErrAlreadySubscribed = errors.New("topic already subscribed")
	ErrNotFound          = errors.New("not found")
	ErrBindFailed        = errors.New("listen failed")
	ErrSendFailed        = errors.New("send failed")
	ErrActorUnavailable  = errors.New("node is shutting down")
	// ErrEmptyTopic is returned by PubsubSubscribe; the empty topic is
	// reserved for "all topics" in PubsubPeers.
	ErrEmptyTopic = errors.New("empty topic")
)
