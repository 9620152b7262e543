package chatclient

import (
	"sync/atomic"

	"github.com/referly/messenger/internal/chat"
)

// Subscription is an attached listener: either a channel's message handlers
// or a notification callback. Close detaches it; events already being
// delivered may still complete, so callers that need a hard boundary must
// also guard on their own state (see conversation.Controller).
type Subscription struct {
	id        uint64
	client    *Client
	channelID string
	handlers  Handlers
	notify    func(chat.Event)
	closed    atomic.Bool
}

// ChannelID returns the channel the subscription listens to, or "" for a
// notification subscription.
func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Close detaches the subscription. It is idempotent and nil-safe.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	s.client.remove(s)
}

func (s *Subscription) active() bool {
	return !s.closed.Load()
}
