package chatbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/messaging"
)

// Requester is the part of messaging.NATSClient the adapter needs.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	SubscribeChannelEvents(sessionID, channelID string, handler func(data []byte)) error
	UnsubscribeChannelEvents(sessionID, channelID string) error
	SubscribeNotifications(sessionID, userID string, handler func(data []byte)) error
	UnsubscribeSession(sessionID string)
}

var _ Requester = (*messaging.NATSClient)(nil)

// NATS is one page session's connection to the chat backend. Many NATS
// values share a single messaging.NATSClient; their subscriptions are keyed
// by session id.
type NATS struct {
	bus       Requester
	sessionID string

	mu      sync.RWMutex
	token   string
	userID  string
	handler func(chat.Event)
}

var _ chatclient.Backend = (*NATS)(nil)

// New creates an unconnected adapter for a page session.
func New(bus Requester, sessionID string) *NATS {
	return &NATS{bus: bus, sessionID: sessionID}
}

func (n *NATS) call(ctx context.Context, op string, req Request) (Reply, error) {
	n.mu.RLock()
	req.Token = n.token
	n.mu.RUnlock()

	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("chatbackend: %s: encode: %w", op, err)
	}
	data, err := n.bus.Request(ctx, messaging.RPCSubject(op), body)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrConnectionClosed) {
			return Reply{}, fmt.Errorf("chatbackend: %s: %v: %w", op, err, chatclient.ErrUnavailable)
		}
		return Reply{}, fmt.Errorf("chatbackend: %s: %w", op, err)
	}
	return decodeReply(op, data)
}

// Connect authenticates with the chat token and subscribes to the user's
// notification feed.
func (n *NATS) Connect(ctx context.Context, cred chat.Credential) (chat.User, error) {
	n.mu.Lock()
	n.token = cred.Token
	n.mu.Unlock()

	r, err := n.call(ctx, OpConnect, Request{UserID: cred.UserID})
	if err != nil {
		return chat.User{}, err
	}
	user := chat.User{ID: cred.UserID}
	if r.User != nil {
		user = *r.User
	}

	n.mu.Lock()
	n.userID = user.ID
	n.mu.Unlock()

	if err := n.bus.SubscribeNotifications(n.sessionID, user.ID, n.deliver); err != nil {
		return chat.User{}, fmt.Errorf("chatbackend: connect: %w", err)
	}
	return user, nil
}

func (n *NATS) QueryChannels(ctx context.Context, q chatclient.ChannelQuery) ([]chat.Channel, error) {
	r, err := n.call(ctx, OpQuery, Request{Query: &q})
	if err != nil {
		return nil, err
	}
	if q.Watch {
		for _, ch := range r.Channels {
			if err := n.watchEvents(ch.ID); err != nil {
				return nil, err
			}
		}
	}
	return r.Channels, nil
}

func (n *NATS) Watch(ctx context.Context, channelID string) (chat.Channel, error) {
	r, err := n.call(ctx, OpWatch, Request{ChannelID: channelID})
	if err != nil {
		return chat.Channel{}, err
	}
	if r.Channel == nil {
		return chat.Channel{}, fmt.Errorf("chatbackend: watch %s: empty reply: %w", channelID, chatclient.ErrNotFound)
	}
	if err := n.watchEvents(channelID); err != nil {
		return chat.Channel{}, err
	}
	return *r.Channel, nil
}

// Unwatch only drops the local event subscription; the backend keeps no
// per-connection watch state over NATS.
func (n *NATS) Unwatch(_ context.Context, channelID string) error {
	if err := n.bus.UnsubscribeChannelEvents(n.sessionID, channelID); err != nil {
		log.Printf("[chatbackend] unwatch %s: %v", channelID, err)
	}
	return nil
}

func (n *NATS) CreateChannel(ctx context.Context, memberIDs []string) (chat.Channel, error) {
	r, err := n.call(ctx, OpCreate, Request{Members: memberIDs})
	if err != nil {
		return chat.Channel{}, err
	}
	if r.Channel == nil {
		return chat.Channel{}, fmt.Errorf("chatbackend: create: empty reply")
	}
	return *r.Channel, nil
}

func (n *NATS) SendMessage(ctx context.Context, channelID, text string) (chat.Message, error) {
	r, err := n.call(ctx, OpSend, Request{ChannelID: channelID, Text: text})
	if err != nil {
		return chat.Message{}, err
	}
	if r.Message == nil {
		return chat.Message{}, fmt.Errorf("chatbackend: send: empty reply")
	}
	return *r.Message, nil
}

func (n *NATS) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := n.call(ctx, OpDelete, Request{ChannelID: channelID})
	return err
}

func (n *NATS) HideChannel(ctx context.Context, channelID string) error {
	_, err := n.call(ctx, OpHide, Request{ChannelID: channelID})
	return err
}

func (n *NATS) MarkRead(ctx context.Context, channelID string) error {
	_, err := n.call(ctx, OpMarkRead, Request{ChannelID: channelID})
	return err
}

func (n *NATS) Subscribe(handler func(chat.Event)) func() {
	n.mu.Lock()
	n.handler = handler
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		n.handler = nil
		n.mu.Unlock()
	}
}

// Disconnect drops every subscription of the session.
func (n *NATS) Disconnect() error {
	n.bus.UnsubscribeSession(n.sessionID)
	n.mu.Lock()
	n.token = ""
	n.handler = nil
	n.mu.Unlock()
	return nil
}

func (n *NATS) watchEvents(channelID string) error {
	if err := n.bus.SubscribeChannelEvents(n.sessionID, channelID, n.deliver); err != nil {
		return fmt.Errorf("chatbackend: watch %s: %w", channelID, err)
	}
	return nil
}

func (n *NATS) deliver(data []byte) {
	var ev chat.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[chatbackend] session=%s bad event: %v", n.sessionID, err)
		return
	}
	if ev.ChannelID == "" {
		switch {
		case ev.Message != nil:
			ev.ChannelID = ev.Message.ChannelID
		case ev.Channel != nil:
			ev.ChannelID = ev.Channel.ID
		}
	}

	n.mu.RLock()
	h := n.handler
	n.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// Admin performs server-side calls authenticated with the chat API secret,
// such as upserting a user before a channel with them is created.
type Admin struct {
	bus    Requester
	secret string
}

// NewAdmin creates an admin client.
func NewAdmin(bus Requester, apiSecret string) *Admin {
	return &Admin{bus: bus, secret: apiSecret}
}

// UpsertUser creates or updates a user record in the chat backend.
func (a *Admin) UpsertUser(ctx context.Context, u chat.User) error {
	body, err := json.Marshal(Request{Token: a.secret, User: &u})
	if err != nil {
		return fmt.Errorf("chatbackend: upsert user: encode: %w", err)
	}
	data, err := a.bus.Request(ctx, messaging.RPCSubject(OpUpsertUser), body)
	if err != nil {
		return fmt.Errorf("chatbackend: upsert user %s: %w", u.ID, err)
	}
	_, err = decodeReply(OpUpsertUser, data)
	return err
}
