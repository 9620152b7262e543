package chatclient

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/metrics"
)

// Options tunes a Client.
type Options struct {
	HistoryLimit int // messages fetched per channel by QueryChannels
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{HistoryLimit: 100}
}

// Handlers receives live events of one channel.
type Handlers struct {
	OnNew     func(chat.Message)
	OnUpdated func(chat.Message)
	OnDeleted func(chat.Message)
	// OnRemoved fires when the channel is gone for this user: deleted for
	// everyone (channel.deleted) or hidden by one of the user's sessions
	// (channel.hidden).
	OnRemoved func(channelID string)
}

// Client is the authenticated chat connection of one page session. It is
// safe for concurrent use. Exactly one Client should exist per page session;
// it is handed to the controllers explicitly.
type Client struct {
	backend Backend
	user    chat.User
	opts    Options

	mu        sync.Mutex
	nextID    uint64
	listeners map[string]map[uint64]*Subscription // channelID -> listeners
	notify    map[uint64]*Subscription
	stop      func()
	closed    bool
}

// Initialize connects to the chat backend with cred. Every failure, including
// a malformed credential, is reported as *ConnectionError.
func Initialize(ctx context.Context, backend Backend, cred chat.Credential, opts Options) (*Client, error) {
	if cred.UserID == "" || cred.Token == "" {
		return nil, &ConnectionError{UserID: cred.UserID, Err: fmt.Errorf("credential is missing user id or token")}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions().HistoryLimit
	}

	start := time.Now()
	user, err := backend.Connect(ctx, cred)
	metrics.ObserveOp("connect", time.Since(start).Seconds(), err)
	if err != nil {
		metrics.ConnectFailures.Inc()
		return nil, &ConnectionError{UserID: cred.UserID, Err: err}
	}
	if user.ID == "" {
		user.ID = cred.UserID
	}
	if user.DisplayName == "" {
		user.DisplayName = cred.DisplayName
	}
	if user.AvatarURL == "" {
		user.AvatarURL = cred.AvatarURL
	}

	c := &Client{
		backend:   backend,
		user:      user,
		opts:      opts,
		listeners: make(map[string]map[uint64]*Subscription),
		notify:    make(map[uint64]*Subscription),
	}
	c.stop = backend.Subscribe(c.dispatch)
	metrics.ChatConnections.Inc()

	log.Printf("[chat] connected user=%s", user.ID)
	return c, nil
}

// UserID returns the authenticated user's id.
func (c *Client) UserID() string {
	return c.user.ID
}

// User returns the authenticated user.
func (c *Client) User() chat.User {
	return c.user
}

// QueryChannels returns the authenticated user's messaging channels, most
// recent first, with members and history loaded and live events enabled.
func (c *Client) QueryChannels(ctx context.Context) ([]chat.Channel, error) {
	if c.isClosed() {
		return nil, &ChannelOperationError{Op: "query", Err: ErrClosed}
	}
	q := ChannelQuery{
		Filter:       ChannelFilter{Type: chat.ChannelTypeMessaging, MemberIncludes: c.user.ID},
		Sort:         []SortField{{Field: "last_message_at", Direction: SortDesc}},
		State:        true,
		Watch:        true,
		MessageLimit: c.opts.HistoryLimit,
	}

	start := time.Now()
	channels, err := c.backend.QueryChannels(ctx, q)
	metrics.ObserveOp("query", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, &ChannelOperationError{Op: "query", Err: err}
	}
	return channels, nil
}

// SubscribeToNewChannelNotifications registers cb for the user-level
// notification feed (a new message in a channel the page is not showing, or
// being added to a new channel). The callback runs on a backend goroutine.
func (c *Client) SubscribeToNewChannelNotifications(cb func(chat.Event)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := &Subscription{id: c.nextID, client: c, notify: cb}
	c.notify[sub.id] = sub
	return sub
}

// CreateChannel opens a conversation with counterpartID. If known already has
// a channel with that member, it is returned unchanged and created is false;
// the backend is only asked to create a channel when no match exists.
func (c *Client) CreateChannel(ctx context.Context, counterpartID string, known []chat.Channel) (ch chat.Channel, created bool, err error) {
	if counterpartID == "" || counterpartID == c.user.ID {
		return chat.Channel{}, false, &ChannelOperationError{Op: "create", Err: ErrSelfChannel}
	}
	if existing, ok := chat.FindByMember(known, counterpartID); ok {
		return existing, false, nil
	}
	if c.isClosed() {
		return chat.Channel{}, false, &ChannelOperationError{Op: "create", Err: ErrClosed}
	}

	start := time.Now()
	ch, err = c.backend.CreateChannel(ctx, []string{c.user.ID, counterpartID})
	metrics.ObserveOp("create", time.Since(start).Seconds(), err)
	if err != nil {
		return chat.Channel{}, false, &ChannelOperationError{Op: "create", Err: err}
	}
	log.Printf("[chat] created channel=%s user=%s counterpart=%s", ch.ID, c.user.ID, counterpartID)
	return ch, true, nil
}

// Watch loads the channel's full state (members and history) and enables
// live events for it.
func (c *Client) Watch(ctx context.Context, channelID string) (chat.Channel, error) {
	if c.isClosed() {
		return chat.Channel{}, &ChannelOperationError{Op: "watch", ChannelID: channelID, Err: ErrClosed}
	}
	start := time.Now()
	ch, err := c.backend.Watch(ctx, channelID)
	metrics.ObserveOp("watch", time.Since(start).Seconds(), err)
	if err != nil {
		return chat.Channel{}, &ChannelOperationError{Op: "watch", ChannelID: channelID, Err: err}
	}
	return ch, nil
}

// Unwatch stops live events for a channel. Listeners registered with Listen
// are not affected; close them separately.
func (c *Client) Unwatch(ctx context.Context, channelID string) error {
	if err := c.backend.Unwatch(ctx, channelID); err != nil {
		return &ChannelOperationError{Op: "unwatch", ChannelID: channelID, Err: err}
	}
	return nil
}

// allChannels keys listeners registered with ListenAll.
const allChannels = "*"

// Listen attaches message handlers for one channel. Events of other
// channels never reach them. Close the returned subscription to detach.
func (c *Client) Listen(channelID string, h Handlers) *Subscription {
	return c.listen(channelID, h)
}

// ListenAll attaches message handlers that see the events of every watched
// channel.
func (c *Client) ListenAll(h Handlers) *Subscription {
	return c.listen(allChannels, h)
}

func (c *Client) listen(channelID string, h Handlers) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	sub := &Subscription{id: c.nextID, client: c, channelID: channelID, handlers: h}
	set, ok := c.listeners[channelID]
	if !ok {
		set = make(map[uint64]*Subscription)
		c.listeners[channelID] = set
	}
	set[sub.id] = sub
	return sub
}

// SendMessage posts text to a channel. The sent message is not returned to
// the caller's view directly; it arrives as a message.new event.
func (c *Client) SendMessage(ctx context.Context, channelID, text string) (chat.Message, error) {
	if c.isClosed() {
		return chat.Message{}, &SendError{ChannelID: channelID, Text: text, Err: ErrClosed}
	}
	if err := chat.ValidateMessage(text); err != nil {
		return chat.Message{}, &SendError{ChannelID: channelID, Text: text, Err: err}
	}

	start := time.Now()
	msg, err := c.backend.SendMessage(ctx, channelID, text)
	metrics.ObserveOp("send", time.Since(start).Seconds(), err)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return chat.Message{}, &SendError{ChannelID: channelID, Text: text, Err: err}
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}

// DeleteChannel hard-deletes a channel for every member.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	start := time.Now()
	err := c.backend.DeleteChannel(ctx, channelID)
	metrics.ObserveOp("delete", time.Since(start).Seconds(), err)
	if err != nil {
		return &ChannelOperationError{Op: "delete", ChannelID: channelID, Err: err}
	}
	return nil
}

// HideChannel hides a channel for the authenticated user only.
func (c *Client) HideChannel(ctx context.Context, channelID string) error {
	start := time.Now()
	err := c.backend.HideChannel(ctx, channelID)
	metrics.ObserveOp("hide", time.Since(start).Seconds(), err)
	if err != nil {
		return &ChannelOperationError{Op: "hide", ChannelID: channelID, Err: err}
	}
	return nil
}

// MarkRead resets the authenticated user's unread count for a channel.
func (c *Client) MarkRead(ctx context.Context, channelID string) error {
	if err := c.backend.MarkRead(ctx, channelID); err != nil {
		return &ChannelOperationError{Op: "mark_read", ChannelID: channelID, Err: err}
	}
	return nil
}

// Close detaches every listener and disconnects. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.listeners = make(map[string]map[uint64]*Subscription)
	c.notify = make(map[uint64]*Subscription)
	stop := c.stop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	metrics.ChatConnections.Dec()
	log.Printf("[chat] disconnected user=%s", c.user.ID)
	return c.backend.Disconnect()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dispatch routes one backend event to the interested subscriptions. It runs
// on the backend's delivery goroutine; handlers are called without the lock.
func (c *Client) dispatch(ev chat.Event) {
	if ev.IsNotification() {
		c.mu.Lock()
		subs := make([]*Subscription, 0, len(c.notify))
		for _, s := range c.notify {
			subs = append(subs, s)
		}
		c.mu.Unlock()

		for _, s := range subs {
			if s.active() {
				s.notify(ev)
			}
		}
		return
	}

	if ev.Type == chat.EventChannelDeleted || ev.Type == chat.EventChannelHidden {
		if ev.ChannelID == "" {
			return
		}
		log.Printf("[chat] user=%s channel=%s %s", c.user.ID, ev.ChannelID, ev.Type)
		for _, s := range c.listenersOf(ev.ChannelID) {
			if s.active() && s.handlers.OnRemoved != nil {
				s.handlers.OnRemoved(ev.ChannelID)
			}
		}
		return
	}

	if ev.Message == nil {
		return
	}

	subs := c.listenersOf(ev.ChannelID)
	if len(subs) > 0 && ev.Type == chat.EventMessageNew {
		metrics.MessagesTotal.WithLabelValues("received").Inc()
	}

	for _, s := range subs {
		if !s.active() {
			continue
		}
		var fn func(chat.Message)
		switch ev.Type {
		case chat.EventMessageNew:
			fn = s.handlers.OnNew
		case chat.EventMessageUpdated:
			fn = s.handlers.OnUpdated
		case chat.EventMessageDeleted:
			fn = s.handlers.OnDeleted
		}
		if fn != nil {
			fn(*ev.Message)
		}
	}
}

// listenersOf returns the listeners of channelID plus the ListenAll ones.
func (c *Client) listenersOf(channelID string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*Subscription, 0, len(c.listeners[channelID])+len(c.listeners[allChannels]))
	for _, s := range c.listeners[channelID] {
		subs = append(subs, s)
	}
	for _, s := range c.listeners[allChannels] {
		subs = append(subs, s)
	}
	return subs
}

func (c *Client) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.notify != nil {
		delete(c.notify, sub.id)
		return
	}
	if set, ok := c.listeners[sub.channelID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(c.listeners, sub.channelID)
		}
	}
}
