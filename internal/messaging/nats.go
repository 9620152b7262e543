// Package messaging wraps the NATS connection the messenger uses to reach the
// hosted chat backend. It owns connection lifecycle, keyed subscriptions and
// request/reply calls on the chat subjects.
package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Chat backend subjects.
const (
	SubjectRPC    = "chat.rpc"    // + .<op> (request/reply)
	SubjectEvents = "chat.events" // + .<channel_id>
	SubjectNotify = "chat.notify" // + .<user_id>
)

// RPCSubject returns the request subject of a backend operation.
func RPCSubject(op string) string {
	return SubjectRPC + "." + op
}

// EventsSubject returns the live event subject of a channel.
func EventsSubject(channelID string) string {
	return SubjectEvents + "." + channelID
}

// NotifySubject returns the notification feed subject of a user.
func NotifySubject(userID string) string {
	return SubjectNotify + "." + userID
}

// NATSClient wraps the NATS connection with keyed subscriptions so several
// page sessions can share one connection without clobbering each other.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	ReconnectWait  time.Duration // time between reconnect attempts
	MaxReconnects  int           // max reconnect attempts (-1 for infinite)
	RequestTimeout time.Duration // default deadline for Request without one
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "messenger",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		RequestTimeout: 5 * time.Second,
	}
}

// NewNATSClient connects to NATS and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return NewNATSClientFromConn(nc), nil
}

// NewNATSClientFromConn wraps an existing connection.
func NewNATSClientFromConn(nc *nats.Conn) *NATSClient {
	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}
}

// Request sends data to subject and waits for one reply. If ctx has no
// deadline, a 5 second timeout applies.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultNATSConfig().RequestTimeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers handler on subject under key. An existing
// subscription with the same key is replaced.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			log.Printf("[nats] replace %s: %v", key, err)
		}
	}
	return nil
}

// Handle answers requests on subject with the reply returned by handler. It
// is how the backend side (and tests) serve chat.rpc operations.
func (c *NATSClient) Handle(key, subject string, handler func(data []byte) []byte) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			log.Printf("[nats] respond %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats handle %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeChannelEvents subscribes a page session to a channel's events.
func (c *NATSClient) SubscribeChannelEvents(sessionID, channelID string, handler func(data []byte)) error {
	return c.Subscribe(channelKey(sessionID, channelID), EventsSubject(channelID), handler)
}

// UnsubscribeChannelEvents removes a page session's channel subscription.
func (c *NATSClient) UnsubscribeChannelEvents(sessionID, channelID string) error {
	return c.Unsubscribe(channelKey(sessionID, channelID))
}

// SubscribeNotifications subscribes a page session to its user's
// notification feed.
func (c *NATSClient) SubscribeNotifications(sessionID, userID string, handler func(data []byte)) error {
	return c.Subscribe(notifyKey(sessionID), NotifySubject(userID), handler)
}

// UnsubscribeSession drops every subscription owned by a page session.
func (c *NATSClient) UnsubscribeSession(sessionID string) {
	prefix := "session:" + sessionID + ":"

	c.mu.Lock()
	var subs []*nats.Subscription
	for key, sub := range c.subs {
		if strings.HasPrefix(key, prefix) {
			subs = append(subs, sub)
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", sub.Subject, err)
		}
	}
}

// Unsubscribe removes and unsubscribes the subscription stored under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}

func channelKey(sessionID, channelID string) string {
	return "session:" + sessionID + ":events:" + channelID
}

func notifyKey(sessionID string) string {
	return "session:" + sessionID + ":notify"
}
