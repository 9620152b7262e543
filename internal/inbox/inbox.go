// Package inbox is the conversation list controller. It owns the page's
// channel list (the only component allowed to mutate it), derives the inbox
// rows, runs counterpart search over the directory, and starts or resumes
// conversations without ever creating a second channel for the same pair.
//
// A Controller is not safe for concurrent use: every method must run on the
// page's event loop. Network work runs through Loop.Go.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/notify"
	"github.com/referly/messenger/internal/ratelimit"
)

const (
	opTimeout     = 10 * time.Second
	previewLength = 80
	maxBadge      = 99
)

// CounterpartSyncer makes sure the chat backend knows a user before a
// channel referencing them is created.
type CounterpartSyncer interface {
	SyncCounterpart(ctx context.Context, userID string) error
}

// PairLocker serializes channel creation for a pair across page sessions.
type PairLocker interface {
	Acquire(ctx context.Context, a, b string) (release func(), err error)
}

// Limiter throttles channel creation.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config wires a Controller. Syncer, Locker and Limiter are optional.
type Config struct {
	Loop      *eventloop.Loop
	Client    *chatclient.Client
	Directory []chat.User // eligible counterparts, loaded once per page
	Syncer    CounterpartSyncer
	Locker    PairLocker
	Limiter   Limiter
	Notifier  notify.Notifier

	// OnOpen runs on the loop after a conversation was started or resumed.
	OnOpen func(chat.Channel)
	// ActiveChannel reports the channel the page has open. Its incoming
	// messages are marked read by the conversation, which refreshes the list
	// afterwards, so the inbox does not refresh for them itself.
	ActiveChannel func() string
}

// Row is one rendered channel of the inbox.
type Row struct {
	ChannelID     string    `json:"channel_id"`
	CounterpartID string    `json:"counterpart_id"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Badge         string    `json:"badge,omitempty"`
	Preview       string    `json:"preview,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitzero"`
	Active        bool      `json:"active,omitempty"`
}

// Result is one search hit. ChannelID is set when a conversation with the
// user already exists (selecting it resumes instead of starting).
type Result struct {
	User      chat.User `json:"user"`
	ChannelID string    `json:"channel_id,omitempty"`
}

// Snapshot is a value copy of the channel list taken before an optimistic
// mutation.
type Snapshot struct {
	channels []chat.Channel
}

// Controller is the conversation list controller.
type Controller struct {
	ctx       context.Context
	loop      *eventloop.Loop
	client    *chatclient.Client
	directory []chat.User
	syncer    CounterpartSyncer
	locker    PairLocker
	limiter   Limiter
	notifier  notify.Notifier
	onOpen    func(chat.Channel)
	active    func() string

	channels []chat.Channel
	loading  bool
	loaded   bool
	query    string
	gen      uint64          // bumped by every refresh
	starting map[string]bool // counterpart ids with a create in flight
	removed  map[string]bool // optimistically removed, kept out of refreshes

	notifySub *chatclient.Subscription
	msgSub    *chatclient.Subscription
}

// New creates a controller. Call Start to load the list.
func New(ctx context.Context, cfg Config) *Controller {
	n := cfg.Notifier
	if n == nil {
		n = notify.Discard
	}
	return &Controller{
		ctx:       ctx,
		loop:      cfg.Loop,
		client:    cfg.Client,
		directory: cfg.Directory,
		syncer:    cfg.Syncer,
		locker:    cfg.Locker,
		limiter:   cfg.Limiter,
		notifier:  n,
		onOpen:    cfg.OnOpen,
		active:    cfg.ActiveChannel,
		starting:  make(map[string]bool),
		removed:   make(map[string]bool),
	}
}

// Start subscribes to the notification feed and loads the channel list.
// The backend only sends notification.message_new for channels that are not
// watched, so a new message in any watched channel refreshes the list too.
func (c *Controller) Start() {
	c.notifySub = c.client.SubscribeToNewChannelNotifications(func(chat.Event) {
		c.loop.Post(c.Refresh)
	})
	c.msgSub = c.client.ListenAll(chatclient.Handlers{
		OnNew: func(m chat.Message) {
			c.loop.Post(func() { c.onMessage(m) })
		},
		OnRemoved: func(channelID string) {
			c.loop.Post(func() { c.onRemoved(channelID) })
		},
	})
	c.Refresh()
}

func (c *Controller) onMessage(m chat.Message) {
	if c.active != nil && m.ChannelID == c.active() && m.AuthorID != c.client.UserID() {
		return
	}
	c.Refresh()
}

// onRemoved drops a channel that was deleted or hidden elsewhere.
func (c *Controller) onRemoved(channelID string) {
	kept := c.channels[:0:0]
	for _, ch := range c.channels {
		if ch.ID != channelID {
			kept = append(kept, ch)
		}
	}
	c.channels = kept
	c.Refresh()
}

// Close detaches every subscription the controller holds.
func (c *Controller) Close() {
	c.notifySub.Close()
	c.msgSub.Close()
	c.notifySub, c.msgSub = nil, nil
}

// Refresh re-runs the channel query and replaces the list wholesale. A
// result is dropped if another refresh started after it.
func (c *Controller) Refresh() {
	c.gen++
	gen := c.gen
	if !c.loaded {
		c.loading = true
	}

	c.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
		defer cancel()
		channels, err := c.client.QueryChannels(ctx)

		return func() {
			if gen != c.gen {
				return
			}
			c.loading = false
			if err != nil {
				log.Printf("[inbox] user=%s refresh: %v", c.client.UserID(), err)
				c.notifier.Notify(notify.Error, "Could not load your conversations.")
				return
			}
			c.loaded = true
			c.replace(channels)
		}
	})
}

func (c *Controller) replace(channels []chat.Channel) {
	kept := channels[:0:0]
	for _, ch := range channels {
		if !c.removed[ch.ID] {
			kept = append(kept, ch)
		}
	}
	c.channels = kept
}

// Loading reports whether the first load is still in flight (skeleton rows).
func (c *Controller) Loading() bool {
	return c.loading
}

// Empty reports whether the list loaded and has no conversations, in which
// case the page shows the empty state prompting a search.
func (c *Controller) Empty() bool {
	return c.loaded && len(c.channels) == 0
}

// Channels returns a copy of the channel list. Callers must not mutate the
// list through any other path.
func (c *Controller) Channels() []chat.Channel {
	out := make([]chat.Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Channel looks a listed channel up by id.
func (c *Controller) Channel(channelID string) (chat.Channel, bool) {
	for _, ch := range c.channels {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return chat.Channel{}, false
}

// Rows renders the channel list. activeID marks the open conversation.
func (c *Controller) Rows(activeID string) []Row {
	self := c.client.UserID()
	rows := make([]Row, 0, len(c.channels))
	for _, ch := range c.channels {
		row := Row{
			ChannelID: ch.ID,
			Badge:     FormatBadge(ch.UnreadCount),
			Timestamp: ch.LastMessageAt,
			Active:    ch.ID == activeID,
		}
		if m, ok := ch.Counterpart(self); ok {
			row.CounterpartID = m.User.ID
			row.Name = DisplayName(m.User)
			row.AvatarURL = m.User.AvatarURL
		}
		if last, ok := ch.LastMessage(); ok {
			row.Preview = truncate(last.Text, previewLength)
			if row.Timestamp.IsZero() {
				row.Timestamp = last.CreatedAt
			}
		}
		if row.Active {
			row.Badge = ""
		}
		rows = append(rows, row)
	}
	return rows
}

// FormatBadge renders an unread count: nothing for zero, the decimal count
// otherwise, capped at "99+".
func FormatBadge(unread int) string {
	switch {
	case unread <= 0:
		return ""
	case unread > maxBadge:
		return strconv.Itoa(maxBadge) + "+"
	default:
		return strconv.Itoa(unread)
	}
}

// DisplayName falls back to the user id when no display name is set.
func DisplayName(u chat.User) string {
	if name := strings.TrimSpace(u.DisplayName); name != "" {
		return name
	}
	return u.ID
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}

// SetQuery updates the search input. A non-empty query (after trimming)
// switches the inbox to the search view.
func (c *Controller) SetQuery(q string) {
	c.query = q
}

// Query returns the current search input.
func (c *Controller) Query() string {
	return c.query
}

// Searching reports whether the search view is shown instead of the list.
func (c *Controller) Searching() bool {
	return strings.TrimSpace(c.query) != ""
}

// SearchResults matches the query against directory names, companies and
// job titles, case-insensitively.
func (c *Controller) SearchResults() []Result {
	q := strings.ToLower(strings.TrimSpace(c.query))
	if q == "" {
		return nil
	}
	var out []Result
	for _, u := range c.directory {
		if !matches(u, q) {
			continue
		}
		r := Result{User: u}
		if ch, ok := chat.FindByMember(c.channels, u.ID); ok {
			r.ChannelID = ch.ID
		}
		out = append(out, r)
	}
	return out
}

func matches(u chat.User, q string) bool {
	for _, field := range []string{u.DisplayName, u.Company, u.JobTitle} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

func (c *Controller) eligible(userID string) (chat.User, bool) {
	for _, u := range c.directory {
		if u.ID == userID {
			return u, true
		}
	}
	return chat.User{}, false
}

// StartChat opens the conversation with counterpartID, creating it only when
// no listed channel contains that user. The search query is cleared before
// the conversation opens. Calls for a counterpart whose creation is already
// in flight are ignored.
func (c *Controller) StartChat(counterpartID string) {
	if existing, ok := chat.FindByMember(c.channels, counterpartID); ok {
		c.open(existing)
		return
	}
	if _, ok := c.eligible(counterpartID); !ok {
		c.notifier.Notify(notify.Error, "You cannot message this user.")
		return
	}
	if c.starting[counterpartID] {
		return
	}
	c.starting[counterpartID] = true

	self := c.client.UserID()
	known := c.Channels()
	c.loop.Go(func() func() {
		ch, err := c.create(self, counterpartID, known)
		return func() {
			delete(c.starting, counterpartID)
			if err != nil {
				c.createFailed(counterpartID, err)
				return
			}
			c.insert(ch)
			c.open(ch)
		}
	})
}

var errRateLimited = errors.New("inbox: too many new conversations")

// create runs off the loop.
func (c *Controller) create(self, counterpartID string, known []chat.Channel) (chat.Channel, error) {
	ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
	defer cancel()

	if c.locker != nil {
		release, err := c.locker.Acquire(ctx, self, counterpartID)
		switch {
		case errors.Is(err, chat.ErrPairLocked):
			return chat.Channel{}, err
		case err != nil:
			log.Printf("[inbox] pair lock %s: %v (continuing)", chat.PairKey(self, counterpartID), err)
		default:
			defer release()
		}
	}

	// Another session may have created the channel since known was taken;
	// the pair lock only covers overlapping attempts.
	if fresh, err := c.client.QueryChannels(ctx); err != nil {
		log.Printf("[inbox] user=%s re-query before create: %v", self, err)
	} else {
		known = fresh
	}

	if c.limiter != nil {
		if ok, _ := c.limiter.Allow(ctx, self, ratelimit.RuleCreateChannel); !ok {
			return chat.Channel{}, errRateLimited
		}
	}

	if c.syncer != nil {
		if err := c.syncer.SyncCounterpart(ctx, counterpartID); err != nil {
			return chat.Channel{}, &chatclient.ChannelOperationError{Op: "sync", Err: err}
		}
	}

	ch, _, err := c.client.CreateChannel(ctx, counterpartID, known)
	return ch, err
}

func (c *Controller) createFailed(counterpartID string, err error) {
	log.Printf("[inbox] user=%s start chat with %s: %v", c.client.UserID(), counterpartID, err)
	switch {
	case errors.Is(err, chat.ErrPairLocked):
		// Another tab is creating the same conversation; pick it up from the
		// backend once it exists.
		c.notifier.Notify(notify.Info, "This conversation is being opened in another window.")
		c.Refresh()
	case errors.Is(err, errRateLimited):
		c.notifier.Notify(notify.Error, "You are starting conversations too quickly. Try again in a minute.")
	default:
		c.notifier.Notify(notify.Error, fmt.Sprintf("Could not start the conversation: %s", reason(err)))
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, chatclient.ErrForbidden):
		return "not allowed"
	case errors.Is(err, chatclient.ErrNotFound):
		return "user not found"
	case errors.Is(err, chatclient.ErrUnavailable):
		return "chat is unavailable"
	default:
		return "please try again"
	}
}

// insert puts a channel at the top of the list unless it is already listed.
func (c *Controller) insert(ch chat.Channel) {
	if _, ok := c.Channel(ch.ID); ok {
		return
	}
	c.channels = append([]chat.Channel{ch}, c.channels...)
	c.loaded = true
}

func (c *Controller) open(ch chat.Channel) {
	c.query = ""
	if c.onOpen != nil {
		c.onOpen(ch)
	}
}

// Snapshot captures the list for a later Restore.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{channels: c.Channels()}
}

// Remove drops a channel from the list and keeps it out of refreshes until
// Settle or Restore.
func (c *Controller) Remove(channelID string) {
	c.removed[channelID] = true
	kept := c.channels[:0:0]
	for _, ch := range c.channels {
		if ch.ID != channelID {
			kept = append(kept, ch)
		}
	}
	c.channels = kept
}

// Settle ends an optimistic removal that the backend confirmed. The refresh
// supersedes any query that started before the removal took effect.
func (c *Controller) Settle(channelID string) {
	delete(c.removed, channelID)
	c.Refresh()
}

// Restore puts a snapshot back after a failed optimistic mutation.
func (c *Controller) Restore(s Snapshot) {
	for _, ch := range s.channels {
		delete(c.removed, ch.ID)
	}
	c.channels = s.channels
}
