// Package conversation is the active conversation controller: it owns the
// open channel's thread, its live message listeners and the composer.
//
// Every selection bumps a generation counter. Late watch results and events
// captured under an older generation are discarded, so switching channels is
// a hard boundary even for work that was already in flight.
package conversation

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/notify"
	"github.com/referly/messenger/internal/ratelimit"
)

// DefaultScrollDelay lets the page lay out new bubbles before scrolling.
const DefaultScrollDelay = 50 * time.Millisecond

const opTimeout = 10 * time.Second

// State of the controller.
type State int

const (
	NoChannelSelected State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "none"
	}
}

// Limiter throttles sends.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Config wires a Controller. Limiter, OnScroll and OnRead are optional.
type Config struct {
	Loop        *eventloop.Loop
	Client      *chatclient.Client
	Limiter     Limiter
	Notifier    notify.Notifier
	ScrollDelay time.Duration

	// OnScroll runs on the loop when the thread should scroll to the bottom.
	OnScroll func(channelID string)
	// OnRead runs on the loop after the channel was marked read.
	OnRead func(channelID string)
	// OnClosed runs on the loop when the open channel was deleted or hidden
	// elsewhere and the controller went back to NoChannelSelected.
	OnClosed func(channelID string)
}

// MessageView is one rendered bubble.
type MessageView struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Edited    bool      `json:"edited,omitempty"`
	Self      bool      `json:"self"` // right-aligned
}

// View is the rendered state of the controller.
type View struct {
	State       string        `json:"state"`
	ChannelID   string        `json:"channel_id,omitempty"`
	Counterpart *chat.User    `json:"counterpart,omitempty"`
	Messages    []MessageView `json:"messages"`
	Composer    string        `json:"composer"`
	Sending     bool          `json:"sending"`
}

// Controller is the active conversation controller. It must only be used
// from the page's event loop.
type Controller struct {
	ctx         context.Context
	loop        *eventloop.Loop
	client      *chatclient.Client
	limiter     Limiter
	notifier    notify.Notifier
	scrollDelay time.Duration
	onScroll    func(string)
	onRead      func(string)
	onClosed    func(string)

	state    State
	gen      uint64
	channel  chat.Channel
	thread   *chat.Thread
	sub      *chatclient.Subscription
	composer string
	sending  int
	scroll   *time.Timer
}

// New creates a controller in the NoChannelSelected state.
func New(ctx context.Context, cfg Config) *Controller {
	n := cfg.Notifier
	if n == nil {
		n = notify.Discard
	}
	delay := cfg.ScrollDelay
	if delay <= 0 {
		delay = DefaultScrollDelay
	}
	return &Controller{
		ctx:         ctx,
		loop:        cfg.Loop,
		client:      cfg.Client,
		limiter:     cfg.Limiter,
		notifier:    n,
		scrollDelay: delay,
		onScroll:    cfg.OnScroll,
		onRead:      cfg.OnRead,
		onClosed:    cfg.OnClosed,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// ActiveID returns the selected channel id, or "" when none is selected.
func (c *Controller) ActiveID() string {
	if c.state == NoChannelSelected {
		return ""
	}
	return c.channel.ID
}

// Channel returns the selected channel with its member map.
func (c *Controller) Channel() (chat.Channel, bool) {
	if c.state == NoChannelSelected {
		return chat.Channel{}, false
	}
	return c.channel, true
}

// Select switches to ch. Listeners of the previous channel are detached
// before anything else happens; the watch runs off the loop and its result
// is applied only if no other selection happened in the meantime.
func (c *Controller) Select(ch chat.Channel) {
	if c.state != NoChannelSelected && c.channel.ID == ch.ID {
		return
	}
	c.detach()
	c.gen++
	gen := c.gen
	c.state = Loading
	c.channel = ch
	c.thread = nil
	c.composer = ""

	c.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
		defer cancel()
		full, err := c.client.Watch(ctx, ch.ID)

		return func() {
			if gen != c.gen {
				return
			}
			if err != nil {
				log.Printf("[conversation] user=%s watch %s: %v", c.client.UserID(), ch.ID, err)
				c.notifier.Notify(notify.Error, "Could not open the conversation.")
				c.state = NoChannelSelected
				c.channel = chat.Channel{}
				return
			}
			c.ready(gen, full)
		}
	})
}

func (c *Controller) ready(gen uint64, full chat.Channel) {
	c.channel = full
	c.channel.Messages = nil
	c.thread = chat.NewThread(full.ID, full.Messages)
	c.sub = c.client.Listen(full.ID, chatclient.Handlers{
		OnNew:     c.guard(gen, c.onNew),
		OnUpdated: c.guard(gen, c.onUpdated),
		OnDeleted: c.guard(gen, c.onDeleted),
		OnRemoved: func(string) { c.loop.Post(func() { c.removed(gen) }) },
	})
	c.state = Ready
	c.scheduleScroll(gen)
	c.markRead(gen)
}

// guard turns a thread mutation into a backend callback: it hops onto the
// loop and drops the event if the selection changed since gen.
func (c *Controller) guard(gen uint64, apply func(uint64, chat.Message)) func(chat.Message) {
	return func(m chat.Message) {
		c.loop.Post(func() {
			if gen != c.gen || c.state != Ready || m.ChannelID != "" && m.ChannelID != c.channel.ID {
				return
			}
			apply(gen, m)
		})
	}
}

func (c *Controller) onNew(gen uint64, m chat.Message) {
	c.thread.Append(m)
	c.scheduleScroll(gen)
	if m.AuthorID != c.client.UserID() {
		c.markRead(gen)
	}
}

func (c *Controller) onUpdated(_ uint64, m chat.Message) {
	c.thread.Update(m)
}

func (c *Controller) onDeleted(_ uint64, m chat.Message) {
	c.thread.Remove(m.ID)
}

// removed closes the conversation after its channel went away.
func (c *Controller) removed(gen uint64) {
	if gen != c.gen || c.state != Ready {
		return
	}
	channelID := c.channel.ID
	c.Reset()
	c.notifier.Notify(notify.Info, "This conversation is no longer available.")
	if c.onClosed != nil {
		c.onClosed(channelID)
	}
}

func (c *Controller) scheduleScroll(gen uint64) {
	if c.onScroll == nil {
		return
	}
	if c.scroll != nil {
		c.scroll.Stop()
	}
	channelID := c.channel.ID
	c.scroll = time.AfterFunc(c.scrollDelay, func() {
		c.loop.Post(func() {
			if gen == c.gen && c.state == Ready {
				c.onScroll(channelID)
			}
		})
	})
}

func (c *Controller) markRead(gen uint64) {
	channelID := c.channel.ID
	c.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
		defer cancel()
		if err := c.client.MarkRead(ctx, channelID); err != nil {
			log.Printf("[conversation] mark read %s: %v", channelID, err)
			return nil
		}
		return func() {
			if gen == c.gen && c.onRead != nil {
				c.onRead(channelID)
			}
		}
	})
}

var errRateLimited = errors.New("conversation: sending too fast")

// Submit sends text. The composer is cleared immediately; the message is not
// added to the thread here but arrives through message.new. On failure the
// original text goes back into the composer and an error toast is shown.
// Whitespace-only input is ignored.
func (c *Controller) Submit(text string) {
	if c.state != Ready {
		c.notifier.Notify(notify.Error, "Select a conversation first.")
		return
	}
	if err := chat.ValidateMessage(text); err != nil {
		if errors.Is(err, chat.ErrEmptyMessage) {
			return
		}
		c.composer = text
		if errors.Is(err, chat.ErrMessageTooLong) {
			c.notifier.Notify(notify.Error, "Message is too long.")
		} else {
			c.notifier.Notify(notify.Error, "Message contains unsupported characters.")
		}
		return
	}

	c.composer = ""
	c.sending++
	gen := c.gen
	channelID := c.channel.ID
	self := c.client.UserID()

	c.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
		defer cancel()

		var err error
		if c.limiter != nil {
			if ok, _ := c.limiter.Allow(ctx, self, ratelimit.RuleSend); !ok {
				err = &chatclient.SendError{ChannelID: channelID, Text: text, Err: errRateLimited}
			}
		}
		if err == nil {
			_, err = c.client.SendMessage(ctx, channelID, text)
		}

		return func() {
			if gen == c.gen {
				c.sending--
			}
			if err == nil {
				return
			}
			log.Printf("[conversation] user=%s send to %s: %v", self, channelID, err)
			if gen == c.gen {
				c.composer = text
			}
			if errors.Is(err, errRateLimited) {
				c.notifier.Notify(notify.Error, "You are sending messages too quickly.")
				return
			}
			c.notifier.Notify(notify.Error, "Message not sent. Please try again.")
		}
	})
}

// Composer returns the composer text the page should show.
func (c *Controller) Composer() string {
	return c.composer
}

// Sending reports whether a send is in flight for the open channel.
func (c *Controller) Sending() bool {
	return c.sending > 0
}

// Messages returns the thread in display order.
func (c *Controller) Messages() []chat.Message {
	if c.thread == nil {
		return nil
	}
	return c.thread.Messages()
}

// Reset detaches from the open channel and returns to NoChannelSelected.
func (c *Controller) Reset() {
	c.detach()
	c.gen++
	c.state = NoChannelSelected
	c.channel = chat.Channel{}
	c.thread = nil
	c.composer = ""
}

func (c *Controller) detach() {
	c.sub.Close()
	c.sub = nil
	if c.scroll != nil {
		c.scroll.Stop()
		c.scroll = nil
	}
	c.sending = 0
}

// View renders the controller.
func (c *Controller) View() View {
	v := View{
		State:    c.state.String(),
		Composer: c.composer,
		Sending:  c.sending > 0,
		Messages: []MessageView{},
	}
	if c.state == NoChannelSelected {
		return v
	}
	self := c.client.UserID()
	v.ChannelID = c.channel.ID
	if m, ok := c.channel.Counterpart(self); ok {
		u := m.User
		v.Counterpart = &u
	}
	for _, m := range c.Messages() {
		v.Messages = append(v.Messages, MessageView{
			ID:        m.ID,
			AuthorID:  m.AuthorID,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
			Edited:    !m.UpdatedAt.IsZero() && m.UpdatedAt.After(m.CreatedAt),
			Self:      m.AuthorID == self,
		})
	}
	return v
}
