// Package messenger runs the chat experience of one browser page on the
// server. A Page owns an event loop, the page's chat client and the three
// controllers; intents from the WebSocket are posted onto the loop and
// every change is pushed back to the browser as a rendered view.
package messenger

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/conversation"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/inbox"
	"github.com/referly/messenger/internal/metrics"
	"github.com/referly/messenger/internal/notify"
	"github.com/referly/messenger/internal/profile"
	"github.com/referly/messenger/internal/protocol"
	"github.com/referly/messenger/internal/ratelimit"
	"github.com/referly/messenger/internal/session"
)

const (
	connectTimeout = 15 * time.Second
	recordTimeout  = 3 * time.Second
)

// CredentialSource issues the chat credential of a platform user.
type CredentialSource interface {
	GetChatSession(ctx context.Context, userID string) (chat.Credential, error)
}

// CounterpartSource lists the users a viewer may start conversations with.
type CounterpartSource interface {
	ListEligibleCounterparts(ctx context.Context, viewerID string) ([]chat.User, error)
}

// Limiter throttles sends and channel creation.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// SessionRecorder mirrors page state into the shared session store.
type SessionRecorder interface {
	UpdateStatus(ctx context.Context, sessionID, status string) error
	SetChannel(ctx context.Context, sessionID, channelID string) error
}

// Deps are the collaborators shared by every page. Syncer, Locker,
// Limiter and Sessions are optional.
type Deps struct {
	// Dial opens a chat backend connection for one page session.
	Dial        func(sessionID string) chatclient.Backend
	Credentials CredentialSource
	Directory   CounterpartSource
	Syncer      inbox.CounterpartSyncer
	Locker      inbox.PairLocker
	Limiter     Limiter
	Sessions    SessionRecorder
	Options     chatclient.Options
	ScrollDelay time.Duration
}

// Page is the server side of one open browser page.
type Page struct {
	id     string
	userID string
	deps   Deps
	send   func(data []byte) error

	ctx    context.Context
	cancel context.CancelFunc
	loop   *eventloop.Loop

	// Loop-owned state.
	status  string
	attempt uint64
	closed  bool
	client  *chatclient.Client
	inbox   *inbox.Controller
	conv    *conversation.Controller
	panel   *profile.Panel
	sent    map[string][]byte // last frame per view type

	statusSeq  writeSeq
	channelSeq writeSeq
}

// NewPage creates a page. send writes one frame to the browser. Call Start
// to connect.
func NewPage(id, userID string, deps Deps, send func(data []byte) error) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Page{
		id:     id,
		userID: userID,
		deps:   deps,
		send:   send,
		ctx:    ctx,
		cancel: cancel,
		sent:   make(map[string][]byte),
	}
	p.loop = eventloop.New(p.flush)
	return p
}

// ID returns the page session id.
func (p *Page) ID() string { return p.id }

// UserID returns the platform user of the page.
func (p *Page) UserID() string { return p.userID }

// Start runs the loop and begins chat initialization.
func (p *Page) Start() {
	metrics.PageSessions.Inc()
	p.loop.Start()
	p.loop.Post(p.connect)
}

// Close tears the page down: subscriptions, chat connection and loop.
func (p *Page) Close() {
	p.loop.Post(func() {
		if p.closed {
			return
		}
		p.closed = true
		p.teardown()
		metrics.PageSessions.Dec()
		log.Printf("[page] closed session=%s user=%s", p.id, p.userID)
	})
	p.loop.Stop()
	p.cancel()
}

func (p *Page) teardown() {
	if p.inbox != nil {
		p.inbox.Close()
	}
	if p.conv != nil {
		p.conv.Reset()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			log.Printf("[page] session=%s close chat: %v", p.id, err)
		}
	}
	p.client, p.inbox, p.conv, p.panel = nil, nil, nil, nil
}

// connect runs chat initialization. Only the latest attempt may install its
// result.
func (p *Page) connect() {
	p.attempt++
	attempt := p.attempt
	p.status = session.StatusConnecting
	p.emit(protocol.TypeConnecting, protocol.ConnectingMsg{})
	p.record(session.StatusConnecting)

	p.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(p.ctx, connectTimeout)
		defer cancel()

		client, directory, err := p.dial(ctx)
		return func() {
			if p.closed || attempt != p.attempt {
				if client != nil {
					client.Close()
				}
				return
			}
			if err != nil {
				p.status = session.StatusFailed
				p.record(session.StatusFailed)
				log.Printf("[page] session=%s user=%s connect failed: %v", p.id, p.userID, err)
				p.emit(protocol.TypeConnectionError, protocol.ConnectionErrorMsg{Message: connectMessage(err)})
				return
			}
			p.ready(client, directory)
		}
	})
}

func (p *Page) dial(ctx context.Context) (*chatclient.Client, []chat.User, error) {
	cred, err := p.deps.Credentials.GetChatSession(ctx, p.userID)
	if err != nil {
		return nil, nil, &chatclient.ConnectionError{UserID: p.userID, Err: err}
	}
	client, err := chatclient.Initialize(ctx, p.deps.Dial(p.id), cred, p.deps.Options)
	if err != nil {
		return nil, nil, err
	}
	var directory []chat.User
	if p.deps.Directory != nil {
		directory, err = p.deps.Directory.ListEligibleCounterparts(ctx, p.userID)
		if err != nil {
			// Search degrades to empty; the inbox still works.
			log.Printf("[page] session=%s directory unavailable: %v", p.id, err)
			directory = nil
		}
	}
	return client, directory, nil
}

func connectMessage(err error) string {
	if errors.Is(err, chatclient.ErrUnauthorized) {
		return "Your session has expired. Please sign in again."
	}
	return "We couldn't connect to chat. Please try again."
}

func (p *Page) ready(client *chatclient.Client, directory []chat.User) {
	p.client = client
	p.conv = conversation.New(p.ctx, conversation.Config{
		Loop:        p.loop,
		Client:      client,
		Limiter:     p.deps.Limiter,
		Notifier:    p,
		ScrollDelay: p.deps.ScrollDelay,
		OnScroll:    p.scroll,
		OnRead:      func(string) { p.inbox.Refresh() },
		OnClosed: func(string) {
			p.panel.Close()
			p.recordChannel("")
		},
	})
	p.inbox = inbox.New(p.ctx, inbox.Config{
		Loop:          p.loop,
		Client:        client,
		Directory:     directory,
		Syncer:        p.deps.Syncer,
		Locker:        p.deps.Locker,
		Limiter:       p.deps.Limiter,
		Notifier:      p,
		OnOpen:        p.open,
		ActiveChannel: p.conv.ActiveID,
	})
	p.panel = profile.New(p.ctx, profile.Config{
		Loop:         p.loop,
		Client:       client,
		Conversation: p.conv,
		Inbox:        p.inbox,
		Notifier:     p,
	})

	p.status = session.StatusReady
	p.record(session.StatusReady)
	u := client.User()
	p.emit(protocol.TypeReady, protocol.ReadyMsg{UserID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL})
	p.inbox.Start()
	log.Printf("[page] ready session=%s user=%s directory=%d", p.id, p.userID, len(directory))
}

func (p *Page) open(ch chat.Channel) {
	if p.conv.ActiveID() == ch.ID {
		return
	}
	p.panel.Close()
	p.conv.Select(ch)
	p.recordChannel(ch.ID)
}

func (p *Page) scroll(channelID string) {
	p.flush()
	p.emit(protocol.TypeScrollBottom, protocol.ScrollBottomMsg{ChannelID: channelID})
}

// Notify implements notify.Notifier by sending a toast.
func (p *Page) Notify(kind notify.Kind, text string) {
	p.emit(protocol.TypeToast, protocol.ToastMsg{Kind: string(kind), Text: text})
}

func (p *Page) emit(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[page] session=%s build %s: %v", p.id, msgType, err)
		return
	}
	p.write(data)
}

func (p *Page) write(data []byte) {
	if err := p.send(data); err != nil {
		log.Printf("[page] session=%s write: %v", p.id, err)
	}
}

func (p *Page) record(status string) {
	if p.deps.Sessions == nil {
		return
	}
	p.persist(&p.statusSeq, func(ctx context.Context) error {
		return p.deps.Sessions.UpdateStatus(ctx, p.id, status)
	})
}

func (p *Page) recordChannel(channelID string) {
	if p.deps.Sessions == nil {
		return
	}
	p.persist(&p.channelSeq, func(ctx context.Context) error {
		return p.deps.Sessions.SetChannel(ctx, p.id, channelID)
	})
}

// persist runs write off the loop. Writes of one kind may finish out of
// order, so a write is skipped once a newer one of the same kind has run.
func (p *Page) persist(seq *writeSeq, write func(ctx context.Context) error) {
	n := seq.issued.Add(1)
	p.loop.Go(func() func() {
		seq.mu.Lock()
		defer seq.mu.Unlock()
		if n < seq.written {
			return nil
		}
		seq.written = n
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			log.Printf("[page] session=%s record: %v", p.id, err)
		}
		return nil
	})
}

type writeSeq struct {
	issued  atomic.Uint64
	mu      sync.Mutex
	written uint64
}

// isReady reports whether the controllers exist. Intents before that are
// dropped; the page shows the connecting screen meanwhile.
func (p *Page) isReady(intent string) bool {
	if p.closed || p.status != session.StatusReady {
		log.Printf("[page] session=%s dropped %s while %s", p.id, intent, p.status)
		return false
	}
	return true
}
