// Package profile is the counterpart profile panel: a read-only view of the
// other participant of the open conversation plus the confirmed "delete
// conversation" action.
package profile

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/referly/messenger/internal/chatclient"
	"github.com/referly/messenger/internal/conversation"
	"github.com/referly/messenger/internal/eventloop"
	"github.com/referly/messenger/internal/inbox"
	"github.com/referly/messenger/internal/metrics"
	"github.com/referly/messenger/internal/notify"
)

// NotProvided replaces absent optional profile fields.
const NotProvided = "Not provided"

// DeletedMessage is shown after a delete, whether it ended as a hard delete
// or a hide.
const DeletedMessage = "Conversation deleted"

const opTimeout = 10 * time.Second

// Field is one labeled profile line.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Link  bool   `json:"link,omitempty"`
}

// View is the rendered panel.
type View struct {
	Open       bool    `json:"open"`
	Confirming bool    `json:"confirming"`
	UserID     string  `json:"user_id,omitempty"`
	Name       string  `json:"name,omitempty"`
	AvatarURL  string  `json:"avatar_url,omitempty"`
	Fields     []Field `json:"fields,omitempty"`
}

// Config wires a Panel.
type Config struct {
	Loop         *eventloop.Loop
	Client       *chatclient.Client
	Conversation *conversation.Controller
	Inbox        *inbox.Controller
	Notifier     notify.Notifier
}

// Panel is the counterpart profile panel. It must only be used from the
// page's event loop.
type Panel struct {
	ctx      context.Context
	loop     *eventloop.Loop
	client   *chatclient.Client
	conv     *conversation.Controller
	inbox    *inbox.Controller
	notifier notify.Notifier

	open       bool
	confirming bool
}

// New creates a closed panel.
func New(ctx context.Context, cfg Config) *Panel {
	n := cfg.Notifier
	if n == nil {
		n = notify.Discard
	}
	return &Panel{
		ctx:      ctx,
		loop:     cfg.Loop,
		client:   cfg.Client,
		conv:     cfg.Conversation,
		inbox:    cfg.Inbox,
		notifier: n,
	}
}

// Open shows the panel for the open conversation's counterpart.
func (p *Panel) Open() {
	if _, ok := p.conv.Channel(); ok {
		p.open = true
	}
}

// Close hides the panel and drops a pending confirmation.
func (p *Panel) Close() {
	p.open = false
	p.confirming = false
}

// IsOpen reports whether the panel is shown.
func (p *Panel) IsOpen() bool {
	return p.open
}

// View renders the panel from the open channel's member map.
func (p *Panel) View() View {
	ch, ok := p.conv.Channel()
	if !ok || !p.open {
		return View{}
	}
	v := View{Open: true, Confirming: p.confirming}
	m, ok := ch.Counterpart(p.client.UserID())
	if !ok {
		return v
	}
	u := m.User
	v.UserID = u.ID
	v.Name = inbox.DisplayName(u)
	v.AvatarURL = u.AvatarURL
	v.Fields = []Field{
		{Label: "Role", Value: orNotProvided(u.Role)},
		{Label: "Company", Value: orNotProvided(u.Company)},
		{Label: "Job title", Value: orNotProvided(u.JobTitle)},
		{Label: "Email", Value: orNotProvided(u.Email)},
		{Label: "Phone", Value: orNotProvided(u.Phone)},
		{Label: "LinkedIn", Value: orNotProvided(u.LinkedInURL), Link: strings.TrimSpace(u.LinkedInURL) != ""},
	}
	return v
}

func orNotProvided(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return NotProvided
}

// RequestDelete asks for confirmation before deleting.
func (p *Panel) RequestDelete() {
	if _, ok := p.conv.Channel(); ok {
		p.confirming = true
	}
}

// CancelDelete drops the pending confirmation.
func (p *Panel) CancelDelete() {
	p.confirming = false
}

// Confirming reports whether a delete awaits confirmation.
func (p *Panel) Confirming() bool {
	return p.confirming
}

// ConfirmDelete deletes the open conversation. It does nothing unless
// RequestDelete was called first. The channel leaves the inbox and the view
// resets right away; if the backend refuses the hard delete the channel is
// hidden for this user instead, and only when both fail is the inbox
// restored and an error shown.
func (p *Panel) ConfirmDelete() {
	if !p.confirming {
		return
	}
	p.confirming = false
	ch, ok := p.conv.Channel()
	if !ok {
		return
	}

	snap := p.inbox.Snapshot()
	p.inbox.Remove(ch.ID)
	p.conv.Reset()
	p.open = false

	p.loop.Go(func() func() {
		err := p.remove(ch.ID)
		return func() {
			if err != nil {
				log.Printf("[profile] user=%s delete %s: %v", p.client.UserID(), ch.ID, err)
				p.inbox.Restore(snap)
				p.notifier.Notify(notify.Error, "Could not delete the conversation.")
				return
			}
			p.inbox.Settle(ch.ID)
			p.notifier.Notify(notify.Success, DeletedMessage)
		}
	})
}

// remove runs off the loop. Any delete failure falls back to hide.
func (p *Panel) remove(channelID string) error {
	ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
	defer cancel()

	delErr := p.client.DeleteChannel(ctx, channelID)
	if delErr == nil {
		return nil
	}
	metrics.DeleteFallbacks.Inc()
	log.Printf("[profile] delete %s refused, hiding: %v", channelID, delErr)

	hideErr := p.client.HideChannel(ctx, channelID)
	if hideErr == nil {
		return nil
	}
	return &chatclient.DeleteError{ChannelID: channelID, DeleteErr: delErr, HideErr: hideErr}
}
