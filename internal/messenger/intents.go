package messenger

import (
	"github.com/referly/messenger/internal/notify"
	"github.com/referly/messenger/internal/protocol"
	"github.com/referly/messenger/internal/session"
)

// Handle posts a parsed client message onto the page loop.
func (p *Page) Handle(msg interface{}) {
	p.loop.Post(func() { p.apply(msg) })
}

func (p *Page) apply(msg interface{}) {
	switch m := msg.(type) {
	case protocol.RetryConnectMsg:
		// Only the connection error screen offers a retry.
		if !p.closed && p.status == session.StatusFailed {
			p.connect()
		}
	case protocol.SearchMsg:
		if p.isReady(m.Type) {
			p.inbox.SetQuery(m.Query)
		}
	case protocol.StartChatMsg:
		if p.isReady(m.Type) {
			p.inbox.StartChat(m.UserID)
		}
	case protocol.SelectChannelMsg:
		if !p.isReady(m.Type) {
			return
		}
		ch, ok := p.inbox.Channel(m.ChannelID)
		if !ok {
			p.Notify(notify.Error, "That conversation is no longer available.")
			return
		}
		p.open(ch)
	case protocol.CloseChannelMsg:
		if p.isReady(m.Type) && p.conv.ActiveID() != "" {
			p.panel.Close()
			p.conv.Reset()
			p.recordChannel("")
		}
	case protocol.SendMessageMsg:
		if p.isReady(m.Type) {
			p.conv.Submit(m.Text)
		}
	case protocol.OpenProfileMsg:
		if p.isReady(m.Type) {
			p.panel.Open()
		}
	case protocol.CloseProfileMsg:
		if p.isReady(m.Type) {
			p.panel.Close()
		}
	case protocol.DeleteConversationMsg:
		if p.isReady(m.Type) {
			p.panel.RequestDelete()
		}
	case protocol.ConfirmDeleteMsg:
		if p.isReady(m.Type) && p.panel.Confirming() {
			p.panel.ConfirmDelete()
			p.recordChannel("")
		}
	case protocol.CancelDeleteMsg:
		if p.isReady(m.Type) {
			p.panel.CancelDelete()
		}
	}
}
