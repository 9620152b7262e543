package messenger

import (
	"bytes"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/conversation"
	"github.com/referly/messenger/internal/inbox"
	"github.com/referly/messenger/internal/profile"
	"github.com/referly/messenger/internal/protocol"
)

// flush runs after every loop closure and pushes each view whose rendering
// changed since it was last sent.
func (p *Page) flush() {
	if p.closed || p.inbox == nil {
		return
	}
	p.push(protocol.TypeInbox, renderInbox(p.inbox, p.conv.ActiveID()))
	p.push(protocol.TypeThread, renderThread(p.conv.View()))
	p.push(protocol.TypeProfile, renderProfile(p.panel.View()))
}

func (p *Page) push(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		p.emit(msgType, payload) // logs the error
		return
	}
	if bytes.Equal(p.sent[msgType], data) {
		return
	}
	p.sent[msgType] = data
	p.write(data)
}

func renderInbox(c *inbox.Controller, activeID string) protocol.InboxMsg {
	msg := protocol.InboxMsg{
		Loading: c.Loading(),
		Empty:   c.Empty(),
		Query:   c.Query(),
		Rows:    []protocol.InboxRow{},
	}
	for _, r := range c.Rows(activeID) {
		msg.Rows = append(msg.Rows, protocol.InboxRow{
			ChannelID:     r.ChannelID,
			CounterpartID: r.CounterpartID,
			Name:          r.Name,
			AvatarURL:     r.AvatarURL,
			Badge:         r.Badge,
			Preview:       r.Preview,
			Timestamp:     r.Timestamp,
			Active:        r.Active,
		})
	}
	if c.Searching() {
		msg.Results = []protocol.SearchHit{}
		for _, res := range c.SearchResults() {
			msg.Results = append(msg.Results, protocol.SearchHit{
				UserID:    res.User.ID,
				Name:      inbox.DisplayName(res.User),
				AvatarURL: res.User.AvatarURL,
				Company:   res.User.Company,
				JobTitle:  res.User.JobTitle,
				ChannelID: res.ChannelID,
			})
		}
	}
	return msg
}

func renderThread(v conversation.View) protocol.ThreadMsg {
	msg := protocol.ThreadMsg{
		State:     v.State,
		ChannelID: v.ChannelID,
		Messages:  make([]protocol.ThreadMessage, 0, len(v.Messages)),
		Composer:  v.Composer,
		Sending:   v.Sending,
	}
	if v.Counterpart != nil {
		msg.Counterpart = person(*v.Counterpart)
	}
	for _, m := range v.Messages {
		msg.Messages = append(msg.Messages, protocol.ThreadMessage{
			ID:        m.ID,
			AuthorID:  m.AuthorID,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
			Edited:    m.Edited,
			Self:      m.Self,
		})
	}
	return msg
}

func person(u chat.User) *protocol.Person {
	return &protocol.Person{
		UserID:    u.ID,
		Name:      inbox.DisplayName(u),
		AvatarURL: u.AvatarURL,
		JobTitle:  u.JobTitle,
		Company:   u.Company,
	}
}

func renderProfile(v profile.View) protocol.ProfileMsg {
	msg := protocol.ProfileMsg{
		Open:       v.Open,
		Confirming: v.Confirming,
		UserID:     v.UserID,
		Name:       v.Name,
		AvatarURL:  v.AvatarURL,
	}
	for _, f := range v.Fields {
		msg.Fields = append(msg.Fields, protocol.ProfileField{Label: f.Label, Value: f.Value, Link: f.Link})
	}
	return msg
}
