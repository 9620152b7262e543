// Package chat holds the chat-scoped domain model shared by the messenger:
// users, channels, messages, live events, and the small amount of logic that
// belongs to them (counterpart resolution, thread bookkeeping, validation).
package chat

import (
	"sort"
	"time"
)

// ChannelTypeMessaging is the only channel type the messenger queries or creates.
const ChannelTypeMessaging = "messaging"

// Platform roles.
const (
	RoleCandidate = "candidate"
	RoleReferrer  = "referrer"
	RolePoster    = "poster"
	RoleAdmin     = "admin"
)

// Channel member roles, as reported by the chat backend.
const (
	MemberRoleOwner  = "owner"
	MemberRoleMember = "member"
)

// User is a chat-scoped identity. Everything except ID and DisplayName is
// optional and may be empty.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role,omitempty"`
	Company     string `json:"company,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
}

// Member is a user's membership in a channel.
type Member struct {
	User     User      `json:"user"`
	Role     string    `json:"role,omitempty"` // owner | member
	JoinedAt time.Time `json:"joined_at"`
}

// Message is a single chat message.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Channel is a conversation. Messages is only populated when the channel
// state was requested (query with state, or watch).
type Channel struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	CreatedBy     string            `json:"created_by,omitempty"`
	Members       map[string]Member `json:"members"`
	LastMessageAt time.Time         `json:"last_message_at,omitzero"`
	UnreadCount   int               `json:"unread_count"`
	Messages      []Message         `json:"messages,omitempty"`
}

// HasMember reports whether userID belongs to the channel.
func (c *Channel) HasMember(userID string) bool {
	_, ok := c.Members[userID]
	return ok
}

// Counterpart returns the member who is not selfID. For channels with more
// than two members the lowest id wins so the result is stable.
func (c *Channel) Counterpart(selfID string) (Member, bool) {
	ids := make([]string, 0, len(c.Members))
	for id := range c.Members {
		if id != selfID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Member{}, false
	}
	sort.Strings(ids)
	return c.Members[ids[0]], true
}

// LastMessage returns the most recent message of the loaded history.
func (c *Channel) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// FindByMember returns the first channel containing userID.
func FindByMember(channels []Channel, userID string) (Channel, bool) {
	for _, ch := range channels {
		if ch.HasMember(userID) {
			return ch, true
		}
	}
	return Channel{}, false
}

// Credential is the per-user chat credential issued by the session token
// provider.
type Credential struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Token       string `json:"token"`
}

// PairKey returns an order-independent key for a pair of participants.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
