// Package chatclient is the messenger's chat client core. It owns the single
// authenticated connection of a page session to the hosted chat backend and
// offers the channel query, watch, listen, and send primitives the inbox,
// conversation, and profile controllers are built on.
package chatclient

import (
	"context"
	"errors"

	"github.com/referly/messenger/internal/chat"
)

// Sentinel errors a Backend implementation maps its failures onto.
var (
	ErrUnauthorized = errors.New("chat backend: unauthorized")
	ErrForbidden    = errors.New("chat backend: forbidden")
	ErrNotFound     = errors.New("chat backend: not found")
	ErrUnavailable  = errors.New("chat backend: unavailable")
)

// Sort directions.
const (
	SortDesc = -1
	SortAsc  = 1
)

// ChannelFilter selects channels by type and membership.
type ChannelFilter struct {
	Type           string `json:"type"`
	MemberIncludes string `json:"members_in"`
}

// SortField orders a channel query.
type SortField struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// ChannelQuery is a channel list request. State asks for members and
// message history in the same round trip; Watch subscribes the connection to
// live events for every returned channel.
type ChannelQuery struct {
	Filter       ChannelFilter `json:"filter"`
	Sort         []SortField   `json:"sort"`
	State        bool          `json:"state"`
	Watch        bool          `json:"watch"`
	MessageLimit int           `json:"message_limit,omitempty"`
}

// Backend is the pub/sub chat service as seen by one authenticated
// connection. Implementations deliver live events to the handler passed to
// Subscribe, in arrival order, from any goroutine.
type Backend interface {
	Connect(ctx context.Context, cred chat.Credential) (chat.User, error)
	QueryChannels(ctx context.Context, q ChannelQuery) ([]chat.Channel, error)
	Watch(ctx context.Context, channelID string) (chat.Channel, error)
	Unwatch(ctx context.Context, channelID string) error
	CreateChannel(ctx context.Context, memberIDs []string) (chat.Channel, error)
	SendMessage(ctx context.Context, channelID, text string) (chat.Message, error)
	DeleteChannel(ctx context.Context, channelID string) error
	HideChannel(ctx context.Context, channelID string) error
	MarkRead(ctx context.Context, channelID string) error
	Subscribe(handler func(chat.Event)) (cancel func())
	Disconnect() error
}
