// Package chatbackend implements chatclient.Backend on top of NATS. The
// hosted chat service answers JSON request/reply calls on chat.rpc.<op> and
// publishes live events on chat.events.<channel_id> and chat.notify.<user_id>.
package chatbackend

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
)

// RPC operation names.
const (
	OpConnect    = "connect"
	OpQuery      = "query_channels"
	OpWatch      = "watch"
	OpCreate     = "create_channel"
	OpSend       = "send_message"
	OpDelete     = "delete_channel"
	OpHide       = "hide_channel"
	OpMarkRead   = "mark_read"
	OpUpsertUser = "upsert_user"
)

// Error codes carried in a reply.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeUnavailable  = "unavailable"
	CodeInvalid      = "invalid"
)

// Request is the body of every chat.rpc call.
type Request struct {
	Token     string                   `json:"token"`
	UserID    string                   `json:"user_id,omitempty"`
	ChannelID string                   `json:"channel_id,omitempty"`
	Members   []string                 `json:"members,omitempty"`
	Text      string                   `json:"text,omitempty"`
	Query     *chatclient.ChannelQuery `json:"query,omitempty"`
	User      *chat.User               `json:"user,omitempty"`
}

// Reply is the body of every chat.rpc answer. Exactly one of Error or the
// result fields is meaningful.
type Reply struct {
	Error    *ReplyError    `json:"error,omitempty"`
	User     *chat.User     `json:"user,omitempty"`
	Channel  *chat.Channel  `json:"channel,omitempty"`
	Channels []chat.Channel `json:"channels,omitempty"`
	Message  *chat.Message  `json:"message,omitempty"`
}

// ReplyError is a failed call.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string {
	return e.Code + ": " + e.Message
}

// errorFor maps a reply error onto the chatclient sentinels so callers can
// branch with errors.Is.
func errorFor(op string, re *ReplyError) error {
	var sentinel error
	switch re.Code {
	case CodeUnauthorized:
		sentinel = chatclient.ErrUnauthorized
	case CodeForbidden:
		sentinel = chatclient.ErrForbidden
	case CodeNotFound:
		sentinel = chatclient.ErrNotFound
	case CodeUnavailable:
		sentinel = chatclient.ErrUnavailable
	default:
		return fmt.Errorf("chatbackend: %s: %w", op, re)
	}
	return fmt.Errorf("chatbackend: %s: %s: %w", op, re.Message, sentinel)
}

// CodeFor is the inverse of errorFor, used by the serving side.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, chatclient.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, chatclient.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, chatclient.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, chatclient.ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInvalid
	}
}

func decodeReply(op string, data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("chatbackend: %s: decode reply: %w", op, err)
	}
	if r.Error != nil {
		return Reply{}, errorFor(op, r.Error)
	}
	return r, nil
}
