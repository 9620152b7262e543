package chatclient

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("chatclient: client closed")

	// ErrSelfChannel is returned when asked to open a conversation with oneself.
	ErrSelfChannel = errors.New("chatclient: cannot create a channel with yourself")
)

// ConnectionError means the page session could not establish its chat
// connection. It is the only fatal error of a session.
type ConnectionError struct {
	UserID string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chatclient: connect as %q: %v", e.UserID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelOperationError is a recoverable failure of a create, query, watch,
// delete, or hide call on a specific channel.
type ChannelOperationError struct {
	Op        string
	ChannelID string
	Err       error
}

func (e *ChannelOperationError) Error() string {
	if e.ChannelID == "" {
		return fmt.Sprintf("chatclient: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chatclient: %s %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelOperationError) Unwrap() error { return e.Err }

// SendError is a failed message send. Text is the original composer text so
// the caller can restore it.
type SendError struct {
	ChannelID string
	Text      string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chatclient: send to %s: %v", e.ChannelID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DeleteError is returned only when both the hard delete and the hide
// fallback failed.
type DeleteError struct {
	ChannelID string
	DeleteErr error
	HideErr   error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("chatclient: delete %s: %v; hide: %v", e.ChannelID, e.DeleteErr, e.HideErr)
}

func (e *DeleteError) Unwrap() []error { return []error{e.DeleteErr, e.HideErr} }
