// Package protocol defines the JSON messages exchanged between the browser
// page and the messenger over the page's WebSocket. Every message carries a
// "type" discriminator; client messages are user intents, server messages
// are view updates the page renders as-is.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSearch             = "search"
	TypeStartChat          = "start_chat"
	TypeSelectChannel      = "select_channel"
	TypeCloseChannel       = "close_channel"
	TypeSendMessage        = "send_message"
	TypeOpenProfile        = "open_profile"
	TypeCloseProfile       = "close_profile"
	TypeDeleteConversation = "delete_conversation"
	TypeConfirmDelete      = "confirm_delete"
	TypeCancelDelete       = "cancel_delete"
	TypeRetryConnect       = "retry_connect"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeConnecting      = "connecting"
	TypeConnectionError = "connection_error"
	TypeReady           = "ready"
	TypeInbox           = "inbox"
	TypeThread          = "thread"
	TypeProfile         = "profile"
	TypeScrollBottom    = "scroll_bottom"
	TypeToast           = "toast"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SearchMsg carries the current contents of the search input.
type SearchMsg struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

// StartChatMsg starts or resumes a conversation with a directory user.
type StartChatMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SelectChannelMsg opens a conversation from the inbox.
type SelectChannelMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// CloseChannelMsg returns to the no-conversation state.
type CloseChannelMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg submits the composer.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OpenProfileMsg opens the counterpart profile panel.
type OpenProfileMsg struct {
	Type string `json:"type"`
}

// CloseProfileMsg closes the profile panel.
type CloseProfileMsg struct {
	Type string `json:"type"`
}

// DeleteConversationMsg asks for the delete confirmation.
type DeleteConversationMsg struct {
	Type string `json:"type"`
}

// ConfirmDeleteMsg confirms a pending delete.
type ConfirmDeleteMsg struct {
	Type string `json:"type"`
}

// CancelDeleteMsg dismisses a pending delete.
type CancelDeleteMsg struct {
	Type string `json:"type"`
}

// RetryConnectMsg re-runs chat initialization after a connection error.
type RetryConnectMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectingMsg shows the full-screen loading indicator.
type ConnectingMsg struct {
	Type string `json:"type"`
}

// ConnectionErrorMsg replaces the page with an error and a retry button.
type ConnectionErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ReadyMsg is sent once the chat connection is established.
type ReadyMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// InboxRow is one conversation in the list.
type InboxRow struct {
	ChannelID     string    `json:"channel_id"`
	CounterpartID string    `json:"counterpart_id"`
	Name          string    `json:"name"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Badge         string    `json:"badge,omitempty"`
	Preview       string    `json:"preview,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitzero"`
	Active        bool      `json:"active,omitempty"`
}

// SearchHit is one directory search result. ChannelID is set when a
// conversation with the user already exists.
type SearchHit struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Company   string `json:"company,omitempty"`
	JobTitle  string `json:"job_title,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// InboxMsg renders the conversation list or, while a query is present, the
// search results.
type InboxMsg struct {
	Type    string      `json:"type"`
	Loading bool        `json:"loading"`
	Empty   bool        `json:"empty"`
	Query   string      `json:"query"`
	Rows    []InboxRow  `json:"rows"`
	Results []SearchHit `json:"results,omitempty"`
}

// Person is the counterpart shown in the thread header.
type Person struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	JobTitle  string `json:"job_title,omitempty"`
	Company   string `json:"company,omitempty"`
}

// ThreadMessage is one message of the active conversation. Self messages
// are right-aligned.
type ThreadMessage struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Edited    bool      `json:"edited,omitempty"`
	Self      bool      `json:"self"`
}

// ThreadMsg renders the active conversation pane. State is one of "none",
// "loading", "ready".
type ThreadMsg struct {
	Type        string          `json:"type"`
	State       string          `json:"state"`
	ChannelID   string          `json:"channel_id,omitempty"`
	Counterpart *Person         `json:"counterpart,omitempty"`
	Messages    []ThreadMessage `json:"messages"`
	Composer    string          `json:"composer"`
	Sending     bool            `json:"sending"`
}

// ProfileField is one labelled row of the profile panel.
type ProfileField struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Link  bool   `json:"link,omitempty"`
}

// ProfileMsg renders the counterpart profile panel.
type ProfileMsg struct {
	Type       string         `json:"type"`
	Open       bool           `json:"open"`
	Confirming bool           `json:"confirming"`
	UserID     string         `json:"user_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	AvatarURL  string         `json:"avatar_url,omitempty"`
	Fields     []ProfileField `json:"fields,omitempty"`
}

// ScrollBottomMsg asks the page to scroll the thread to the newest message.
type ScrollBottomMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// ToastMsg shows a transient notification. Kind is "info", "success" or
// "error".
type ToastMsg struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// ErrorMsg is sent by the server to communicate a protocol error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSearch:
		var m SearchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartChat:
		var m StartChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSelectChannel:
		var m SelectChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseChannel:
		msg = CloseChannelMsg{Type: env.Type}
	case TypeOpenProfile:
		msg = OpenProfileMsg{Type: env.Type}
	case TypeCloseProfile:
		msg = CloseProfileMsg{Type: env.Type}
	case TypeDeleteConversation:
		msg = DeleteConversationMsg{Type: env.Type}
	case TypeConfirmDelete:
		msg = ConfirmDeleteMsg{Type: env.Type}
	case TypeCancelDelete:
		msg = CancelDeleteMsg{Type: env.Type}
	case TypeRetryConnect:
		msg = RetryConnectMsg{Type: env.Type}
	case TypePing:
		msg = PingMsg{Type: env.Type}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
