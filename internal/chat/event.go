package chat

// Event types pushed by the chat backend.
const (
	EventMessageNew             = "message.new"
	EventMessageUpdated         = "message.updated"
	EventMessageDeleted         = "message.deleted"
	EventNotificationMessageNew = "notification.message_new"
	EventNotificationAdded      = "notification.added_to_channel"
	EventChannelDeleted         = "channel.deleted"
	EventChannelHidden          = "channel.hidden"
)

// Event is a live event delivered by the chat backend, either on a watched
// channel or on the authenticated user's notification feed.
type Event struct {
	Type        string   `json:"type"`
	ChannelID   string   `json:"channel_id,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Channel     *Channel `json:"channel,omitempty"`
	UnreadCount int      `json:"unread_count,omitempty"` // for notification events
	TotalUnread int      `json:"total_unread_count,omitempty"`
}

// IsNotification reports whether the event belongs to the user-level
// notification feed rather than a watched channel.
func (e Event) IsNotification() bool {
	return e.Type == EventNotificationMessageNew || e.Type == EventNotificationAdded
}
