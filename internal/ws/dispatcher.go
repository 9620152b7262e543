package ws

import (
	"log"

	"github.com/referly/messenger/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client messages to handlers by type. Ping is
// answered internally; malformed and unregistered messages get an error
// reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	send     func(connID string, data []byte) error
}

// NewMessageDispatcher creates a dispatcher that replies through send.
func NewMessageDispatcher(send func(connID string, data []byte) error) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		send:     send,
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: "parse_error", Message: "invalid message format"})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: "unsupported_type", Message: "unsupported message type"})
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s session=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := d.send(conn.ID, data); err != nil {
		log.Printf("ws: failed to send %s session=%s: %v", msgType, conn.ID, err)
	}
}
